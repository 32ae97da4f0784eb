package txlog

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// msPerTick converts game ticks to milliseconds (60 ticks per second).
const msPerTick = 16.67

// Result values derived from transfer status.
const (
	ResultSuccess    = "SUCCESS"
	ResultFailed     = "FAILED"
	ResultInProgress = "IN_PROGRESS"
)

// ShortSummary is the compact transfer projection used in transfer
// broadcasts and log listings.
type ShortSummary struct {
	TransferID         string               `json:"transferId"`
	OperationType      types.OperationType  `json:"operationType"`
	ExportID           string               `json:"exportId,omitempty"`
	PlatformName       string               `json:"platformName"`
	SourceInstanceID   int                  `json:"sourceInstanceId"`
	SourceInstanceName string               `json:"sourceInstanceName,omitempty"`
	TargetInstanceID   int                  `json:"targetInstanceId,omitempty"`
	TargetInstanceName string               `json:"targetInstanceName,omitempty"`
	Status             types.TransferStatus `json:"status"`
	StartedAt          int64                `json:"startedAt"`
	CompletedAt        int64                `json:"completedAt,omitempty"`
	FailedAt           int64                `json:"failedAt,omitempty"`
	Error              string               `json:"error,omitempty"`
	LastEventMs        int64                `json:"lastEventMs,omitempty"`
}

// DetailedSummary extends the short summary with per-phase timings,
// metrics, and the computed result.
type DetailedSummary struct {
	ShortSummary

	Phases             map[string]int64 `json:"phases,omitempty"`
	PayloadMetrics     map[string]any   `json:"payloadMetrics,omitempty"`
	ImportMetrics      map[string]any   `json:"importMetrics,omitempty"`
	ExportMetrics      map[string]any   `json:"exportMetrics,omitempty"`
	ValidationResult   map[string]any   `json:"validationResult,omitempty"`
	SourceVerification map[string]any   `json:"sourceVerification,omitempty"`
	TotalDurationMs    int64            `json:"totalDurationMs"`
	Duration           string           `json:"duration"`
	Result             string           `json:"result"`
}

// ShortSummaryOf builds the compact projection of a transfer. The status
// is always normalized.
func ShortSummaryOf(t *types.Transfer) *ShortSummary {
	return &ShortSummary{
		TransferID:         t.TransferID,
		OperationType:      t.OperationType,
		ExportID:           t.ExportID,
		PlatformName:       t.PlatformName,
		SourceInstanceID:   t.SourceInstanceID,
		SourceInstanceName: t.SourceInstanceName,
		TargetInstanceID:   t.TargetInstanceID,
		TargetInstanceName: t.TargetInstanceName,
		Status:             types.NormalizeStatus(t.Status),
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		FailedAt:           t.FailedAt,
		Error:              t.Error,
		LastEventMs:        t.LastEventMs(),
	}
}

// DetailedSummaryOf builds the full projection of a transfer. nowMs caps
// the total duration of in-flight transfers.
func DetailedSummaryOf(t *types.Transfer, nowMs int64) *DetailedSummary {
	s := &DetailedSummary{
		ShortSummary:       *ShortSummaryOf(t),
		PayloadMetrics:     t.PayloadMetrics,
		ImportMetrics:      t.ImportMetrics,
		ExportMetrics:      t.ExportMetrics,
		ValidationResult:   t.ValidationResult,
		SourceVerification: t.SourceVerification,
	}

	if len(t.Phases) > 0 {
		s.Phases = make(map[string]int64, len(t.Phases))
		for name, phase := range t.Phases {
			s.Phases[name] = phase.DurationMs
		}
	}

	end := t.CompletedAt
	if t.FailedAt > end {
		end = t.FailedAt
	}
	if last := t.LastEventMs(); last > end {
		end = last
	}
	if !t.Status.Terminal() && nowMs > end {
		end = nowMs
	}
	if end > t.StartedAt {
		s.TotalDurationMs = end - t.StartedAt
	}
	s.Duration = FormatDuration(s.TotalDurationMs)

	switch types.NormalizeStatus(t.Status) {
	case types.StatusCompleted:
		s.Result = ResultSuccess
	case types.StatusFailed, types.StatusError, types.StatusCleanupFailed:
		s.Result = ResultFailed
	default:
		s.Result = ResultInProgress
	}

	return s
}

// FormatDuration renders a millisecond duration: sub-second values in
// ms, one-decimal seconds otherwise.
func FormatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	// Round to whole tenths in integers; 1450ms formatted through a
	// float would print as 1.4s.
	tenths := (ms + 50) / 100
	return fmt.Sprintf("%d.%ds", tenths/10, tenths%10)
}

// NormalizeImportMetrics converts tick-denominated metrics to
// milliseconds while preserving the raw tick values. Unknown keys are
// carried verbatim.
func NormalizeImportMetrics(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}

	out := make(map[string]any, len(raw)+2)
	for k, v := range raw {
		out[k] = v
		ticks, ok := asFloat(v)
		if !ok {
			continue
		}
		if base, found := strings.CutSuffix(k, "_ticks"); found && base != "" {
			out[base+"_ms"] = int64(math.Round(ticks * msPerTick))
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

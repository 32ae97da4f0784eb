package types

import (
	"encoding/json"
)

// OperationType classifies an operation record
type OperationType string

const (
	OperationTransfer OperationType = "transfer"
	OperationExport   OperationType = "export"
	OperationImport   OperationType = "import"
)

// TransferStatus represents the current state of a transfer
type TransferStatus string

const (
	StatusTransporting       TransferStatus = "transporting"
	StatusAwaitingValidation TransferStatus = "awaiting_validation"
	StatusCleanup            TransferStatus = "cleanup"
	StatusCompleted          TransferStatus = "completed"
	StatusFailed             TransferStatus = "failed"
	StatusCleanupFailed      TransferStatus = "cleanup_failed"
	StatusError              TransferStatus = "error"

	// statusImporting is the legacy wire name for the transmission state.
	// Normalized to "transporting" on every outward projection.
	statusImporting TransferStatus = "importing"
)

// NormalizeStatus maps legacy status names to their canonical form.
func NormalizeStatus(s TransferStatus) TransferStatus {
	if s == statusImporting {
		return StatusTransporting
	}
	return s
}

// Terminal reports whether s is a terminal state.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCleanupFailed, StatusError:
		return true
	}
	return false
}

// Export is an immutable platform snapshot registered at the controller.
// The on-disk representation is exactly this struct; there are no
// in-memory-only fields.
type Export struct {
	ExportID      string          `json:"exportId"`
	PlatformName  string          `json:"platformName"`
	InstanceID    int             `json:"instanceId"`
	ExportData    json.RawMessage `json:"exportData"`
	Timestamp     int64           `json:"timestamp"`
	Size          int64           `json:"size"`
	ExportMetrics map[string]any  `json:"exportMetrics,omitempty"`
}

// ExportInfo is the metadata projection of an Export (no payload).
type ExportInfo struct {
	ExportID     string `json:"exportId"`
	PlatformName string `json:"platformName"`
	InstanceID   int    `json:"instanceId"`
	Timestamp    int64  `json:"timestamp"`
	Size         int64  `json:"size"`
}

// Phase records the timing of one orchestration phase.
type Phase struct {
	StartMs    int64 `json:"startMs"`
	EndMs      int64 `json:"endMs,omitempty"`
	DurationMs int64 `json:"durationMs,omitempty"`
}

// Phase names used by the orchestrator.
const (
	PhaseTransmission = "transmission"
	PhaseValidation   = "validation"
	PhaseCleanup      = "cleanup"
)

// LogEvent is a single entry in a transfer's journal.
type LogEvent struct {
	TimestampISO string         `json:"timestampIso"`
	TimestampMs  int64          `json:"timestampMs"`
	ElapsedMs    int64          `json:"elapsedMs"`
	DeltaMs      int64          `json:"deltaMs"`
	EventType    string         `json:"eventType"`
	Message      string         `json:"message"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// Canceler is the handle to a scheduled task that can be stopped.
type Canceler interface {
	Stop() bool
}

// Transfer is the in-memory state machine for a single transfer, export,
// or import operation. All mutation happens under the orchestrator's
// per-transfer serialization; the struct itself carries no lock.
type Transfer struct {
	TransferID    string        `json:"transferId"`
	OperationType OperationType `json:"operationType"`
	ExportID      string        `json:"exportId,omitempty"`

	PlatformName  string `json:"platformName"`
	PlatformIndex int    `json:"platformIndex,omitempty"`
	ForceName     string `json:"forceName,omitempty"`

	SourceInstanceID   int    `json:"sourceInstanceId"`
	SourceInstanceName string `json:"sourceInstanceName,omitempty"`
	TargetInstanceID   int    `json:"targetInstanceId,omitempty"`
	TargetInstanceName string `json:"targetInstanceName,omitempty"`

	Status TransferStatus `json:"status"`

	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	FailedAt    int64  `json:"failedAt,omitempty"`
	Error       string `json:"error,omitempty"`

	Phases map[string]*Phase `json:"phases,omitempty"`
	Events []LogEvent        `json:"-"`

	PayloadMetrics     map[string]any `json:"payloadMetrics,omitempty"`
	ImportMetrics      map[string]any `json:"importMetrics,omitempty"`
	ExportMetrics      map[string]any `json:"exportMetrics,omitempty"`
	SourceVerification map[string]any `json:"sourceVerification,omitempty"`
	ValidationResult   map[string]any `json:"validationResult,omitempty"`

	ArtifactSizeBytes int64 `json:"artifactSizeBytes,omitempty"`

	// ValidationTimer is the scheduled watchdog task. In-memory only.
	ValidationTimer Canceler `json:"-"`
}

// LastEventMs returns the timestamp of the newest journal event, or 0.
func (t *Transfer) LastEventMs() int64 {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].TimestampMs
}

// PlatformDescriptor is one platform as reported by an instance.
type PlatformDescriptor struct {
	PlatformIndex int    `json:"platformIndex"`
	Name          string `json:"name"`
	ForceName     string `json:"forceName,omitempty"`
}

// PlatformNode is a platform in the cluster tree, tagged with any
// in-flight transfer touching it.
type PlatformNode struct {
	PlatformIndex  int    `json:"platformIndex"`
	Name           string `json:"name"`
	TransferID     string `json:"transferId,omitempty"`
	TransferStatus string `json:"transferStatus"`
}

// InstanceNode is an instance in the cluster tree.
type InstanceNode struct {
	InstanceID    int             `json:"instanceId"`
	Name          string          `json:"name"`
	HostID        *int            `json:"hostId"`
	Status        string          `json:"status"`
	Connected     bool            `json:"connected"`
	Platforms     []*PlatformNode `json:"platforms"`
	PlatformError string          `json:"platformError,omitempty"`
}

// HostNode is a host in the cluster tree.
type HostNode struct {
	HostID    int             `json:"hostId"`
	Name      string          `json:"name"`
	Connected bool            `json:"connected"`
	Instances []*InstanceNode `json:"instances"`
}

// PlatformTree is a full snapshot of hosts, instances, and platforms.
type PlatformTree struct {
	Revision            int64           `json:"revision"`
	GeneratedAt         int64           `json:"generatedAt"`
	ForceName           string          `json:"forceName"`
	Hosts               []*HostNode     `json:"hosts"`
	UnassignedInstances []*InstanceNode `json:"unassignedInstances"`
}

// Subscription is a control connection's broadcast filter. A filter with
// all flags false is equivalent to no subscription.
type Subscription struct {
	Tree       bool   `json:"tree"`
	Transfers  bool   `json:"transfers"`
	Logs       bool   `json:"logs"`
	TransferID string `json:"transferId,omitempty"`
}

// Empty reports whether the filter selects nothing.
func (s Subscription) Empty() bool {
	return !s.Tree && !s.Transfers && !s.Logs
}

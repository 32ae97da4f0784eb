package router

import (
	"encoding/json"

	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// Permissions recognized by the controller. Only the logs subscription
// is enforced inside the core.
const (
	PermissionListExports     = "list exports"
	PermissionTransferExports = "transfer exports"
	PermissionViewLogs        = "view logs"
)

// --- Inbound requests and events ---

// PlatformExportEvent announces a completed export from an instance.
type PlatformExportEvent struct {
	ExportID      string          `json:"exportId"`
	PlatformName  string          `json:"platformName"`
	InstanceID    int             `json:"instanceId"`
	ExportData    json.RawMessage `json:"exportData"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	ExportMetrics map[string]any  `json:"exportMetrics,omitempty"`
}

// ListExportsRequest lists stored export metadata.
type ListExportsRequest struct{}

// GetStoredExportRequest fetches a full stored export.
type GetStoredExportRequest struct {
	ExportID string `json:"exportId"`
}

// GetStoredExportResponse carries the full export, payload included.
type GetStoredExportResponse struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	ExportID     string          `json:"exportId,omitempty"`
	PlatformName string          `json:"platformName,omitempty"`
	InstanceID   int             `json:"instanceId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Size         int64           `json:"size,omitempty"`
	ExportData   json.RawMessage `json:"exportData,omitempty"`
}

// TransferPlatformRequest starts a transfer of a pre-staged export.
// TargetInstanceID accepts a numeric instance ID, an instance name, or
// an assigned-host ID as fallback.
type TransferPlatformRequest struct {
	ExportID         string `json:"exportId"`
	TargetInstanceID any    `json:"targetInstanceId"`
}

// TransferPlatformResponse reports admission of a transfer.
type TransferPlatformResponse struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transferId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StartPlatformTransferRequest exports from the source then transfers.
type StartPlatformTransferRequest struct {
	SourceInstanceID    any    `json:"sourceInstanceId"`
	SourcePlatformIndex int    `json:"sourcePlatformIndex"`
	TargetInstanceID    any    `json:"targetInstanceId"`
	ForceName           string `json:"forceName,omitempty"`
}

// ValidationDetails is the target's inventory comparison outcome.
type ValidationDetails struct {
	ItemCountMatch      bool           `json:"itemCountMatch"`
	FluidCountMatch     bool           `json:"fluidCountMatch"`
	MismatchDetails     string         `json:"mismatchDetails,omitempty"`
	ExpectedItemCounts  map[string]any `json:"expectedItemCounts,omitempty"`
	ExpectedFluidCounts map[string]any `json:"expectedFluidCounts,omitempty"`
}

// TransferValidationEvent is the target instance's validation verdict.
type TransferValidationEvent struct {
	TransferID       string            `json:"transferId"`
	PlatformName     string            `json:"platformName"`
	SourceInstanceID int               `json:"sourceInstanceId"`
	Success          bool              `json:"success"`
	Validation       ValidationDetails `json:"validation"`
	Metrics          map[string]any    `json:"metrics,omitempty"`
}

// ImportOperationCompleteEvent reports completion of an import operation
// on an instance.
type ImportOperationCompleteEvent struct {
	OperationID   string         `json:"operationId"`
	PlatformName  string         `json:"platformName"`
	InstanceID    int            `json:"instanceId"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	DurationTicks float64        `json:"durationTicks,omitempty"`
	EntityCount   int            `json:"entityCount,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

// GetPlatformTreeRequest asks for a cluster tree snapshot.
type GetPlatformTreeRequest struct {
	ForceName string `json:"forceName,omitempty"`
}

// ListTransactionLogsRequest lists persisted log summaries.
type ListTransactionLogsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// GetTransactionLogRequest fetches one persisted log. TransferID may be
// "latest".
type GetTransactionLogRequest struct {
	TransferID string `json:"transferId"`
}

// GetTransactionLogResponse carries one persisted log entry.
type GetTransactionLogResponse struct {
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	TransferID   string                 `json:"transferId,omitempty"`
	Events       []types.LogEvent       `json:"events,omitempty"`
	TransferInfo *txlog.ShortSummary    `json:"transferInfo,omitempty"`
	Summary      *txlog.DetailedSummary `json:"summary,omitempty"`
}

// SetSubscriptionRequest installs a control connection's filter.
type SetSubscriptionRequest struct {
	Tree       bool   `json:"tree"`
	Transfers  bool   `json:"transfers"`
	Logs       bool   `json:"logs"`
	TransferID string `json:"transferId,omitempty"`
}

// --- Outbound requests to instances ---

// ImportPlatformRequest delivers a snapshot to the target instance. The
// payload is the export data augmented with _transferId and
// _sourceInstanceId.
type ImportPlatformRequest struct {
	ExportID   string          `json:"exportId"`
	ExportData json.RawMessage `json:"exportData"`
	ForceName  string          `json:"forceName,omitempty"`
}

// ImportPlatformResponse is the target's admission verdict.
type ImportPlatformResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ExportPlatformRequest asks the source instance to export a platform.
type ExportPlatformRequest struct {
	PlatformIndex    int    `json:"platformIndex"`
	ForceName        string `json:"forceName,omitempty"`
	TargetInstanceID int    `json:"targetInstanceId,omitempty"`
}

// ExportPlatformResponse acknowledges the export and names the export ID
// that will arrive via PlatformExportEvent.
type ExportPlatformResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ExportID string `json:"exportId,omitempty"`
}

// DeleteSourcePlatformRequest removes the source platform after a
// validated transfer.
type DeleteSourcePlatformRequest struct {
	PlatformIndex int    `json:"platformIndex,omitempty"`
	PlatformName  string `json:"platformName"`
	ForceName     string `json:"forceName,omitempty"`
}

// DeleteSourcePlatformResponse is the source's delete verdict.
type DeleteSourcePlatformResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UnlockSourcePlatformRequest rolls back a failed transfer.
type UnlockSourcePlatformRequest struct {
	PlatformName string `json:"platformName"`
	ForceName    string `json:"forceName,omitempty"`
}

// UnlockSourcePlatformResponse is the source's unlock verdict.
type UnlockSourcePlatformResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TransferStatusUpdate is a user-visible progress line delivered to the
// source and target instances.
type TransferStatusUpdate struct {
	TransferID   string `json:"transferId"`
	PlatformName string `json:"platformName"`
	Message      string `json:"message"`
	Color        string `json:"color,omitempty"`
}

// --- Subscription events to control clients ---

// TreeUpdateEvent streams a full cluster tree snapshot.
type TreeUpdateEvent struct {
	Revision    int64               `json:"revision"`
	GeneratedAt int64               `json:"generatedAt"`
	ForceName   string              `json:"forceName"`
	Tree        *types.PlatformTree `json:"tree"`
}

// TransferUpdateEvent streams a transfer's short summary.
type TransferUpdateEvent struct {
	Revision    int64               `json:"revision"`
	GeneratedAt int64               `json:"generatedAt"`
	Transfer    *txlog.ShortSummary `json:"transfer"`
}

// LogUpdateEvent streams one journal event with its transfer context.
type LogUpdateEvent struct {
	Revision     int64                  `json:"revision"`
	GeneratedAt  int64                  `json:"generatedAt"`
	TransferID   string                 `json:"transferId"`
	Event        types.LogEvent         `json:"event"`
	TransferInfo *txlog.ShortSummary    `json:"transferInfo"`
	Summary      *txlog.DetailedSummary `json:"summary"`
}

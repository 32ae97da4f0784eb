package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/cluster"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/metrics"
	"github.com/solarcloud7/clusterio-surface-export/pkg/registry"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
	"github.com/solarcloud7/clusterio-surface-export/pkg/subscription"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// Journal event types emitted by the orchestrator.
const (
	eventTransferCreated   = "transfer_created"
	eventImportAccepted    = "import_accepted"
	eventImportRejected    = "import_rejected"
	eventValidationOK      = "validation_success"
	eventValidationFailed  = "validation_failed"
	eventValidationTimeout = "validation_timeout"
	eventCleanupStarted    = "cleanup_started"
	eventSourceDeleted     = "source_deleted"
	eventCleanupFailed     = "cleanup_failed"
	eventTransferComplete  = "transfer_completed"
	eventTransferFailed    = "transfer_failed"
	eventTransferError     = "transfer_error"
	eventRollbackSuccess   = "rollback_success"
	eventRollbackFailed    = "rollback_failed"
	eventExportRequested   = "export_requested"
	eventExportReceived    = "export_received"
	eventImportOpComplete  = "import_operation_complete"
)

// validationTimeoutReason is the synthesized failure reason when no
// validation event arrives within the watchdog deadline.
const validationTimeoutReason = "Validation timeout — no response received within 2 minutes"

// Config holds the orchestrator's timing and retention bounds.
type Config struct {
	ValidationTimeout time.Duration
	WaitForExport     time.Duration
	Retention         int
}

// Orchestrator drives transfers through their phases: transmission to
// the target, validation, and source cleanup, with rollback on failure.
// State transitions for one transfer are serialized; disjoint transfers
// proceed independently.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	logs     *txlog.Logger
	subs     *subscription.Manager
	bridge   router.InstanceBridge
	dir      *cluster.Directory
	clock    clock.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	transfers map[string]*types.Transfer
	locks     map[string]*sync.Mutex
}

// New creates a transfer orchestrator.
func New(cfg Config, reg *registry.Registry, logs *txlog.Logger, subs *subscription.Manager, bridge router.InstanceBridge, dir *cluster.Directory, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		logs:      logs,
		subs:      subs,
		bridge:    bridge,
		dir:       dir,
		clock:     clk,
		logger:    log.WithComponent("orchestrator"),
		transfers: make(map[string]*types.Transfer),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockTransfer serializes state transitions for one transfer ID.
func (o *Orchestrator) lockTransfer(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Transfer returns the live record for a transfer ID.
func (o *Orchestrator) Transfer(id string) (*types.Transfer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.transfers[id]
	return t, ok
}

// ActiveTransfers returns copies of all retained transfer records, used
// by the tree builder's overlay.
func (o *Orchestrator) ActiveTransfers() []*types.Transfer {
	o.mu.Lock()
	ids := make([]string, 0, len(o.transfers))
	for id := range o.transfers {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	out := make([]*types.Transfer, 0, len(ids))
	for _, id := range ids {
		unlock := o.lockTransfer(id)
		if t, ok := o.Transfer(id); ok {
			copied := *t
			copied.Events = nil
			out = append(out, &copied)
		}
		unlock()
	}
	return out
}

// ActiveSummaries returns short summaries of all in-flight (non-terminal)
// transfers, for replay on subscribe.
func (o *Orchestrator) ActiveSummaries() []*txlog.ShortSummary {
	var out []*txlog.ShortSummary
	for _, t := range o.ActiveTransfers() {
		if !t.Status.Terminal() {
			out = append(out, txlog.ShortSummaryOf(t))
		}
	}
	return out
}

// TransferPlatform moves a stored export onto the target instance. The
// target reference accepts a numeric instance ID, an instance name, or
// an assigned-host ID as fallback.
func (o *Orchestrator) TransferPlatform(ctx context.Context, exportID string, targetRef any) *router.TransferPlatformResponse {
	rec, err := o.registry.Get(exportID)
	if err != nil {
		return &router.TransferPlatformResponse{Success: false, Error: fmt.Sprintf("export %s not found", exportID)}
	}

	target, err := o.dir.Resolve(targetRef)
	if err != nil {
		return &router.TransferPlatformResponse{Success: false, Error: fmt.Sprintf("target instance %v not found", targetRef)}
	}

	payloadMetrics, verification, err := inspectPayload(rec.ExportData)
	if err != nil {
		return &router.TransferPlatformResponse{Success: false, Error: err.Error()}
	}

	t := &types.Transfer{
		TransferID:         clock.NewTransferID(),
		OperationType:      types.OperationTransfer,
		ExportID:           exportID,
		PlatformName:       rec.PlatformName,
		SourceInstanceID:   rec.InstanceID,
		TargetInstanceID:   target.ID,
		TargetInstanceName: target.Name,
		Status:             types.StatusTransporting,
		StartedAt:          o.clock.NowMs(),
		PayloadMetrics:     payloadMetrics,
		SourceVerification: verification,
		ExportMetrics:      rec.ExportMetrics,
		ArtifactSizeBytes:  rec.Size,
	}
	if src, ok := o.dir.Instance(rec.InstanceID); ok {
		t.SourceInstanceName = src.Name
	}

	o.register(t)

	unlock := o.lockTransfer(t.TransferID)
	o.logs.LogEvent(t, eventTransferCreated, fmt.Sprintf("Transfer of %q from instance %d to instance %d", t.PlatformName, t.SourceInstanceID, t.TargetInstanceID), map[string]any{
		"exportId": exportID,
	})
	o.broadcast(t)
	o.statusLine(t, fmt.Sprintf("Transferring platform %q to %s...", t.PlatformName, target.Name), "")
	o.logs.StartPhase(t, types.PhaseTransmission)
	unlock()

	importReq := &router.ImportPlatformRequest{
		ExportID:   exportID,
		ExportData: augmentExportData(rec.ExportData, t.TransferID, t.SourceInstanceID),
		ForceName:  t.ForceName,
	}
	resp, err := o.bridge.ImportPlatform(ctx, target.ID, importReq)

	unlock = o.lockTransfer(t.TransferID)
	defer unlock()

	o.logs.EndPhase(t, types.PhaseTransmission)

	if err != nil {
		o.failTransfer(t, types.StatusError, fmt.Sprintf("import request failed: %v", err), eventTransferError, true)
		return &router.TransferPlatformResponse{Success: false, TransferID: t.TransferID, Error: t.Error}
	}
	if !resp.Success {
		o.logs.LogEvent(t, eventImportRejected, resp.Error, nil)
		o.failTransfer(t, types.StatusFailed, resp.Error, eventTransferFailed, true)
		return &router.TransferPlatformResponse{Success: false, TransferID: t.TransferID, Error: t.Error}
	}

	t.Status = types.StatusAwaitingValidation
	o.logs.LogEvent(t, eventImportAccepted, fmt.Sprintf("Instance %d accepted the import", t.TargetInstanceID), nil)
	o.broadcast(t)
	o.statusLine(t, "Platform delivered, awaiting validation...", "")
	o.logs.StartPhase(t, types.PhaseValidation)
	o.armWatchdog(t)

	return &router.TransferPlatformResponse{Success: true, TransferID: t.TransferID}
}

// armWatchdog schedules the validation timeout for a transfer. Called
// with the transfer's lock held.
func (o *Orchestrator) armWatchdog(t *types.Transfer) {
	id := t.TransferID
	platform := t.PlatformName
	source := t.SourceInstanceID
	t.ValidationTimer = time.AfterFunc(o.cfg.ValidationTimeout, func() {
		metrics.ValidationTimeouts.Inc()
		o.HandleValidation(&router.TransferValidationEvent{
			TransferID:       id,
			PlatformName:     platform,
			SourceInstanceID: source,
			Success:          false,
			Validation: router.ValidationDetails{
				MismatchDetails: validationTimeoutReason,
			},
		})
	})
}

// HandleValidation applies the target instance's validation verdict (or
// the watchdog's synthesized failure) to a transfer.
func (o *Orchestrator) HandleValidation(ev *router.TransferValidationEvent) {
	t, ok := o.Transfer(ev.TransferID)
	if !ok {
		o.logger.Warn().Str("transfer_id", ev.TransferID).Msg("Validation event for unknown transfer")
		return
	}

	unlock := o.lockTransfer(ev.TransferID)
	defer unlock()

	if t.Status.Terminal() {
		o.logger.Warn().
			Str("transfer_id", t.TransferID).
			Str("status", string(t.Status)).
			Msg("Ignoring validation event for terminal transfer")
		return
	}

	if t.ValidationTimer != nil {
		t.ValidationTimer.Stop()
		t.ValidationTimer = nil
	}

	o.logs.EndPhase(t, types.PhaseValidation)
	t.ValidationResult = validationDetailsMap(ev.Validation)
	if ev.Metrics != nil {
		t.ImportMetrics = txlog.NormalizeImportMetrics(ev.Metrics)
	}

	if !ev.Success {
		reason := ev.Validation.MismatchDetails
		if reason == "" {
			reason = "validation failed"
		}
		eventType := eventValidationFailed
		if reason == validationTimeoutReason {
			eventType = eventValidationTimeout
		}
		o.logs.LogEvent(t, eventType, reason, map[string]any{
			"itemCountMatch":  ev.Validation.ItemCountMatch,
			"fluidCountMatch": ev.Validation.FluidCountMatch,
		})
		o.broadcast(t)
		o.failTransfer(t, types.StatusFailed, reason, eventTransferFailed, true)
		return
	}

	o.logs.LogEvent(t, eventValidationOK, "Target instance validated the imported platform", nil)
	o.statusLine(t, "✓ Validation passed", "green")
	o.broadcast(t)

	o.cleanupSource(t)
}

// cleanupSource deletes the source platform after a validated import.
// Called with the transfer's lock held.
func (o *Orchestrator) cleanupSource(t *types.Transfer) {
	t.Status = types.StatusCleanup
	o.logs.StartPhase(t, types.PhaseCleanup)
	o.logs.LogEvent(t, eventCleanupStarted, fmt.Sprintf("Deleting source platform on instance %d", t.SourceInstanceID), nil)
	o.broadcast(t)

	resp, err := o.bridge.DeleteSourcePlatform(context.Background(), t.SourceInstanceID, &router.DeleteSourcePlatformRequest{
		PlatformIndex: t.PlatformIndex,
		PlatformName:  t.PlatformName,
		ForceName:     t.ForceName,
	})
	o.logs.EndPhase(t, types.PhaseCleanup)

	if err != nil || !resp.Success {
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = resp.Error
		}
		t.Status = types.StatusCleanupFailed
		t.FailedAt = o.clock.NowMs()
		t.Error = reason
		o.logs.LogEvent(t, eventCleanupFailed, reason, nil)
		o.statusLine(t, fmt.Sprintf("⚠ Cleanup failed: %s", reason), "orange")
		o.finishTerminal(t)
		return
	}

	t.Status = types.StatusCompleted
	t.CompletedAt = o.clock.NowMs()
	o.logs.LogEvent(t, eventSourceDeleted, "Source platform deleted", nil)

	if err := o.registry.Delete(t.ExportID); err != nil {
		// Cleanup of the stored artifact is best effort; the record may
		// already have been evicted.
		o.logger.Debug().Err(err).Str("export_id", t.ExportID).Msg("Stored export already gone")
	}

	o.logs.LogEvent(t, eventTransferComplete, fmt.Sprintf("Platform %q transferred to instance %d", t.PlatformName, t.TargetInstanceID), nil)
	o.statusLine(t, fmt.Sprintf("✓ Transfer of %q complete", t.PlatformName), "green")
	o.finishTerminal(t)
}

// failTransfer marks a transfer terminal with the given status, rolls
// back the source when asked, and runs final persistence. Called with
// the transfer's lock held.
func (o *Orchestrator) failTransfer(t *types.Transfer, status types.TransferStatus, reason, eventType string, rollback bool) {
	if t.ValidationTimer != nil {
		t.ValidationTimer.Stop()
		t.ValidationTimer = nil
	}

	t.Status = status
	t.FailedAt = o.clock.NowMs()
	t.Error = reason
	o.logs.LogEvent(t, eventType, reason, nil)
	o.statusLine(t, fmt.Sprintf("✗ Transfer failed: %s", reason), "red")

	if rollback {
		o.rollback(t)
	}
	o.finishTerminal(t)
}

// rollback unlocks the source platform so the source instance can
// resume operation. A failed rollback is appended to the transfer's
// error but never masks the primary failure.
func (o *Orchestrator) rollback(t *types.Transfer) {
	resp, err := o.bridge.UnlockSourcePlatform(context.Background(), t.SourceInstanceID, &router.UnlockSourcePlatformRequest{
		PlatformName: t.PlatformName,
		ForceName:    t.ForceName,
	})

	if err == nil && resp.Success {
		o.logs.LogEvent(t, eventRollbackSuccess, fmt.Sprintf("Source platform %q unlocked", t.PlatformName), nil)
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	} else {
		reason = resp.Error
	}
	o.logs.LogEvent(t, eventRollbackFailed, reason, nil)
	t.Error = fmt.Sprintf("%s; rollback failed: %s", t.Error, reason)
}

// finishTerminal runs the shared tail of every terminal transition:
// final broadcast, log persistence, metrics, and retention pruning.
// Called with the transfer's lock held.
func (o *Orchestrator) finishTerminal(t *types.Transfer) {
	o.broadcast(t)
	if err := o.logs.Persist(t); err != nil {
		o.logger.Error().Err(err).Str("transfer_id", t.TransferID).Msg("Final log persistence failed")
	}
	metrics.TransfersTotal.WithLabelValues(string(t.Status)).Inc()
	o.updateActiveGauge()
	o.prune()
}

// StartPlatformTransfer exports a platform from the source instance and
// transfers it in one combined operation.
func (o *Orchestrator) StartPlatformTransfer(ctx context.Context, req *router.StartPlatformTransferRequest) *router.TransferPlatformResponse {
	source, err := o.dir.Resolve(req.SourceInstanceID)
	if err != nil {
		return &router.TransferPlatformResponse{Success: false, Error: fmt.Sprintf("source instance %v not found", req.SourceInstanceID)}
	}
	target, err := o.dir.Resolve(req.TargetInstanceID)
	if err != nil {
		return &router.TransferPlatformResponse{Success: false, Error: fmt.Sprintf("target instance %v not found", req.TargetInstanceID)}
	}
	if source.ID == target.ID {
		return &router.TransferPlatformResponse{Success: false, Error: "source and target instance must differ"}
	}
	if req.SourcePlatformIndex < 1 {
		return &router.TransferPlatformResponse{Success: false, Error: fmt.Sprintf("platform index must be >= 1, got %d", req.SourcePlatformIndex)}
	}

	op := &types.Transfer{
		TransferID:         clock.NewOperationID(),
		OperationType:      types.OperationExport,
		PlatformIndex:      req.SourcePlatformIndex,
		ForceName:          req.ForceName,
		SourceInstanceID:   source.ID,
		SourceInstanceName: source.Name,
		TargetInstanceID:   target.ID,
		TargetInstanceName: target.Name,
		Status:             types.StatusTransporting,
		StartedAt:          o.clock.NowMs(),
	}
	o.register(op)

	unlock := o.lockTransfer(op.TransferID)
	o.logs.LogEvent(op, eventExportRequested, fmt.Sprintf("Requesting export of platform %d from instance %d", req.SourcePlatformIndex, source.ID), nil)
	o.broadcast(op)
	unlock()

	resp, err := o.bridge.ExportPlatform(ctx, source.ID, &router.ExportPlatformRequest{
		PlatformIndex:    req.SourcePlatformIndex,
		ForceName:        req.ForceName,
		TargetInstanceID: target.ID,
	})

	unlock = o.lockTransfer(op.TransferID)
	if err != nil {
		o.failTransfer(op, types.StatusError, fmt.Sprintf("export request failed: %v", err), eventTransferError, false)
		unlock()
		return &router.TransferPlatformResponse{Success: false, TransferID: op.TransferID, Error: op.Error}
	}
	if !resp.Success {
		o.failTransfer(op, types.StatusFailed, resp.Error, eventTransferFailed, false)
		unlock()
		return &router.TransferPlatformResponse{Success: false, TransferID: op.TransferID, Error: op.Error}
	}
	op.ExportID = resp.ExportID
	unlock()

	rec, err := o.registry.WaitForExport(ctx, resp.ExportID, o.cfg.WaitForExport)
	unlock = o.lockTransfer(op.TransferID)
	if err != nil {
		o.failTransfer(op, types.StatusFailed, fmt.Sprintf("export %s not ready: %v", resp.ExportID, err), eventTransferFailed, false)
		unlock()
		return &router.TransferPlatformResponse{Success: false, TransferID: op.TransferID, Error: op.Error}
	}
	op.PlatformName = rec.PlatformName
	op.ArtifactSizeBytes = rec.Size
	op.Status = types.StatusCompleted
	op.CompletedAt = o.clock.NowMs()
	o.logs.LogEvent(op, eventExportReceived, fmt.Sprintf("Export %s registered (%d bytes)", rec.ExportID, rec.Size), nil)
	o.finishTerminal(op)
	unlock()

	return o.TransferPlatform(ctx, resp.ExportID, target.ID)
}

// HandleImportComplete records an instance's import completion. For
// standalone import operations this is the terminal transition; for
// transfers it only captures metrics, since validation remains the
// terminal signal.
func (o *Orchestrator) HandleImportComplete(ev *router.ImportOperationCompleteEvent) {
	t, ok := o.Transfer(ev.OperationID)
	if !ok {
		o.logger.Debug().Str("operation_id", ev.OperationID).Msg("Import completion for unknown operation")
		return
	}

	unlock := o.lockTransfer(ev.OperationID)
	defer unlock()

	if t.Status.Terminal() {
		return
	}

	extras := map[string]any{"instanceId": ev.InstanceID}
	if ev.DurationTicks > 0 {
		extras["durationTicks"] = ev.DurationTicks
	}
	if ev.EntityCount > 0 {
		extras["entityCount"] = ev.EntityCount
	}
	o.logs.LogEvent(t, eventImportOpComplete, fmt.Sprintf("Import finished on instance %d", ev.InstanceID), extras)

	if ev.Metrics != nil {
		t.ImportMetrics = txlog.NormalizeImportMetrics(ev.Metrics)
	}

	if t.OperationType != types.OperationImport {
		return
	}

	if ev.Success {
		t.Status = types.StatusCompleted
		t.CompletedAt = o.clock.NowMs()
	} else {
		t.Status = types.StatusFailed
		t.FailedAt = o.clock.NowMs()
		t.Error = ev.Error
	}
	o.finishTerminal(t)
}

// Shutdown cancels outstanding watchdog timers. In-flight transfers
// stay in their last persisted state.
func (o *Orchestrator) Shutdown() {
	for _, t := range o.ActiveTransfers() {
		unlock := o.lockTransfer(t.TransferID)
		if live, ok := o.Transfer(t.TransferID); ok && live.ValidationTimer != nil {
			live.ValidationTimer.Stop()
			live.ValidationTimer = nil
		}
		unlock()
	}
}

func (o *Orchestrator) register(t *types.Transfer) {
	o.mu.Lock()
	o.transfers[t.TransferID] = t
	o.mu.Unlock()
	o.updateActiveGauge()
	o.subs.QueueTreeBroadcast()
}

// broadcast emits a short-summary transfer update and refreshes the
// tree overlay. Called with the transfer's lock held.
func (o *Orchestrator) broadcast(t *types.Transfer) {
	o.subs.BroadcastTransfer(txlog.ShortSummaryOf(t))
	o.subs.QueueTreeBroadcast()
}

// statusLine delivers a user-visible progress line to the source and
// target instances.
func (o *Orchestrator) statusLine(t *types.Transfer, message, color string) {
	update := &router.TransferStatusUpdate{
		TransferID:   t.TransferID,
		PlatformName: t.PlatformName,
		Message:      message,
		Color:        color,
	}
	o.bridge.SendTransferStatus(t.SourceInstanceID, update)
	if t.TargetInstanceID != 0 && t.TargetInstanceID != t.SourceInstanceID {
		o.bridge.SendTransferStatus(t.TargetInstanceID, update)
	}
}

// prune trims the retained transfer map to the newest Retention records
// by startedAt. Non-terminal transfers are never dropped.
func (o *Orchestrator) prune() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.transfers) <= o.cfg.Retention {
		return
	}

	all := make([]*types.Transfer, 0, len(o.transfers))
	for _, t := range o.transfers {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt > all[j].StartedAt })

	excess := len(all) - o.cfg.Retention
	for i := len(all) - 1; i >= 0 && excess > 0; i-- {
		t := all[i]
		if !t.Status.Terminal() {
			continue
		}
		delete(o.transfers, t.TransferID)
		delete(o.locks, t.TransferID)
		excess--
	}
}

func (o *Orchestrator) updateActiveGauge() {
	o.mu.Lock()
	active := 0
	for _, t := range o.transfers {
		if !t.Status.Terminal() {
			active++
		}
	}
	o.mu.Unlock()
	metrics.TransfersActive.Set(float64(active))
}

// inspectPayload lightly parses a snapshot's known top-level fields into
// payload metrics and source-verification projections. The payload must
// be a JSON object; everything unknown stays opaque.
func inspectPayload(data json.RawMessage) (payloadMetrics, verification map[string]any, err error) {
	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, fmt.Errorf("export payload is not an object: %v", err)
	}

	payloadMetrics = map[string]any{
		"sizeBytes": len(data),
	}
	if compressed, ok := top["compressed"].(bool); ok {
		payloadMetrics["compressed"] = compressed
	}
	_, hasPayload := top["payload"]
	payloadMetrics["hasPayload"] = hasPayload
	if entities, ok := top["entities"].([]any); ok {
		payloadMetrics["entityCount"] = len(entities)
	}
	if tiles, ok := top["tiles"].([]any); ok {
		payloadMetrics["tileCount"] = len(tiles)
	}

	if v, ok := top["verification"].(map[string]any); ok {
		verification = v
	}
	return payloadMetrics, verification, nil
}

// augmentExportData threads the transfer identity into the import
// payload so the target can correlate its validation event.
func augmentExportData(data json.RawMessage, transferID string, sourceInstanceID int) json.RawMessage {
	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		// inspectPayload already rejected non-object payloads.
		return data
	}
	top["_transferId"] = transferID
	top["_sourceInstanceId"] = sourceInstanceID
	out, err := json.Marshal(top)
	if err != nil {
		return data
	}
	return out
}

// validationDetailsMap projects the wire validation details into the
// opaque map carried on the transfer record.
func validationDetailsMap(v router.ValidationDetails) map[string]any {
	out := map[string]any{
		"itemCountMatch":  v.ItemCountMatch,
		"fluidCountMatch": v.FluidCountMatch,
	}
	if v.MismatchDetails != "" {
		out["mismatchDetails"] = v.MismatchDetails
	}
	if v.ExpectedItemCounts != nil {
		out["expectedItemCounts"] = v.ExpectedItemCounts
	}
	if v.ExpectedFluidCounts != nil {
		out["expectedFluidCounts"] = v.ExpectedFluidCounts
	}
	return out
}

package controller

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/cluster"
	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/jsonstore"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
	"github.com/solarcloud7/clusterio-surface-export/pkg/registry"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
	"github.com/solarcloud7/clusterio-surface-export/pkg/subscription"
	"github.com/solarcloud7/clusterio-surface-export/pkg/tree"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// Persisted state file names under the database directory.
const (
	StorageFile         = "surface_export_storage.json"
	TransactionLogsFile = "surface_export_transaction_logs.json"
)

// Controller owns the surface-export subsystems and exposes the inbound
// request and event surface consumed by the message fabric.
type Controller struct {
	cfg config.Config

	registry *registry.Registry
	logs     *txlog.Logger
	subs     *subscription.Manager
	orch     *orchestrator.Orchestrator
	tree     *tree.Builder
	dir      *cluster.Directory
	bridge   router.InstanceBridge
	clock    clock.Clock
	logger   zerolog.Logger
}

// New constructs and wires a controller. The bridge is the instance
// fabric (the in-process router or a transport-backed implementation);
// the directory is fed by connection-lifecycle callbacks.
func New(cfg config.Config, bridge router.InstanceBridge, dir *cluster.Directory) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clk := clock.System()

	storageStore, err := jsonstore.New(filepath.Join(cfg.DatabaseDirectory, StorageFile))
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(storageStore, cfg.MaxStorageSize, clk)
	if err != nil {
		return nil, err
	}

	logStore, err := jsonstore.New(filepath.Join(cfg.DatabaseDirectory, TransactionLogsFile))
	if err != nil {
		return nil, err
	}
	logs := txlog.NewLogger(logStore, cfg.MaxPersistedLogs, clk)

	subs := subscription.NewManager(cfg.TreeBroadcastInterval(), cfg.DefaultForceName, clk)

	orch := orchestrator.New(orchestrator.Config{
		ValidationTimeout: cfg.ValidationTimeout(),
		WaitForExport:     cfg.WaitForExportDefault(),
		Retention:         cfg.ActiveTransfersRetention,
	}, reg, logs, subs, bridge, dir, clk)

	builder := tree.NewBuilder(dir, bridge, orch.ActiveTransfers, subs.NextTreeRevision, clk)

	subs.SetProviders(builder.Build, orch.ActiveSummaries)

	c := &Controller{
		cfg:      cfg,
		registry: reg,
		logs:     logs,
		subs:     subs,
		orch:     orch,
		tree:     builder,
		dir:      dir,
		bridge:   bridge,
		clock:    clk,
		logger:   log.WithComponent("controller"),
	}

	logs.SetEventSink(c.onLogEvent)

	return c, nil
}

// onLogEvent fans every journal event out to log subscribers.
func (c *Controller) onLogEvent(t *types.Transfer, ev types.LogEvent) {
	c.subs.BroadcastLog(t.TransferID, ev, txlog.ShortSummaryOf(t), txlog.DetailedSummaryOf(t, c.clock.NowMs()))
}

// Directory returns the cluster directory for lifecycle callbacks.
func (c *Controller) Directory() *cluster.Directory {
	return c.dir
}

// Subscriptions returns the subscription manager.
func (c *Controller) Subscriptions() *subscription.Manager {
	return c.subs
}

// HandlePlatformExport registers a completed export announced by an
// instance and refreshes the tree.
func (c *Controller) HandlePlatformExport(ev *router.PlatformExportEvent) {
	c.registry.Store(&types.Export{
		ExportID:      ev.ExportID,
		PlatformName:  ev.PlatformName,
		InstanceID:    ev.InstanceID,
		ExportData:    ev.ExportData,
		Timestamp:     ev.Timestamp,
		ExportMetrics: ev.ExportMetrics,
	})
	c.subs.QueueTreeBroadcast()
}

// ListExports returns the metadata projection of all stored exports.
func (c *Controller) ListExports() []*types.ExportInfo {
	return c.registry.List()
}

// GetStoredExport returns a full stored export, payload included.
func (c *Controller) GetStoredExport(req *router.GetStoredExportRequest) *router.GetStoredExportResponse {
	rec, err := c.registry.Get(req.ExportID)
	if err != nil {
		return &router.GetStoredExportResponse{Success: false, Error: fmt.Sprintf("export %s not found", req.ExportID)}
	}
	return &router.GetStoredExportResponse{
		Success:      true,
		ExportID:     rec.ExportID,
		PlatformName: rec.PlatformName,
		InstanceID:   rec.InstanceID,
		Timestamp:    rec.Timestamp,
		Size:         rec.Size,
		ExportData:   rec.ExportData,
	}
}

// TransferPlatform starts a transfer of a pre-staged export.
func (c *Controller) TransferPlatform(ctx context.Context, req *router.TransferPlatformRequest) *router.TransferPlatformResponse {
	return c.orch.TransferPlatform(ctx, req.ExportID, req.TargetInstanceID)
}

// StartPlatformTransfer runs the combined export-then-transfer path.
func (c *Controller) StartPlatformTransfer(ctx context.Context, req *router.StartPlatformTransferRequest) *router.TransferPlatformResponse {
	return c.orch.StartPlatformTransfer(ctx, req)
}

// HandleTransferValidation applies a validation verdict.
func (c *Controller) HandleTransferValidation(ev *router.TransferValidationEvent) {
	c.orch.HandleValidation(ev)
}

// HandleImportComplete records an import completion.
func (c *Controller) HandleImportComplete(ev *router.ImportOperationCompleteEvent) {
	c.orch.HandleImportComplete(ev)
}

// GetPlatformTree builds a cluster tree snapshot for the requested
// force (the configured default when unset).
func (c *Controller) GetPlatformTree(ctx context.Context, req *router.GetPlatformTreeRequest) (*types.PlatformTree, error) {
	forceName := req.ForceName
	if forceName == "" {
		forceName = c.cfg.DefaultForceName
	}
	return c.tree.Build(ctx, forceName)
}

// ListTransactionLogs lists persisted log summaries, newest first.
func (c *Controller) ListTransactionLogs(req *router.ListTransactionLogsRequest) ([]*txlog.ShortSummary, error) {
	return c.logs.List(req.Limit)
}

// GetTransactionLog fetches one persisted log; "latest" selects the
// newest entry.
func (c *Controller) GetTransactionLog(req *router.GetTransactionLogRequest) *router.GetTransactionLogResponse {
	entry, err := c.logs.Get(req.TransferID)
	if err != nil {
		return &router.GetTransactionLogResponse{Success: false, Error: err.Error()}
	}
	return &router.GetTransactionLogResponse{
		Success:      true,
		TransferID:   entry.TransferID,
		Events:       entry.Events,
		TransferInfo: entry.TransferInfo,
		Summary:      entry.Summary,
	}
}

// SetSubscription installs a control connection's broadcast filter.
func (c *Controller) SetSubscription(conn router.ControlConnection, req *router.SetSubscriptionRequest) error {
	return c.subs.SetSubscription(conn, types.Subscription{
		Tree:       req.Tree,
		Transfers:  req.Transfers,
		Logs:       req.Logs,
		TransferID: req.TransferID,
	})
}

// ConnectionClosed drops any subscription held by a closed control
// connection.
func (c *Controller) ConnectionClosed(connID string) {
	c.subs.RemoveConnection(connID)
}

// Shutdown cancels timers and stops broadcasts. In-flight transfers are
// left in their last persisted state.
func (c *Controller) Shutdown() {
	c.orch.Shutdown()
	c.subs.Stop()
	c.logger.Info().Msg("Controller shut down")
}

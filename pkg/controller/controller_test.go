package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/cluster"
	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// instanceSim is an instance-side handler that accepts imports and
// reports a validation event back to the controller.
type instanceSim struct {
	mu         sync.Mutex
	controller *Controller
	instanceID int
	platforms  []*types.PlatformDescriptor

	importedTransferIDs []string
	deleted             []string
	unlocked            []string
	validationSuccess   bool
}

func (s *instanceSim) ImportPlatform(_ context.Context, req *router.ImportPlatformRequest) (*router.ImportPlatformResponse, error) {
	var payload map[string]any
	if err := json.Unmarshal(req.ExportData, &payload); err != nil {
		return &router.ImportPlatformResponse{Success: false, Error: "bad payload"}, nil
	}
	transferID, _ := payload["_transferId"].(string)
	sourceID, _ := payload["_sourceInstanceId"].(float64)

	s.mu.Lock()
	s.importedTransferIDs = append(s.importedTransferIDs, transferID)
	s.mu.Unlock()

	// Validate asynchronously, the way a real instance does after the
	// import settles in-game.
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.controller.HandleTransferValidation(&router.TransferValidationEvent{
			TransferID:       transferID,
			SourceInstanceID: int(sourceID),
			Success:          s.validationSuccess,
			Validation:       router.ValidationDetails{ItemCountMatch: s.validationSuccess, FluidCountMatch: s.validationSuccess},
			Metrics:          map[string]any{"total_ticks": float64(120)},
		})
	}()

	return &router.ImportPlatformResponse{Success: true}, nil
}

func (s *instanceSim) ExportPlatform(context.Context, *router.ExportPlatformRequest) (*router.ExportPlatformResponse, error) {
	return &router.ExportPlatformResponse{Success: true, ExportID: "EX-sim"}, nil
}

func (s *instanceSim) DeleteSourcePlatform(_ context.Context, req *router.DeleteSourcePlatformRequest) (*router.DeleteSourcePlatformResponse, error) {
	s.mu.Lock()
	s.deleted = append(s.deleted, req.PlatformName)
	s.mu.Unlock()
	return &router.DeleteSourcePlatformResponse{Success: true}, nil
}

func (s *instanceSim) UnlockSourcePlatform(_ context.Context, req *router.UnlockSourcePlatformRequest) (*router.UnlockSourcePlatformResponse, error) {
	s.mu.Lock()
	s.unlocked = append(s.unlocked, req.PlatformName)
	s.mu.Unlock()
	return &router.UnlockSourcePlatformResponse{Success: true}, nil
}

func (s *instanceSim) ListPlatforms(context.Context, string) ([]*types.PlatformDescriptor, error) {
	return s.platforms, nil
}

func (s *instanceSim) TransferStatus(*router.TransferStatusUpdate) {}

type fakeConn struct {
	mu     sync.Mutex
	id     string
	events []any
	perms  map[string]bool
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}
func (c *fakeConn) HasPermission(p string) bool { return c.perms[p] }
func (c *fakeConn) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.events...)
}

func newTestController(t *testing.T) (*Controller, *router.Router, *instanceSim, *instanceSim) {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseDirectory = t.TempDir()
	cfg.ValidationTimeoutMs = 2000
	cfg.TreeBroadcastMaxRatePerSec = 50 // keep tests fast

	rt := router.New(cfg.RequestTimeout())

	dir := cluster.NewDirectory()
	dir.UpsertHost(&cluster.Host{ID: 1, Name: "host-1", Connected: true})
	dir.UpsertInstance(&cluster.Instance{ID: 1, Name: "nauvis", HostID: 1, Status: "running", Connected: true})
	dir.UpsertInstance(&cluster.Instance{ID: 2, Name: "vulcanus", HostID: 1, Status: "running", Connected: true})

	c, err := New(cfg, rt, dir)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	source := &instanceSim{controller: c, instanceID: 1, validationSuccess: true,
		platforms: []*types.PlatformDescriptor{{PlatformIndex: 1, Name: "orbital-1"}}}
	target := &instanceSim{controller: c, instanceID: 2, validationSuccess: true}
	rt.AttachInstance(1, source)
	rt.AttachInstance(2, target)

	return c, rt, source, target
}

func exportEvent(id string) *router.PlatformExportEvent {
	return &router.PlatformExportEvent{
		ExportID:     id,
		PlatformName: "orbital-1",
		InstanceID:   1,
		ExportData:   json.RawMessage(`{"payload":"H4sI","compressed":true,"verification":{"itemCounts":{}}}`),
	}
}

func TestExportRegistrationAndListing(t *testing.T) {
	c, _, _, _ := newTestController(t)

	c.HandlePlatformExport(exportEvent("E1"))

	infos := c.ListExports()
	require.Len(t, infos, 1)
	assert.Equal(t, "E1", infos[0].ExportID)
	assert.NotZero(t, infos[0].Timestamp, "timestamp stamped on store")
	assert.NotZero(t, infos[0].Size)

	resp := c.GetStoredExport(&router.GetStoredExportRequest{ExportID: "E1"})
	require.True(t, resp.Success)
	assert.Equal(t, "orbital-1", resp.PlatformName)
	assert.NotEmpty(t, resp.ExportData)

	missing := c.GetStoredExport(&router.GetStoredExportRequest{ExportID: "E9"})
	assert.False(t, missing.Success)
}

func TestEndToEndTransfer(t *testing.T) {
	c, _, source, target := newTestController(t)

	c.HandlePlatformExport(exportEvent("E1"))

	resp := c.TransferPlatform(context.Background(), &router.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: float64(2), // JSON numbers decode to float64
	})
	require.True(t, resp.Success, "transfer failed: %s", resp.Error)

	// The instance validates asynchronously; wait for the terminal state.
	require.Eventually(t, func() bool {
		log := c.GetTransactionLog(&router.GetTransactionLogRequest{TransferID: resp.TransferID})
		return log.Success && log.Summary.Status == types.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	// The import payload carried the transfer identity.
	require.Len(t, target.importedTransferIDs, 1)
	assert.Equal(t, resp.TransferID, target.importedTransferIDs[0])

	// Source cleanup ran; nothing was unlocked.
	assert.Equal(t, []string{"orbital-1"}, source.deleted)
	assert.Empty(t, source.unlocked)

	// Registry cleaned up after the successful transfer.
	assert.Empty(t, c.ListExports())

	// The persisted log is retrievable as "latest" too.
	latest := c.GetTransactionLog(&router.GetTransactionLogRequest{TransferID: "latest"})
	require.True(t, latest.Success)
	assert.Equal(t, resp.TransferID, latest.TransferID)
}

func TestFailedValidationUnlocksSource(t *testing.T) {
	c, _, source, target := newTestController(t)
	target.validationSuccess = false

	c.HandlePlatformExport(exportEvent("E1"))
	resp := c.TransferPlatform(context.Background(), &router.TransferPlatformRequest{ExportID: "E1", TargetInstanceID: 2})
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		log := c.GetTransactionLog(&router.GetTransactionLogRequest{TransferID: resp.TransferID})
		return log.Success && log.Summary.Status == types.StatusFailed
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"orbital-1"}, source.unlocked)
	assert.Empty(t, source.deleted)
	assert.Len(t, c.ListExports(), 1, "export retained after failed transfer")
}

func TestTransferToDisconnectedInstance(t *testing.T) {
	c, rt, _, _ := newTestController(t)
	rt.DetachInstance(2)

	c.HandlePlatformExport(exportEvent("E1"))
	resp := c.TransferPlatform(context.Background(), &router.TransferPlatformRequest{ExportID: "E1", TargetInstanceID: 2})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not connected")
}

func TestGetPlatformTree(t *testing.T) {
	c, _, _, _ := newTestController(t)

	tree, err := c.GetPlatformTree(context.Background(), &router.GetPlatformTreeRequest{})
	require.NoError(t, err)

	assert.Equal(t, "player", tree.ForceName, "default force applied")
	require.Len(t, tree.Hosts, 1)
	require.Len(t, tree.Hosts[0].Instances, 2)
	assert.Equal(t, "nauvis", tree.Hosts[0].Instances[0].Name)
	require.Len(t, tree.Hosts[0].Instances[0].Platforms, 1)
	assert.Equal(t, "orbital-1", tree.Hosts[0].Instances[0].Platforms[0].Name)

	tree2, err := c.GetPlatformTree(context.Background(), &router.GetPlatformTreeRequest{ForceName: "red-team"})
	require.NoError(t, err)
	assert.Equal(t, "red-team", tree2.ForceName)
	assert.Greater(t, tree2.Revision, tree.Revision)
}

func TestSubscriptionSurface(t *testing.T) {
	c, _, _, _ := newTestController(t)

	conn := &fakeConn{id: "ctl-1", perms: map[string]bool{router.PermissionViewLogs: true}}
	require.NoError(t, c.SetSubscription(conn, &router.SetSubscriptionRequest{Transfers: true, Logs: true}))

	noPerm := &fakeConn{id: "ctl-2", perms: map[string]bool{}}
	err := c.SetSubscription(noPerm, &router.SetSubscriptionRequest{Logs: true})
	assert.Error(t, err, "logs subscription requires the view-logs permission")

	c.HandlePlatformExport(exportEvent("E1"))
	resp := c.TransferPlatform(context.Background(), &router.TransferPlatformRequest{ExportID: "E1", TargetInstanceID: 2})
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		transfers, logs := 0, 0
		for _, raw := range conn.sent() {
			switch raw.(type) {
			case *router.TransferUpdateEvent:
				transfers++
			case *router.LogUpdateEvent:
				logs++
			}
		}
		return transfers >= 3 && logs >= 3
	}, 2*time.Second, 20*time.Millisecond)

	c.ConnectionClosed("ctl-1")
	assert.Equal(t, 0, c.Subscriptions().SubscriberCount())
}

func TestListTransactionLogsNewestFirst(t *testing.T) {
	c, _, _, _ := newTestController(t)

	for _, id := range []string{"E1", "E2"} {
		c.HandlePlatformExport(exportEvent(id))
		resp := c.TransferPlatform(context.Background(), &router.TransferPlatformRequest{ExportID: id, TargetInstanceID: 2})
		require.True(t, resp.Success)
		require.Eventually(t, func() bool {
			log := c.GetTransactionLog(&router.GetTransactionLogRequest{TransferID: resp.TransferID})
			return log.Success && log.Summary.Status.Terminal()
		}, 2*time.Second, 20*time.Millisecond)
	}

	summaries, err := c.ListTransactionLogs(&router.ListTransactionLogsRequest{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.GreaterOrEqual(t, summaries[0].StartedAt, summaries[1].StartedAt)
}

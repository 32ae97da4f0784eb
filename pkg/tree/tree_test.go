package tree

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/cluster"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// fakeBridge serves canned platform lists per instance.
type fakeBridge struct {
	mu        sync.Mutex
	platforms map[int][]*types.PlatformDescriptor
	errs      map[int]error
	queried   []int
}

func (f *fakeBridge) ListPlatforms(_ context.Context, instanceID int, _ string) ([]*types.PlatformDescriptor, error) {
	f.mu.Lock()
	f.queried = append(f.queried, instanceID)
	f.mu.Unlock()
	if err := f.errs[instanceID]; err != nil {
		return nil, err
	}
	return f.platforms[instanceID], nil
}

func (f *fakeBridge) ImportPlatform(context.Context, int, *router.ImportPlatformRequest) (*router.ImportPlatformResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBridge) ExportPlatform(context.Context, int, *router.ExportPlatformRequest) (*router.ExportPlatformResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBridge) DeleteSourcePlatform(context.Context, int, *router.DeleteSourcePlatformRequest) (*router.DeleteSourcePlatformResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBridge) UnlockSourcePlatform(context.Context, int, *router.UnlockSourcePlatformRequest) (*router.UnlockSourcePlatformResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBridge) SendTransferStatus(int, *router.TransferStatusUpdate) {}

func testDirectory() *cluster.Directory {
	d := cluster.NewDirectory()
	d.UpsertHost(&cluster.Host{ID: 10, Name: "bravo-host", Connected: true})
	d.UpsertHost(&cluster.Host{ID: 20, Name: "alpha-host", Connected: true})
	d.UpsertInstance(&cluster.Instance{ID: 1, Name: "zeta", HostID: 10, Status: "running", Connected: true})
	d.UpsertInstance(&cluster.Instance{ID: 2, Name: "echo", HostID: 10, Status: "running", Connected: true})
	d.UpsertInstance(&cluster.Instance{ID: 3, Name: "mike", HostID: 20, Status: "running", Connected: true})
	// Instance with no known host.
	d.UpsertInstance(&cluster.Instance{ID: 4, Name: "stray", Status: "stopped"})
	return d
}

func newTestBuilder(d *cluster.Directory, bridge *fakeBridge, overlay TransferOverlay) *Builder {
	var rev atomic.Int64
	if overlay == nil {
		overlay = func() []*types.Transfer { return nil }
	}
	return NewBuilder(d, bridge, overlay, func() int64 { return rev.Add(1) }, clock.System())
}

func TestBuildComposesAndSorts(t *testing.T) {
	bridge := &fakeBridge{
		platforms: map[int][]*types.PlatformDescriptor{
			1: {{PlatformIndex: 2, Name: "venus"}, {PlatformIndex: 1, Name: "aquilo"}},
			2: {{PlatformIndex: 1, Name: "nauvis-orbit"}},
		},
		errs: map[int]error{},
	}
	b := newTestBuilder(testDirectory(), bridge, nil)

	tr, err := b.Build(context.Background(), "player")
	require.NoError(t, err)

	require.Len(t, tr.Hosts, 2)
	assert.Equal(t, "alpha-host", tr.Hosts[0].Name, "hosts sorted by name")
	assert.Equal(t, "bravo-host", tr.Hosts[1].Name)

	bravo := tr.Hosts[1]
	require.Len(t, bravo.Instances, 2)
	assert.Equal(t, "echo", bravo.Instances[0].Name, "instances sorted by name")
	assert.Equal(t, "zeta", bravo.Instances[1].Name)

	zeta := bravo.Instances[1]
	require.Len(t, zeta.Platforms, 2)
	assert.Equal(t, "aquilo", zeta.Platforms[0].Name, "platforms sorted by name")
	assert.Equal(t, "idle", zeta.Platforms[0].TransferStatus)

	require.Len(t, tr.UnassignedInstances, 1)
	assert.Equal(t, "stray", tr.UnassignedInstances[0].Name)
	assert.Nil(t, tr.UnassignedInstances[0].HostID)
}

func TestBuildSkipsDisconnectedInstances(t *testing.T) {
	d := testDirectory()
	d.SetInstanceConnected(2, false)

	bridge := &fakeBridge{platforms: map[int][]*types.PlatformDescriptor{}, errs: map[int]error{}}
	b := newTestBuilder(d, bridge, nil)

	_, err := b.Build(context.Background(), "player")
	require.NoError(t, err)

	assert.NotContains(t, bridge.queried, 2)
	assert.NotContains(t, bridge.queried, 4, "disconnected stray instance is not queried")
}

func TestBuildSkipsInstancesOnDisconnectedHosts(t *testing.T) {
	d := testDirectory()
	d.SetHostConnected(20, false)

	bridge := &fakeBridge{platforms: map[int][]*types.PlatformDescriptor{}, errs: map[int]error{}}
	b := newTestBuilder(d, bridge, nil)

	_, err := b.Build(context.Background(), "player")
	require.NoError(t, err)

	assert.NotContains(t, bridge.queried, 3)
}

func TestBuildRecordsPlatformError(t *testing.T) {
	bridge := &fakeBridge{
		platforms: map[int][]*types.PlatformDescriptor{
			2: {{PlatformIndex: 1, Name: "orbit"}},
		},
		errs: map[int]error{1: errors.New("rcon unavailable")},
	}
	b := newTestBuilder(testDirectory(), bridge, nil)

	tr, err := b.Build(context.Background(), "player")
	require.NoError(t, err)

	var zeta, echo *types.InstanceNode
	for _, h := range tr.Hosts {
		for _, inst := range h.Instances {
			switch inst.Name {
			case "zeta":
				zeta = inst
			case "echo":
				echo = inst
			}
		}
	}

	require.NotNil(t, zeta)
	assert.Equal(t, "rcon unavailable", zeta.PlatformError)
	assert.Empty(t, zeta.Platforms)

	require.NotNil(t, echo)
	assert.Empty(t, echo.PlatformError)
	assert.Len(t, echo.Platforms, 1)
}

func TestBuildOverlaysActiveTransfers(t *testing.T) {
	bridge := &fakeBridge{
		platforms: map[int][]*types.PlatformDescriptor{
			1: {{PlatformIndex: 1, Name: "moving"}, {PlatformIndex: 2, Name: "parked"}},
		},
		errs: map[int]error{},
	}

	overlay := func() []*types.Transfer {
		return []*types.Transfer{
			{
				TransferID:       "T42",
				SourceInstanceID: 1,
				PlatformName:     "moving",
				Status:           types.TransferStatus("importing"),
			},
			{
				TransferID:       "T-done",
				SourceInstanceID: 1,
				PlatformName:     "parked",
				Status:           types.StatusCompleted,
			},
		}
	}

	b := newTestBuilder(testDirectory(), bridge, overlay)
	tr, err := b.Build(context.Background(), "player")
	require.NoError(t, err)

	var moving, parked *types.PlatformNode
	for _, h := range tr.Hosts {
		for _, inst := range h.Instances {
			for _, p := range inst.Platforms {
				switch p.Name {
				case "moving":
					moving = p
				case "parked":
					parked = p
				}
			}
		}
	}

	require.NotNil(t, moving)
	assert.Equal(t, "T42", moving.TransferID)
	assert.Equal(t, "transporting", moving.TransferStatus, "legacy importing status is normalized")

	require.NotNil(t, parked)
	assert.Empty(t, parked.TransferID, "terminal transfers do not tag platforms")
	assert.Equal(t, "idle", parked.TransferStatus)
}

func TestBuildRevisionsIncrease(t *testing.T) {
	bridge := &fakeBridge{platforms: map[int][]*types.PlatformDescriptor{}, errs: map[int]error{}}
	b := newTestBuilder(testDirectory(), bridge, nil)

	t1, err := b.Build(context.Background(), "player")
	require.NoError(t, err)
	t2, err := b.Build(context.Background(), "player")
	require.NoError(t, err)

	assert.Greater(t, t2.Revision, t1.Revision)
}

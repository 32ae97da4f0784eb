package tree

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/cluster"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/metrics"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// TransferOverlay supplies the in-flight transfers used to tag
// platforms with their transfer state.
type TransferOverlay func() []*types.Transfer

// RevisionSource allocates the snapshot revision for each built tree.
type RevisionSource func() int64

// Builder composes cluster tree snapshots: hosts, their instances, and
// each connected instance's platforms queried concurrently.
type Builder struct {
	dir      *cluster.Directory
	bridge   router.InstanceBridge
	overlay  TransferOverlay
	revision RevisionSource
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewBuilder creates a tree builder.
func NewBuilder(dir *cluster.Directory, bridge router.InstanceBridge, overlay TransferOverlay, revision RevisionSource, clk clock.Clock) *Builder {
	return &Builder{
		dir:      dir,
		bridge:   bridge,
		overlay:  overlay,
		revision: revision,
		clock:    clk,
		logger:   log.WithComponent("tree"),
	}
}

// Build snapshots the cluster for the given force. Platform queries fan
// out concurrently to all connected instances; a query failure is
// recorded on its instance and leaves the rest of the tree intact.
func (b *Builder) Build(ctx context.Context, forceName string) (*types.PlatformTree, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TreeBuildDuration)

	hosts := b.dir.Hosts()
	instances := b.dir.Instances()

	hostNodes := make(map[int]*types.HostNode, len(hosts))
	for _, h := range hosts {
		hostNodes[h.ID] = &types.HostNode{
			HostID:    h.ID,
			Name:      h.Name,
			Connected: h.Connected,
			Instances: []*types.InstanceNode{},
		}
	}

	var unassigned []*types.InstanceNode
	instanceNodes := make([]*types.InstanceNode, 0, len(instances))

	for _, inst := range instances {
		node := &types.InstanceNode{
			InstanceID: inst.ID,
			Name:       inst.Name,
			Status:     inst.Status,
			Connected:  inst.Connected,
			Platforms:  []*types.PlatformNode{},
		}
		if host, ok := hostNodes[inst.HostID]; ok {
			hostID := inst.HostID
			node.HostID = &hostID
			host.Instances = append(host.Instances, node)
		} else {
			unassigned = append(unassigned, node)
		}
		instanceNodes = append(instanceNodes, node)
	}

	b.queryPlatforms(ctx, forceName, instanceNodes, hostNodes)
	b.overlayTransfers(instanceNodes)

	treeHosts := make([]*types.HostNode, 0, len(hostNodes))
	for _, h := range hostNodes {
		sortInstances(h.Instances)
		treeHosts = append(treeHosts, h)
	}
	sort.Slice(treeHosts, func(i, j int) bool { return treeHosts[i].Name < treeHosts[j].Name })
	sortInstances(unassigned)

	if unassigned == nil {
		unassigned = []*types.InstanceNode{}
	}

	return &types.PlatformTree{
		Revision:            b.revision(),
		GeneratedAt:         b.clock.NowMs(),
		ForceName:           forceName,
		Hosts:               treeHosts,
		UnassignedInstances: unassigned,
	}, nil
}

// queryPlatforms fans out ListPlatforms to every queryable instance
// concurrently. Only connected instances are queried; an instance
// assigned to a host is skipped while that host is disconnected, and a
// connected instance with no known host is queried.
func (b *Builder) queryPlatforms(ctx context.Context, forceName string, nodes []*types.InstanceNode, hosts map[int]*types.HostNode) {
	var wg sync.WaitGroup
	for _, node := range nodes {
		if !node.Connected {
			continue
		}
		if node.HostID != nil {
			if host, ok := hosts[*node.HostID]; !ok || !host.Connected {
				continue
			}
		}

		wg.Add(1)
		go func(node *types.InstanceNode) {
			defer wg.Done()
			platforms, err := b.bridge.ListPlatforms(ctx, node.InstanceID, forceName)
			if err != nil {
				node.PlatformError = err.Error()
				b.logger.Warn().Err(err).Int("instance_id", node.InstanceID).Msg("Platform query failed")
				return
			}
			for _, p := range platforms {
				node.Platforms = append(node.Platforms, &types.PlatformNode{
					PlatformIndex:  p.PlatformIndex,
					Name:           p.Name,
					TransferStatus: "idle",
				})
			}
			sort.Slice(node.Platforms, func(i, j int) bool {
				return node.Platforms[i].Name < node.Platforms[j].Name
			})
		}(node)
	}
	wg.Wait()
}

// overlayTransfers tags platforms touched by an in-flight transfer with
// its ID and normalized status.
func (b *Builder) overlayTransfers(nodes []*types.InstanceNode) {
	if b.overlay == nil {
		return
	}
	transfers := b.overlay()
	if len(transfers) == 0 {
		return
	}

	for _, node := range nodes {
		for _, platform := range node.Platforms {
			for _, t := range transfers {
				if t.Status.Terminal() {
					continue
				}
				if t.SourceInstanceID != node.InstanceID {
					continue
				}
				if (t.PlatformIndex != 0 && t.PlatformIndex == platform.PlatformIndex) ||
					(t.PlatformName != "" && t.PlatformName == platform.Name) {
					platform.TransferID = t.TransferID
					platform.TransferStatus = string(types.NormalizeStatus(t.Status))
					break
				}
			}
		}
	}
}

func sortInstances(nodes []*types.InstanceNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}

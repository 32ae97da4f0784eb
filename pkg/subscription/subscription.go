package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/metrics"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// TreeProvider builds a current cluster tree snapshot.
type TreeProvider func(ctx context.Context, forceName string) (*types.PlatformTree, error)

// ActiveTransfersProvider lists the short summaries of in-flight
// transfers, for replay on subscribe.
type ActiveTransfersProvider func() []*txlog.ShortSummary

type entry struct {
	conn   router.ControlConnection
	filter types.Subscription
}

// Manager owns the connection → filter registry and the three broadcast
// streams with their revision counters.
type Manager struct {
	mu   sync.Mutex
	subs map[string]*entry

	treeRev     atomic.Int64
	transferRev atomic.Int64
	logRev      atomic.Int64

	limiter      *coalescer
	treeFn       TreeProvider
	activeFn     ActiveTransfersProvider
	defaultForce string
	clock        clock.Clock
	logger       zerolog.Logger
}

// NewManager creates a subscription manager. interval is the minimum
// gap between tree broadcasts.
func NewManager(interval time.Duration, defaultForce string, clk clock.Clock) *Manager {
	m := &Manager{
		subs:         make(map[string]*entry),
		defaultForce: defaultForce,
		clock:        clk,
		logger:       log.WithComponent("subscription"),
	}
	m.limiter = newCoalescer(interval, m.broadcastTree)
	return m
}

// SetProviders wires the tree and active-transfer sources. Must be
// called before the first subscribe.
func (m *Manager) SetProviders(treeFn TreeProvider, activeFn ActiveTransfersProvider) {
	m.treeFn = treeFn
	m.activeFn = activeFn
}

// Stop cancels any deferred tree broadcast.
func (m *Manager) Stop() {
	m.limiter.Stop()
}

// NextTreeRevision allocates the next tree revision. Used for both
// broadcasts and direct tree requests so the counter stays strictly
// monotonic across every emitted snapshot.
func (m *Manager) NextTreeRevision() int64 {
	return m.treeRev.Add(1)
}

// SetSubscription installs or replaces the filter for a connection. A
// filter with all flags false removes the subscription. Requesting logs
// requires the logs-view permission.
func (m *Manager) SetSubscription(conn router.ControlConnection, filter types.Subscription) error {
	if filter.Logs && !conn.HasPermission(router.PermissionViewLogs) {
		return fmt.Errorf("subscription to logs requires %q: %w", router.PermissionViewLogs, errdefs.ErrPermissionDenied)
	}

	m.mu.Lock()
	prior, had := m.subs[conn.ID()]

	if filter.Empty() {
		delete(m.subs, conn.ID())
		metrics.SubscribersTotal.Set(float64(len(m.subs)))
		m.mu.Unlock()
		return nil
	}

	m.subs[conn.ID()] = &entry{conn: conn, filter: filter}
	metrics.SubscribersTotal.Set(float64(len(m.subs)))

	newTree := filter.Tree && (!had || !prior.filter.Tree)
	newTransfers := filter.Transfers && (!had || !prior.filter.Transfers)
	m.mu.Unlock()

	// Initial snapshots for newly requested streams.
	if newTree {
		m.sendInitialTree(conn)
	}
	if newTransfers {
		m.replayActiveTransfers(conn)
	}
	return nil
}

// RemoveConnection drops the subscription of a closed connection.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, connID)
	metrics.SubscribersTotal.Set(float64(len(m.subs)))
}

func (m *Manager) sendInitialTree(conn router.ControlConnection) {
	if m.treeFn == nil {
		return
	}
	tree, err := m.treeFn(context.Background(), m.defaultForce)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to build initial tree snapshot")
		return
	}
	ev := &router.TreeUpdateEvent{
		Revision:    tree.Revision,
		GeneratedAt: tree.GeneratedAt,
		ForceName:   tree.ForceName,
		Tree:        tree,
	}
	if err := conn.Send(ev); err != nil {
		m.evict(conn.ID(), err)
	}
}

func (m *Manager) replayActiveTransfers(conn router.ControlConnection) {
	if m.activeFn == nil {
		return
	}
	for _, sum := range m.activeFn() {
		ev := &router.TransferUpdateEvent{
			Revision:    m.transferRev.Add(1),
			GeneratedAt: m.clock.NowMs(),
			Transfer:    sum,
		}
		if err := conn.Send(ev); err != nil {
			m.evict(conn.ID(), err)
			return
		}
	}
}

// QueueTreeBroadcast requests a tree broadcast; calls inside the rate
// window coalesce into one emission.
func (m *Manager) QueueTreeBroadcast() {
	m.limiter.Trigger()
}

func (m *Manager) broadcastTree() {
	targets := m.snapshot(func(f types.Subscription) bool { return f.Tree })
	if len(targets) == 0 || m.treeFn == nil {
		return
	}

	tree, err := m.treeFn(context.Background(), m.defaultForce)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to build tree for broadcast")
		return
	}

	ev := &router.TreeUpdateEvent{
		Revision:    tree.Revision,
		GeneratedAt: tree.GeneratedAt,
		ForceName:   tree.ForceName,
		Tree:        tree,
	}
	m.deliver(targets, ev)
	metrics.BroadcastsTotal.WithLabelValues("tree").Inc()
}

// BroadcastTransfer delivers a transfer's short summary to every
// subscriber with transfers=true.
func (m *Manager) BroadcastTransfer(sum *txlog.ShortSummary) {
	ev := &router.TransferUpdateEvent{
		Revision:    m.transferRev.Add(1),
		GeneratedAt: m.clock.NowMs(),
		Transfer:    sum,
	}
	targets := m.snapshot(func(f types.Subscription) bool { return f.Transfers })
	m.deliver(targets, ev)
	metrics.BroadcastsTotal.WithLabelValues("transfers").Inc()
}

// BroadcastLog delivers one journal event to subscribers with logs=true
// whose transfer filter is unset or matches.
func (m *Manager) BroadcastLog(transferID string, event types.LogEvent, info *txlog.ShortSummary, summary *txlog.DetailedSummary) {
	ev := &router.LogUpdateEvent{
		Revision:     m.logRev.Add(1),
		GeneratedAt:  m.clock.NowMs(),
		TransferID:   transferID,
		Event:        event,
		TransferInfo: info,
		Summary:      summary,
	}
	targets := m.snapshot(func(f types.Subscription) bool {
		return f.Logs && (f.TransferID == "" || f.TransferID == transferID)
	})
	m.deliver(targets, ev)
	metrics.BroadcastsTotal.WithLabelValues("logs").Inc()
}

// snapshot copies the matching entries so sends never hold the registry
// lock and eviction during delivery is safe.
func (m *Manager) snapshot(match func(types.Subscription) bool) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.subs))
	for _, e := range m.subs {
		if match(e.filter) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) deliver(targets []*entry, event any) {
	for _, e := range targets {
		if err := e.conn.Send(event); err != nil {
			m.evict(e.conn.ID(), err)
		}
	}
}

// evict atomically drops a connection whose send failed.
func (m *Manager) evict(connID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[connID]; !ok {
		return
	}
	delete(m.subs, connID)
	metrics.SubscribersTotal.Set(float64(len(m.subs)))
	metrics.BroadcastSendFailures.Inc()
	m.logger.Warn().Err(cause).Str("connection_id", connID).Msg("Evicted stale subscription after send failure")
}

// SubscriberCount returns the number of registered subscriptions.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

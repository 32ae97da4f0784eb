package txlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/jsonstore"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/metrics"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// EventSink receives every journal event as it is logged. Wired to the
// subscription layer's log broadcast.
type EventSink func(transfer *types.Transfer, event types.LogEvent)

// PersistedEntry is one transfer's journal as written to disk.
type PersistedEntry struct {
	TransferID   string           `json:"transferId"`
	TransferInfo *ShortSummary    `json:"transferInfo"`
	Summary      *DetailedSummary `json:"summary"`
	Events       []types.LogEvent `json:"events"`
	SavedAt      int64            `json:"savedAt"`
}

// Logger assigns monotonic per-transfer timestamps, maintains phase
// timings, and persists bounded transaction logs.
//
// Callers mutate a transfer's journal only while holding that transfer's
// serialization (the orchestrator guarantees this); the Logger's own
// mutex guards the persisted file.
type Logger struct {
	mu           sync.Mutex
	store        *jsonstore.Store
	maxPersisted int
	clock        clock.Clock
	sink         EventSink
	logger       zerolog.Logger
}

// NewLogger creates a transaction logger over the given store.
func NewLogger(store *jsonstore.Store, maxPersisted int, clk clock.Clock) *Logger {
	return &Logger{
		store:        store,
		maxPersisted: maxPersisted,
		clock:        clk,
		logger:       log.WithComponent("txlog"),
	}
}

// SetEventSink installs the broadcast hook for logged events.
func (l *Logger) SetEventSink(sink EventSink) {
	l.sink = sink
}

// LogEvent appends an event to the transfer's in-memory journal,
// computing elapsed and delta times. Never fails.
func (l *Logger) LogEvent(t *types.Transfer, eventType, message string, extras map[string]any) {
	ts := l.clock.NowMs()
	// Clamp to the previous event so in-journal time never runs backward.
	if last := t.LastEventMs(); ts < last {
		ts = last
	}

	ev := types.LogEvent{
		TimestampISO: clock.ISO(ts),
		TimestampMs:  ts,
		ElapsedMs:    ts - t.StartedAt,
		EventType:    eventType,
		Message:      message,
		Extras:       extras,
	}
	if last := t.LastEventMs(); last > 0 {
		ev.DeltaMs = ts - last
	}
	t.Events = append(t.Events, ev)

	l.logger.Debug().
		Str("transfer_id", t.TransferID).
		Str("event_type", eventType).
		Int64("elapsed_ms", ev.ElapsedMs).
		Msg(message)

	if l.sink != nil {
		l.sink(t, ev)
	}
}

// StartPhase records the beginning of a named phase.
func (l *Logger) StartPhase(t *types.Transfer, name string) {
	if t.Phases == nil {
		t.Phases = make(map[string]*types.Phase)
	}
	start := l.clock.NowMs()
	if start < t.StartedAt {
		start = t.StartedAt
	}
	t.Phases[name] = &types.Phase{StartMs: start}
}

// EndPhase records the end of a named phase. A no-op if the phase was
// never started.
func (l *Logger) EndPhase(t *types.Transfer, name string) {
	phase, ok := t.Phases[name]
	if !ok || phase.EndMs != 0 {
		return
	}
	end := l.clock.NowMs()
	if end < phase.StartMs {
		end = phase.StartMs
	}
	phase.EndMs = end
	phase.DurationMs = end - phase.StartMs
	metrics.PhaseDuration.WithLabelValues(name).Observe(float64(phase.DurationMs) / 1000)
}

// Persist composes the log entry for the transfer and rewrites the
// persisted file: the entry replaces any prior entry for the same
// transfer, and the file is trimmed to the newest maxPersisted entries
// by savedAt.
func (l *Logger) Persist(t *types.Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.NowMs()
	entry := &PersistedEntry{
		TransferID:   t.TransferID,
		TransferInfo: ShortSummaryOf(t),
		Summary:      DetailedSummaryOf(t, now),
		Events:       append([]types.LogEvent(nil), t.Events...),
		SavedAt:      now,
	}

	entries, err := l.loadLocked()
	if err != nil {
		metrics.PersistFailures.Inc()
		l.logger.Error().Err(err).Msg("Failed to load persisted transaction logs")
		return err
	}

	replaced := false
	for i, existing := range entries {
		if existing.TransferID == entry.TransferID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	// Trim to the newest maxPersisted by savedAt.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SavedAt < entries[j].SavedAt
	})
	if len(entries) > l.maxPersisted {
		entries = entries[len(entries)-l.maxPersisted:]
	}

	if err := l.store.Save(entries); err != nil {
		metrics.PersistFailures.Inc()
		l.logger.Error().Err(err).Str("transfer_id", t.TransferID).Msg("Failed to persist transaction log")
		return err
	}

	l.logger.Debug().Str("transfer_id", t.TransferID).Int("events", len(entry.Events)).Msg("Persisted transaction log")
	return nil
}

func (l *Logger) loadLocked() ([]*PersistedEntry, error) {
	var entries []*PersistedEntry
	if err := l.store.Load(&entries); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// List returns the short summaries of persisted logs, newest first,
// bounded by limit (0 means all).
func (l *Logger) List(limit int) ([]*ShortSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadLocked()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SavedAt > entries[j].SavedAt
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	summaries := make([]*ShortSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, e.TransferInfo)
	}
	return summaries, nil
}

// Get returns the persisted entry for the given transfer ID, or the
// newest entry when id is "latest".
func (l *Logger) Get(id string) (*PersistedEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadLocked()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no transaction logs persisted: %w", errdefs.ErrNotFound)
	}

	if id == "latest" {
		newest := entries[0]
		for _, e := range entries[1:] {
			if e.SavedAt > newest.SavedAt {
				newest = e
			}
		}
		return newest, nil
	}

	for _, e := range entries {
		if e.TransferID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("transaction log %s: %w", id, errdefs.ErrNotFound)
}

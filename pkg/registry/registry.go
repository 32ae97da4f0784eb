package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/jsonstore"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/metrics"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// pollInterval is how often WaitForExport re-checks the registry.
const pollInterval = 50 * time.Millisecond

// Registry is the content-addressed store of completed platform
// snapshots. It is bounded by maxStorageSize with strict
// oldest-timestamp-first eviction and persists to disk after every
// mutation.
type Registry struct {
	mu             sync.Mutex
	maxStorageSize int
	exports        map[string]*types.Export
	order          []string // insertion order, breaks timestamp ties

	store  *jsonstore.Store
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a registry backed by the given store and loads any
// persisted records. A missing file is not an error.
func New(store *jsonstore.Store, maxStorageSize int, clk clock.Clock) (*Registry, error) {
	r := &Registry{
		maxStorageSize: maxStorageSize,
		exports:        make(map[string]*types.Export),
		store:          store,
		clock:          clk,
		logger:         log.WithComponent("registry"),
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	var records []*types.Export
	if err := r.store.Load(&records); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load export storage: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	for _, rec := range records {
		// Repair records persisted before size tracking existed.
		if rec.Size == 0 && len(rec.ExportData) > 0 {
			rec.Size = int64(len(rec.ExportData))
		}
		r.exports[rec.ExportID] = rec
		r.order = append(r.order, rec.ExportID)
	}

	metrics.RegistrySize.Set(float64(len(r.exports)))
	r.logger.Info().Int("exports", len(r.exports)).Msg("Loaded export storage")
	return nil
}

// Store inserts or replaces a record by export ID, evicts oldest records
// past the storage bound, and persists. Persistence errors are logged,
// not surfaced.
func (r *Registry) Store(rec *types.Export) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Timestamp == 0 {
		rec.Timestamp = r.clock.NowMs()
	}
	if rec.Size == 0 {
		rec.Size = int64(len(rec.ExportData))
	}

	if _, exists := r.exports[rec.ExportID]; !exists {
		r.order = append(r.order, rec.ExportID)
	}
	r.exports[rec.ExportID] = rec
	metrics.ExportsStored.Inc()

	r.evictLocked()
	r.persistLocked()

	r.logger.Info().
		Str("export_id", rec.ExportID).
		Str("platform", rec.PlatformName).
		Int("instance_id", rec.InstanceID).
		Int64("size", rec.Size).
		Msg("Stored export")
}

// evictLocked drops oldest-timestamp records (ties broken by insertion
// order) until the bound holds.
func (r *Registry) evictLocked() {
	for len(r.exports) > r.maxStorageSize {
		victim := ""
		victimPos := -1
		var victimTs int64
		for pos, id := range r.order {
			rec, ok := r.exports[id]
			if !ok {
				continue
			}
			if victim == "" || rec.Timestamp < victimTs {
				victim = id
				victimTs = rec.Timestamp
				victimPos = pos
			}
		}
		if victim == "" {
			return
		}

		delete(r.exports, victim)
		r.order = append(r.order[:victimPos], r.order[victimPos+1:]...)
		metrics.ExportsEvicted.Inc()
		r.logger.Warn().
			Str("export_id", victim).
			Int64("timestamp", victimTs).
			Msg("Evicted oldest export (storage bound reached)")
	}
}

func (r *Registry) persistLocked() {
	records := make([]*types.Export, 0, len(r.exports))
	for _, id := range r.order {
		if rec, ok := r.exports[id]; ok {
			records = append(records, rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	if err := r.store.Save(records); err != nil {
		metrics.PersistFailures.Inc()
		r.logger.Error().Err(err).Msg("Failed to persist export storage")
	}
	metrics.RegistrySize.Set(float64(len(r.exports)))
}

// Get returns the record for the given export ID.
func (r *Registry) Get(exportID string) (*types.Export, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.exports[exportID]
	if !ok {
		return nil, fmt.Errorf("export %s: %w", exportID, errdefs.ErrNotFound)
	}
	return rec, nil
}

// List returns the metadata projection of all records, oldest first.
func (r *Registry) List() []*types.ExportInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]*types.ExportInfo, 0, len(r.exports))
	for _, rec := range r.exports {
		infos = append(infos, &types.ExportInfo{
			ExportID:     rec.ExportID,
			PlatformName: rec.PlatformName,
			InstanceID:   rec.InstanceID,
			Timestamp:    rec.Timestamp,
			Size:         rec.Size,
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp < infos[j].Timestamp
	})
	return infos
}

// Len returns the number of stored records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exports)
}

// Delete removes a record and persists.
func (r *Registry) Delete(exportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exports[exportID]; !ok {
		return fmt.Errorf("export %s: %w", exportID, errdefs.ErrNotFound)
	}
	delete(r.exports, exportID)
	for pos, id := range r.order {
		if id == exportID {
			r.order = append(r.order[:pos], r.order[pos+1:]...)
			break
		}
	}
	r.persistLocked()

	r.logger.Info().Str("export_id", exportID).Msg("Deleted export")
	return nil
}

// WaitForExport polls until the export is present or the timeout
// elapses, whichever comes first. A miss fails with NotReady.
func (r *Registry) WaitForExport(ctx context.Context, exportID string, timeout time.Duration) (*types.Export, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if rec, err := r.Get(exportID); err == nil {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for export %s: %w", exportID, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("export %s did not appear within %s: %w", exportID, timeout, errdefs.ErrNotReady)
		case <-ticker.C:
		}
	}
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/clock"
	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/jsonstore"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

func newTestRegistry(t *testing.T, maxStorageSize int) *Registry {
	t.Helper()
	store, err := jsonstore.New(filepath.Join(t.TempDir(), "surface_export_storage.json"))
	require.NoError(t, err)
	r, err := New(store, maxStorageSize, clock.System())
	require.NoError(t, err)
	return r
}

func export(id string, ts int64) *types.Export {
	return &types.Export{
		ExportID:     id,
		PlatformName: "platform-" + id,
		InstanceID:   1,
		ExportData:   json.RawMessage(`{"payload":"blob"}`),
		Timestamp:    ts,
	}
}

func TestStoreAndGet(t *testing.T) {
	r := newTestRegistry(t, 10)

	rec := export("E1", 1000)
	r.Store(rec)

	got, err := r.Get("E1")
	require.NoError(t, err)
	assert.Equal(t, "E1", got.ExportID)
	assert.Equal(t, int64(len(rec.ExportData)), got.Size)
}

func TestGetUnknown(t *testing.T) {
	r := newTestRegistry(t, 10)

	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestStoreStampsTimestamp(t *testing.T) {
	r := newTestRegistry(t, 10)

	rec := export("E1", 0)
	before := time.Now().UnixMilli()
	r.Store(rec)

	got, err := r.Get("E1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Timestamp, before)
}

func TestEvictionOldestFirst(t *testing.T) {
	r := newTestRegistry(t, 2)

	// Insertion order deliberately not timestamp order.
	r.Store(export("A", 100))
	r.Store(export("B", 50))
	r.Store(export("C", 200))

	assert.Equal(t, 2, r.Len())

	_, err := r.Get("B")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "oldest timestamp must be evicted")

	_, err = r.Get("A")
	assert.NoError(t, err)
	_, err = r.Get("C")
	assert.NoError(t, err)
}

func TestEvictionTieBrokenByInsertionOrder(t *testing.T) {
	r := newTestRegistry(t, 2)

	r.Store(export("first", 100))
	r.Store(export("second", 100))
	r.Store(export("third", 200))

	_, err := r.Get("first")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
	_, err = r.Get("second")
	assert.NoError(t, err)
}

func TestZeroBoundDropsEverything(t *testing.T) {
	r := newTestRegistry(t, 0)

	r.Store(export("only", 100))

	assert.Equal(t, 0, r.Len())
	_, err := r.Get("only")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestBoundHoldsAfterEveryStore(t *testing.T) {
	r := newTestRegistry(t, 3)

	for i := 0; i < 20; i++ {
		r.Store(export(string(rune('a'+i)), int64(i)))
		assert.LessOrEqual(t, r.Len(), 3)
	}
}

func TestStoreReplacesByID(t *testing.T) {
	r := newTestRegistry(t, 10)

	r.Store(export("E1", 100))
	updated := export("E1", 200)
	updated.PlatformName = "renamed"
	r.Store(updated)

	assert.Equal(t, 1, r.Len())
	got, err := r.Get("E1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.PlatformName)
}

func TestListProjectsMetadataOnly(t *testing.T) {
	r := newTestRegistry(t, 10)

	r.Store(export("E2", 200))
	r.Store(export("E1", 100))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "E1", infos[0].ExportID, "list is oldest first")
	assert.Equal(t, "E2", infos[1].ExportID)
	assert.NotZero(t, infos[0].Size)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t, 10)

	r.Store(export("E1", 100))
	require.NoError(t, r.Delete("E1"))

	assert.Equal(t, 0, r.Len())
	err := r.Delete("E1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := jsonstore.New(filepath.Join(dir, "surface_export_storage.json"))
	require.NoError(t, err)

	r, err := New(store, 10, clock.System())
	require.NoError(t, err)
	r.Store(export("E1", 100))
	r.Store(export("E2", 200))

	// A fresh registry over the same file sees identical state.
	store2, err := jsonstore.New(filepath.Join(dir, "surface_export_storage.json"))
	require.NoError(t, err)
	r2, err := New(store2, 10, clock.System())
	require.NoError(t, err)

	assert.Equal(t, r.List(), r2.List())

	got, err := r2.Get("E1")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"payload":"blob"}`), got.ExportData)
}

func TestLoadRepairsMissingSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surface_export_storage.json")
	store, err := jsonstore.New(path)
	require.NoError(t, err)

	// Persist a record with no size, as older controllers did.
	rec := export("E1", 100)
	rec.Size = 0
	require.NoError(t, store.Save([]*types.Export{rec}))

	r, err := New(store, 10, clock.System())
	require.NoError(t, err)

	got, err := r.Get("E1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(rec.ExportData)), got.Size)
}

func TestWaitForExportReturnsWhenVisible(t *testing.T) {
	r := newTestRegistry(t, 10)

	done := make(chan *types.Export, 1)
	go func() {
		rec, err := r.WaitForExport(context.Background(), "late", time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- rec
	}()

	time.Sleep(150 * time.Millisecond)
	r.Store(export("late", 100))

	select {
	case rec := <-done:
		require.NotNil(t, rec)
		assert.Equal(t, "late", rec.ExportID)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForExport did not return after the export appeared")
	}
}

func TestWaitForExportDeadline(t *testing.T) {
	r := newTestRegistry(t, 10)

	_, err := r.WaitForExport(context.Background(), "never", 120*time.Millisecond)
	assert.True(t, errors.Is(err, errdefs.ErrNotReady))
}

func TestWaitForExportAlreadyPresent(t *testing.T) {
	r := newTestRegistry(t, 10)
	r.Store(export("here", 100))

	start := time.Now()
	rec, err := r.WaitForExport(context.Background(), "here", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "here", rec.ExportID)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

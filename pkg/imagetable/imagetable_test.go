package imagetable

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/marmos91/imagetable/pkg/format"
)

func newTestDescriptor(t *testing.T, maxEntries uint32) *format.Descriptor {
	t.Helper()
	d, err := format.New("thumbnail-small", "thumbnail", 8, 8, format.StyleGray8, maxEntries, format.ProtectionNone, 1.0)
	if err != nil {
		t.Fatalf("format.New failed: %v", err)
	}
	return d
}

func fillDraw(value byte) DrawFunc {
	return func(ctx *DrawContext) error {
		for i := range ctx.Pixels {
			ctx.Pixels[i] = value
		}
		return nil
	}
}

func TestPutThenGet_RoundTrips(t *testing.T) {
	desc := newTestDescriptor(t, 4)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	entity, source := uuid.New(), uuid.New()
	if err := tbl.Put(entity, source, fillDraw(0x42)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	view, err := tbl.Get(entity, source, false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view == nil {
		t.Fatal("expected a hit, got miss")
	}
	defer view.Release()
	if view.PixelRegion()[0] != 0x42 {
		t.Errorf("expected pixel 0x42, got %x", view.PixelRegion()[0])
	}
}

func TestGet_MissForUnknownEntity(t *testing.T) {
	desc := newTestDescriptor(t, 4)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	view, err := tbl.Get(uuid.New(), uuid.New(), false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view != nil {
		t.Error("expected miss, got a view")
	}
}

func TestGet_SourceMismatchEvictsAndMisses(t *testing.T) {
	desc := newTestDescriptor(t, 4)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	entity, source := uuid.New(), uuid.New()
	if err := tbl.Put(entity, source, fillDraw(1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	view, err := tbl.Get(entity, uuid.New(), false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view != nil {
		t.Error("expected miss on source mismatch")
		view.Release()
	}

	if ok, _ := tbl.Exists(entity, source); ok {
		t.Error("expected entity evicted after stale source")
	}
}

func TestPut_ReusesExistingSlotOnOverwrite(t *testing.T) {
	desc := newTestDescriptor(t, 4)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	entity := uuid.New()
	if err := tbl.Put(entity, uuid.New(), fillDraw(1)); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	firstSlot := tbl.occupied[entity]

	source2 := uuid.New()
	if err := tbl.Put(entity, source2, fillDraw(2)); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if tbl.occupied[entity] != firstSlot {
		t.Error("expected entity to keep the same slot across overwrite")
	}
	if len(tbl.occupied) != 1 {
		t.Errorf("expected exactly one occupied entity, got %d", len(tbl.occupied))
	}
}

func TestPut_EvictsLRUTailWhenFull(t *testing.T) {
	desc := newTestDescriptor(t, 2)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	e1, e2, e3 := uuid.New(), uuid.New(), uuid.New()
	s1, s2, s3 := uuid.New(), uuid.New(), uuid.New()

	if err := tbl.Put(e1, s1, fillDraw(1)); err != nil {
		t.Fatalf("put e1 failed: %v", err)
	}
	if err := tbl.Put(e2, s2, fillDraw(2)); err != nil {
		t.Fatalf("put e2 failed: %v", err)
	}
	// Touch e1 so e2 becomes the LRU tail.
	if v, _ := tbl.Get(e1, s1, false); v != nil {
		v.Release()
	}
	if err := tbl.Put(e3, s3, fillDraw(3)); err != nil {
		t.Fatalf("put e3 failed: %v", err)
	}

	if ok, _ := tbl.Exists(e2, s2); ok {
		t.Error("expected e2 evicted as LRU tail")
	}
	if ok, _ := tbl.Exists(e1, s1); !ok {
		t.Error("expected e1 still present")
	}
	if ok, _ := tbl.Exists(e3, s3); !ok {
		t.Error("expected e3 present")
	}
}

func TestPut_DrawFailureRevertsSlot(t *testing.T) {
	desc := newTestDescriptor(t, 2)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	boom := errors.New("boom")
	entity := uuid.New()
	err = tbl.Put(entity, uuid.New(), func(*DrawContext) error { return boom })
	if !errors.Is(err, ErrDrawFailed) {
		t.Fatalf("expected ErrDrawFailed, got %v", err)
	}
	if _, ok := tbl.occupied[entity]; ok {
		t.Error("expected failed draw to leave entity unoccupied")
	}
	if tbl.free.len() != int(desc.MaxEntries) {
		t.Errorf("expected all slots free after failed draw, got %d free", tbl.free.len())
	}
}

func TestDelete_FreesSlot(t *testing.T) {
	desc := newTestDescriptor(t, 2)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	entity := uuid.New()
	if err := tbl.Put(entity, uuid.New(), fillDraw(1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tbl.Delete(entity); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := tbl.occupied[entity]; ok {
		t.Error("expected entity removed after Delete")
	}
	if tbl.free.len() != int(desc.MaxEntries) {
		t.Error("expected slot returned to free set")
	}
}

func TestReopen_RestoresStateFromSidecar(t *testing.T) {
	dir := t.TempDir()
	desc := newTestDescriptor(t, 4)
	tbl, err := Open(desc, dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	entity, source := uuid.New(), uuid.New()
	if err := tbl.Put(entity, source, fillDraw(7)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(desc, dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	view, err := reopened.Get(entity, source, false)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if view == nil {
		t.Fatal("expected entity to survive reopen")
	}
	defer view.Release()
	if view.PixelRegion()[0] != 7 {
		t.Errorf("expected pixel 7 preserved across reopen, got %d", view.PixelRegion()[0])
	}
}

func TestReopen_IncompatibleFormatResetsTable(t *testing.T) {
	dir := t.TempDir()
	desc1 := newTestDescriptor(t, 4)
	tbl, err := Open(desc1, dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	entity := uuid.New()
	if err := tbl.Put(entity, uuid.New(), fillDraw(1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	desc2, err := format.New("thumbnail-small", "thumbnail", 16, 16, format.StyleGray8, 4, format.ProtectionNone, 1.0)
	if err != nil {
		t.Fatalf("format.New failed: %v", err)
	}
	reopened, err := Open(desc2, dir)
	if err != nil {
		t.Fatalf("reopen with new format failed: %v", err)
	}
	defer reopened.Close()

	if len(reopened.occupied) != 0 {
		t.Error("expected incompatible format to start with an empty table")
	}
}

func TestPutThenGet_AcrossMultipleChunks(t *testing.T) {
	desc := newTestDescriptor(t, 10)
	if desc.EntriesPerChunk >= desc.MaxEntries {
		t.Fatalf("test geometry doesn't span multiple chunks: entries_per_chunk=%d max_entries=%d", desc.EntriesPerChunk, desc.MaxEntries)
	}
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	entities := make([]uuid.UUID, desc.EntriesPerChunk+1)
	sources := make([]uuid.UUID, len(entities))
	for i := range entities {
		entities[i], sources[i] = uuid.New(), uuid.New()
		if err := tbl.Put(entities[i], sources[i], fillDraw(byte(i+1))); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}

	last := len(entities) - 1
	lastSlot := tbl.occupied[entities[last]]
	if desc.ChunkIndexForSlot(lastSlot) == 0 {
		t.Fatalf("expected last slot %d to land outside chunk 0, entries_per_chunk=%d", lastSlot, desc.EntriesPerChunk)
	}

	view, err := tbl.Get(entities[last], sources[last], false)
	if err != nil {
		t.Fatalf("Get on second chunk failed: %v", err)
	}
	if view == nil {
		t.Fatal("expected a hit for the second-chunk entity")
	}
	defer view.Release()
	if view.PixelRegion()[0] != byte(last+1) {
		t.Errorf("expected pixel %d, got %d", last+1, view.PixelRegion()[0])
	}
	// Every Put released its view, so only the live view's chunk is mapped.
	if tbl.mapper.MappedChunkCount() != 1 {
		t.Errorf("expected exactly 1 mapped chunk, got %d", tbl.mapper.MappedChunkCount())
	}
}

func TestReset_ClearsAllState(t *testing.T) {
	desc := newTestDescriptor(t, 2)
	tbl, err := Open(desc, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tbl.Close()

	if err := tbl.Put(uuid.New(), uuid.New(), fillDraw(1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tbl.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	stats := tbl.Stats()
	if stats.Occupied != 0 {
		t.Errorf("expected 0 occupied after reset, got %d", stats.Occupied)
	}
}

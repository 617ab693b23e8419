// Package imagetable implements the image table: a single format's
// fixed-slot, memory-mapped store, its occupied-slot index, LRU eviction
// order, and opportunistic sidecar persistence.
//
// The bidirectional entity/slot index and the two-level locking discipline
// (one mutex guarding in-memory bookkeeping, chunk mapping delegated to
// pkg/chunkmap) are grounded on the reference codebase's in-memory cache
// bookkeeping, generalized from its content-addressed block maps to a
// fixed-capacity slot table with LRU + free-slot reuse.
package imagetable

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/imagetable/internal/logger"
	"github.com/marmos91/imagetable/pkg/chunkmap"
	"github.com/marmos91/imagetable/pkg/entry"
	"github.com/marmos91/imagetable/pkg/format"
	"github.com/marmos91/imagetable/pkg/metacodec"
	"github.com/marmos91/imagetable/pkg/metrics"
)

// DrawContext is handed to a DrawFunc: the pixel region to fill, and the
// geometry it must be filled according to.
type DrawContext struct {
	Pixels   []byte
	RowBytes uint32
	Width    uint32
	Height   uint32
	Style    format.Style
}

// DrawFunc fills a freshly zeroed pixel region. A non-nil return aborts the
// Put and reverts the slot it was about to occupy.
type DrawFunc func(*DrawContext) error

// persistBatchSize bounds how many mutations accumulate before the sidecar
// is rewritten; Close always forces a final persist regardless, and Reset
// removes the sidecar instead of rewriting it.
const persistBatchSize = 8

// Table is one format's on-disk slot store.
type Table struct {
	desc *format.Descriptor
	dir  string

	tablePath   string
	sidecarPath string

	file   *os.File
	mapper *chunkmap.Mapper

	mu         sync.Mutex
	occupied   map[uuid.UUID]uint32 // entity -> slot
	slotEntity map[uint32]uuid.UUID // slot -> entity
	slotSource map[uint32]uuid.UUID // slot -> remembered source

	lru     *list.List
	lruElem map[uint32]*list.Element
	free    *freeSlotHeap

	dirty  int
	closed bool

	metrics metrics.TableMetrics
}

// Open opens or creates the table file for desc in dir, reconciling it
// against any existing sidecar. A sidecar whose schema fingerprint does not
// match desc's is discarded along with the table file it described, and the
// table starts empty (P8).
func Open(desc *format.Descriptor, dir string) (*Table, error) {
	tablePath := filepath.Join(dir, desc.Name)
	sidecarPath := tablePath + ".metadata"

	t := &Table{
		desc:        desc,
		dir:         dir,
		tablePath:   tablePath,
		sidecarPath: sidecarPath,
		occupied:    make(map[uuid.UUID]uint32),
		slotEntity:  make(map[uint32]uuid.UUID),
		slotSource:  make(map[uint32]uuid.UUID),
		lru:         list.New(),
		lruElem:     make(map[uint32]*list.Element),
		free:        newFreeSlotHeap(),
		metrics:     metrics.New(),
	}

	doc, err := metacodec.Read(sidecarPath)
	switch {
	case err == nil && desc.CompatibleWith(doc.SchemaFingerprint) && doc.MetadataVersion == format.MetadataVersion:
		t.restoreFromSidecar(doc)
	case err == nil:
		// Sidecar exists but describes an incompatible format: wipe both
		// files and start fresh rather than risk misreading stale slots.
		logger.Warn("discarding incompatible table on open", logger.KeyFormat, desc.Name, logger.KeyTable, tablePath)
		_ = os.Remove(tablePath)
		_ = os.Remove(sidecarPath)
		t.seedAllSlotsFree()
	default:
		// Missing or corrupted sidecar: treat the table as empty. Any
		// stray table file bytes are harmless since nothing is occupied.
		t.seedAllSlotsFree()
	}

	file, err := os.OpenFile(tablePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("imagetable: open table file %q: %w", tablePath, err)
	}
	t.file = file
	t.mapper = chunkmap.New(file, tablePath, desc.ChunkBytes)

	return t, nil
}

func (t *Table) seedAllSlotsFree() {
	for s := uint32(0); s < t.desc.MaxEntries; s++ {
		t.free.push(s)
	}
}

// restoreFromSidecar rebuilds the in-memory index from a compatible
// sidecar, seeding every unlisted slot into the free set and replaying the
// persisted LRU order (rank 0 = most recently used = list front, so slots
// are appended to the back in ascending rank order).
func (t *Table) restoreFromSidecar(doc metacodec.Document) {
	listed := make(map[uint32]bool, len(doc.Slots))
	ordered := append([]metacodec.SlotEntry(nil), doc.Slots...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].LRURank < ordered[i].LRURank {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, s := range ordered {
		t.occupied[s.EntityUUID] = s.Slot
		t.slotEntity[s.Slot] = s.EntityUUID
		t.slotSource[s.Slot] = s.SourceUUID
		elem := t.lru.PushBack(s.Slot)
		t.lruElem[s.Slot] = elem
		listed[s.Slot] = true
	}
	for s := uint32(0); s < t.desc.MaxEntries; s++ {
		if !listed[s] {
			t.free.push(s)
		}
	}
}

// Get returns the entry view for entity if it is present and its trailer
// matches (entity, source); nil with no error on a clean miss; non-nil
// error only on I/O failure.
func (t *Table) Get(entity, source uuid.UUID, preheat bool) (*entry.View, error) {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	slot, ok := t.occupied[entity]
	if !ok {
		t.observeGet(false, start)
		return nil, nil
	}

	view, err := t.materializeView(slot)
	if err != nil {
		return nil, err
	}

	trailer := view.Trailer()
	if trailer.EntityUUID != entity || trailer.SourceUUID != source {
		_ = view.Release()
		t.evictSlotLocked(slot)
		t.markDirtyAndMaybePersistLocked()
		t.observeGet(false, start)
		return nil, nil
	}

	t.promoteLRULocked(slot)
	if preheat {
		view.Preheat()
	}
	t.observeGet(true, start)
	return view, nil
}

// Exists reports whether entity is present with a trailer matching source,
// evicting a stale slot as a side effect (same staleness rule as Get).
func (t *Table) Exists(entity, source uuid.UUID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}

	slot, ok := t.occupied[entity]
	if !ok {
		return false, nil
	}

	view, err := t.materializeView(slot)
	if err != nil {
		return false, err
	}
	trailer := view.Trailer()
	_ = view.Release()

	if trailer.EntityUUID != entity || trailer.SourceUUID != source {
		t.evictSlotLocked(slot)
		t.markDirtyAndMaybePersistLocked()
		return false, nil
	}
	return true, nil
}

// Put draws a fresh entry for (entity, source) into a slot, reusing
// entity's existing slot if it has one, otherwise a free slot, otherwise
// evicting the LRU tail (P1, P4). On draw failure the slot is reverted to
// free and ErrDrawFailed is returned.
func (t *Table) Put(entity, source uuid.UUID, draw DrawFunc) error {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	slot := t.acquireSlotLocked(entity)

	view, err := t.materializeView(slot)
	if err != nil {
		t.evictSlotLocked(slot)
		return err
	}

	view.ZeroPixels()
	ctx := &DrawContext{
		Pixels:   view.PixelRegion(),
		RowBytes: t.desc.RowBytes,
		Width:    t.desc.Width,
		Height:   t.desc.Height,
		Style:    t.desc.Style,
	}
	if err := draw(ctx); err != nil {
		_ = view.Release()
		t.evictSlotLocked(slot)
		return fmt.Errorf("%w: %v", ErrDrawFailed, err)
	}

	view.SetTrailer(entry.Trailer{EntityUUID: entity, SourceUUID: source})
	t.occupied[entity] = slot
	t.slotEntity[slot] = entity
	t.slotSource[slot] = source
	t.promoteLRULocked(slot)

	flushErr := view.Flush()
	_ = view.Release()

	t.markDirtyAndMaybePersistLocked()
	t.observePut(start)
	return flushErr
}

// Delete removes entity from the table if present, freeing its slot.
func (t *Table) Delete(entity uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	slot, ok := t.occupied[entity]
	if !ok {
		return nil
	}
	t.evictSlotLocked(slot)
	t.markDirtyAndMaybePersistLocked()
	return nil
}

// Reset discards the table and sidecar files and reinitializes an empty
// table with the same format descriptor.
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if err := t.mapper.CloseAll(); err != nil {
		return fmt.Errorf("imagetable: reset unmap: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("imagetable: reset close: %w", err)
	}
	_ = os.Remove(t.tablePath)
	_ = os.Remove(t.sidecarPath)
	logger.Info("table reset", logger.KeyFormat, t.desc.Name, logger.KeyTable, t.tablePath)

	t.occupied = make(map[uuid.UUID]uint32)
	t.slotEntity = make(map[uint32]uuid.UUID)
	t.slotSource = make(map[uint32]uuid.UUID)
	t.lru = list.New()
	t.lruElem = make(map[uint32]*list.Element)
	t.free = newFreeSlotHeap()
	t.seedAllSlotsFree()
	t.dirty = 0

	file, err := os.OpenFile(t.tablePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("imagetable: reset reopen: %w", err)
	}
	t.file = file
	t.mapper = chunkmap.New(file, t.tablePath, t.desc.ChunkBytes)
	return nil
}

// Close persists a final sidecar snapshot and releases all table file
// resources. The table must not be used after Close.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	persistErr := t.persistLocked()
	unmapErr := t.mapper.CloseAll()
	closeErr := t.file.Close()

	if persistErr != nil {
		return persistErr
	}
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// Stats summarizes current occupancy, for diagnostics and cmd/imagetablectl.
type Stats struct {
	Format       string
	Occupied     int
	MaxEntries   uint32
	MappedChunks int
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Format:       t.desc.Name,
		Occupied:     len(t.occupied),
		MaxEntries:   t.desc.MaxEntries,
		MappedChunks: t.mapper.MappedChunkCount(),
	}
}

// acquireSlotLocked returns the slot entity should occupy: its existing
// slot if any, otherwise a free slot, otherwise the LRU tail (P4).
func (t *Table) acquireSlotLocked(entity uuid.UUID) uint32 {
	if slot, ok := t.occupied[entity]; ok {
		return slot
	}
	if t.free.len() > 0 {
		return t.free.pop()
	}
	tail := t.lru.Back()
	tailSlot := tail.Value.(uint32)
	t.evictSlotLocked(tailSlot)
	return t.free.pop()
}

// evictSlotLocked removes slot from every index, zeroes its on-disk
// trailer, and returns it to the free set.
func (t *Table) evictSlotLocked(slot uint32) {
	if entity, ok := t.slotEntity[slot]; ok {
		delete(t.occupied, entity)
		delete(t.slotEntity, slot)
	}
	delete(t.slotSource, slot)
	if elem, ok := t.lruElem[slot]; ok {
		t.lru.Remove(elem)
		delete(t.lruElem, slot)
	}

	if view, err := t.materializeView(slot); err == nil {
		view.ClearTrailer()
		_ = view.Flush()
		_ = view.Release()
	}
	if t.metrics != nil {
		t.metrics.RecordEviction(t.desc.Name)
	}
	logger.Debug("evicted slot", logger.KeyFormat, t.desc.Name, logger.KeySlot, slot)
	t.free.push(slot)
}

func (t *Table) promoteLRULocked(slot uint32) {
	if elem, ok := t.lruElem[slot]; ok {
		t.lru.MoveToFront(elem)
		return
	}
	elem := t.lru.PushFront(slot)
	t.lruElem[slot] = elem
}

func (t *Table) materializeView(slot uint32) (*entry.View, error) {
	chunkIdx := t.desc.ChunkIndexForSlot(slot)
	handle, err := t.mapper.Map(chunkIdx)
	if err != nil {
		return nil, err
	}
	region, err := handle.ByteRange(t.desc.OffsetInChunk(slot), t.desc.EntryBytes)
	if err != nil {
		_ = handle.Release()
		return nil, err
	}
	return entry.New(handle, region, slot, t.desc.RowBytes, t.desc.Height), nil
}

func (t *Table) markDirtyAndMaybePersistLocked() {
	t.dirty++
	if t.metrics != nil {
		t.metrics.RecordOccupancy(t.desc.Name, len(t.occupied), int(t.desc.MaxEntries))
		t.metrics.RecordMappedChunks(t.desc.Name, t.mapper.MappedChunkCount())
	}
	if t.dirty < persistBatchSize {
		return
	}
	_ = t.persistLocked()
}

func (t *Table) persistLocked() error {
	doc := metacodec.Document{
		SchemaFingerprint: t.desc.Fingerprint,
		MetadataVersion:   format.MetadataVersion,
		ScreenScale:       t.desc.ScreenScale,
		Slots:             make([]metacodec.SlotEntry, 0, len(t.occupied)),
	}

	rank := uint32(0)
	for elem := t.lru.Front(); elem != nil; elem = elem.Next() {
		slot := elem.Value.(uint32)
		entity := t.slotEntity[slot]
		doc.Slots = append(doc.Slots, metacodec.SlotEntry{
			Slot:       slot,
			EntityUUID: entity,
			SourceUUID: t.slotSource[slot],
			LRURank:    rank,
		})
		rank++
	}

	if err := metacodec.Write(t.sidecarPath, doc); err != nil {
		return fmt.Errorf("imagetable: persist sidecar: %w", err)
	}
	t.dirty = 0
	return nil
}

func (t *Table) observeGet(hit bool, start time.Time) {
	if t.metrics != nil {
		t.metrics.ObserveGet(t.desc.Name, hit, time.Since(start))
	}
}

func (t *Table) observePut(start time.Time) {
	if t.metrics != nil {
		t.metrics.ObservePut(t.desc.Name, time.Since(start))
	}
}

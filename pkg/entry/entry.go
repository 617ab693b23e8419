// Package entry implements the typed window over one table slot's raw
// bytes: the pixel region plus its identity trailer, and the release
// hooks that run when the view is no longer needed.
package entry

import (
	"os"

	"github.com/google/uuid"
	"github.com/marmos91/imagetable/pkg/chunkmap"
)

// Trailer is appended after every entry's pixel region and records the
// entity/source identity the slot currently holds.
type Trailer struct {
	EntityUUID uuid.UUID
	SourceUUID uuid.UUID
}

func (t Trailer) IsZero() bool {
	return t.EntityUUID == uuid.Nil && t.SourceUUID == uuid.Nil
}

// View is a movable handle over one slot's bytes inside a mapped chunk.
// It owns a cloned refcount token on the chunk (via the chunkmap.Handle)
// and must be released exactly once.
type View struct {
	handle     *chunkmap.Handle
	bytes      []byte // entry_bytes long: pixel region + trailer
	slotIndex  uint32
	rowBytes   uint32
	height     uint32
	onDrop     []func()
	released   bool
}

// New wraps a chunk handle's byte range for one slot.
func New(handle *chunkmap.Handle, bytes []byte, slotIndex, rowBytes, height uint32) *View {
	return &View{
		handle:    handle,
		bytes:     bytes,
		slotIndex: slotIndex,
		rowBytes:  rowBytes,
		height:    height,
	}
}

// SlotIndex returns the slot this view was materialized for.
func (v *View) SlotIndex() uint32 { return v.slotIndex }

// PixelRegion returns the pixel bytes (everything before the trailer),
// aliasing the mapped chunk memory directly.
func (v *View) PixelRegion() []byte {
	pixelLen := len(v.bytes) - pixelTrailerSize()
	return v.bytes[:pixelLen]
}

// RowBytes and Height describe the pixel region's stride and row count.
func (v *View) RowBytes() uint32 { return v.rowBytes }
func (v *View) Height() uint32   { return v.height }

func pixelTrailerSize() int {
	// 2 * 16-byte UUIDs, encoded as raw bytes in the trailer region.
	return 32
}

// Trailer decodes the identity trailer following the pixel region.
func (v *View) Trailer() Trailer {
	raw := v.bytes[len(v.bytes)-pixelTrailerSize():]
	var t Trailer
	copy(t.EntityUUID[:], raw[0:16])
	copy(t.SourceUUID[:], raw[16:32])
	return t
}

// SetTrailer overwrites the identity trailer.
func (v *View) SetTrailer(t Trailer) {
	raw := v.bytes[len(v.bytes)-pixelTrailerSize():]
	copy(raw[0:16], t.EntityUUID[:])
	copy(raw[16:32], t.SourceUUID[:])
}

// ClearTrailer zeroes the trailer, used when a slot is evicted or deleted.
func (v *View) ClearTrailer() {
	raw := v.bytes[len(v.bytes)-pixelTrailerSize():]
	for i := range raw {
		raw[i] = 0
	}
}

// ZeroPixels zeroes the pixel region ahead of a fresh draw.
func (v *View) ZeroPixels() {
	px := v.PixelRegion()
	for i := range px {
		px[i] = 0
	}
}

// Preheat forces the kernel to page in every OS page backing the pixel
// region by touching one byte per page, ahead of the first display draw.
// Side-effect free: safe to call off the serial work queue.
func (v *View) Preheat() {
	pageSize := os.Getpagesize()
	px := v.PixelRegion()
	var sink byte
	for i := 0; i < len(px); i += pageSize {
		sink += px[i]
	}
	_ = sink
}

// Flush calls msync(MS_ASYNC) over the owning chunk. Not required for
// correctness; required for durability against a crash shortly after write.
func (v *View) Flush() error {
	return v.handle.Sync()
}

// OnDrop registers a callback to run when Release is called, in LIFO
// order (last registered, first run), with the chunk handle released last.
func (v *View) OnDrop(fn func()) {
	v.onDrop = append(v.onDrop, fn)
}

// Release runs every registered drop hook in LIFO order, then releases
// the underlying chunk handle. Safe to call more than once; only the
// first call has effect.
func (v *View) Release() error {
	if v.released {
		return nil
	}
	v.released = true

	for i := len(v.onDrop) - 1; i >= 0; i-- {
		v.onDrop[i]()
	}
	return v.handle.Release()
}

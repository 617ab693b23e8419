// Package format implements the immutable bitmap recipe that gives an
// image table its on-disk geometry: pixel layout, row stride, entry size,
// and the chunk size chunks are grouped into.
package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Style is the pixel layout of a format's bitmap.
type Style uint8

const (
	StyleBGRA32 Style = iota
	StyleBGR32
	StyleBGR16
	StyleGray8
)

func (s Style) String() string {
	switch s {
	case StyleBGRA32:
		return "BGRA32"
	case StyleBGR32:
		return "BGR32"
	case StyleBGR16:
		return "BGR16"
	case StyleGray8:
		return "Gray8"
	default:
		return "Unknown"
	}
}

// ParseStyle parses a style name as produced by Style.String, case
// insensitively. It exists for config/flag parsing at the process edge.
func ParseStyle(name string) (Style, error) {
	switch strings.ToLower(name) {
	case "bgra32":
		return StyleBGRA32, nil
	case "bgr32":
		return StyleBGR32, nil
	case "bgr16":
		return StyleBGR16, nil
	case "gray8":
		return StyleGray8, nil
	default:
		return 0, fmt.Errorf("%w: unknown style %q", ErrInvalidFormat, name)
	}
}

// bytesPerPixel and bitsPerComponent are fixed by style.
func (s Style) bytesPerPixel() uint32 {
	switch s {
	case StyleBGRA32, StyleBGR32:
		return 4
	case StyleBGR16:
		return 2
	case StyleGray8:
		return 1
	default:
		return 0
	}
}

func (s Style) bitsPerComponent() uint32 {
	switch s {
	case StyleBGRA32, StyleBGR32, StyleGray8:
		return 8
	case StyleBGR16:
		return 5
	default:
		return 0
	}
}

func (s Style) isGrayscale() bool {
	return s == StyleGray8
}

// Protection is an opaque data-protection tag. The original platform this
// spec is distilled from ties it to OS-level file protection classes; here
// it is carried only so it participates in the schema fingerprint.
type Protection string

const (
	ProtectionNone                     Protection = "none"
	ProtectionComplete                 Protection = "complete"
	ProtectionCompleteAfterFirstUnlock Protection = "complete_after_first_unlock"
)

// TrailerSize is sizeof(Trailer): two 16-byte UUIDs.
const TrailerSize = 32

// MetadataVersion is bumped whenever the trailer or sidecar schema changes
// shape. Bumping it invalidates every pre-existing table and sidecar file.
const MetadataVersion = 1

// rowAlignment is the minimum row stride alignment, chosen to match the
// byte alignment video/compositing frameworks expect for mapped pixel
// buffers.
const rowAlignment = 64

var (
	// ErrInvalidFormat is returned by New when the requested geometry is
	// not constructible (zero width/height/max_entries).
	ErrInvalidFormat = errors.New("format: invalid geometry")
)

// Descriptor is a frozen, validated format: all derived geometry fields
// are computed once at construction and never recomputed.
type Descriptor struct {
	Name       string
	Family     string
	Width      uint32
	Height     uint32
	Style      Style
	MaxEntries uint32
	Protection Protection
	ScreenScale float64

	// Derived geometry, computed once by New.
	BytesPerPixel    uint32
	BitsPerComponent uint32
	IsGrayscale      bool
	RowBytes         uint32
	EntryPixelBytes  uint32
	EntryBytes       uint32
	EntriesPerChunk  uint32
	ChunkBytes       uint32

	// Fingerprint is the canonical serialization of the input fields above
	// (name through ScreenScale) plus MetadataVersion; the derived geometry
	// is not serialized. Two descriptors are compatible iff their
	// fingerprints are byte-identical.
	Fingerprint []byte
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align uint32) uint32 {
	if align == 0 {
		align = 1
	}
	return ((n + align - 1) / align) * align
}

// New constructs a frozen format descriptor, failing with ErrInvalidFormat
// if the geometry cannot be realized.
func New(name, family string, width, height uint32, style Style, maxEntries uint32, protection Protection, screenScale float64) (*Descriptor, error) {
	if width == 0 || height == 0 || maxEntries == 0 {
		return nil, fmt.Errorf("%w: name=%q width=%d height=%d max_entries=%d", ErrInvalidFormat, name, width, height, maxEntries)
	}

	bpp := style.bytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: name=%q unknown style %v", ErrInvalidFormat, name, style)
	}

	rowBytes := alignUp(width*bpp, rowAlignment)
	entryPixelBytes := rowBytes * height
	entryBytes := entryPixelBytes + TrailerSize

	pageSize := uint32(os.Getpagesize())
	entriesPerChunk := pageSize / entryBytes
	if entriesPerChunk == 0 {
		entriesPerChunk = 1
	}
	// Target ~4 entries per chunk when the page size allows it, but never
	// below one page.
	const targetEntriesPerChunk = 4
	if entriesPerChunk < targetEntriesPerChunk {
		wanted := entryBytes * targetEntriesPerChunk
		entriesPerChunk = alignUp(wanted, pageSize) / entryBytes
	}
	// chunkBytes must stay a multiple of the page size: every chunk after
	// the first is mmap'd at chunkIndex*chunkBytes, and mmap requires a
	// page-aligned offset. Widening to the next page can leave a trailing
	// pad past the last whole entry; entriesPerChunk is re-floored against
	// the final chunkBytes but chunkBytes itself is never shrunk back down.
	chunkBytes := alignUp(entriesPerChunk*entryBytes, pageSize)
	entriesPerChunk = chunkBytes / entryBytes

	d := &Descriptor{
		Name:             name,
		Family:           family,
		Width:            width,
		Height:           height,
		Style:            style,
		MaxEntries:       maxEntries,
		Protection:       protection,
		ScreenScale:      screenScale,
		BytesPerPixel:    bpp,
		BitsPerComponent: style.bitsPerComponent(),
		IsGrayscale:      style.isGrayscale(),
		RowBytes:         rowBytes,
		EntryPixelBytes:  entryPixelBytes,
		EntryBytes:       entryBytes,
		EntriesPerChunk:  entriesPerChunk,
		ChunkBytes:       chunkBytes,
	}
	d.Fingerprint = d.canonicalize()
	return d, nil
}

// canonicalize produces the ordered dictionary representation used as the
// schema fingerprint. Field order is fixed for life: changing it is a
// breaking change to every on-disk sidecar.
func (d *Descriptor) canonicalize() []byte {
	var buf bytes.Buffer
	writeString(&buf, d.Name)
	writeString(&buf, d.Family)
	_ = binary.Write(&buf, binary.LittleEndian, d.Width)
	_ = binary.Write(&buf, binary.LittleEndian, d.Height)
	_ = binary.Write(&buf, binary.LittleEndian, uint8(d.Style))
	_ = binary.Write(&buf, binary.LittleEndian, d.MaxEntries)
	writeString(&buf, string(d.Protection))
	_ = binary.Write(&buf, binary.LittleEndian, d.ScreenScale)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(MetadataVersion))
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

// CompatibleWith reports whether fingerprint equals d's, i.e. whether a
// table built under that fingerprint can be reused as-is for d.
func (d *Descriptor) CompatibleWith(fingerprint []byte) bool {
	return bytes.Equal(d.Fingerprint, fingerprint)
}

// SlotOffset returns the byte offset of slot i within the table file,
// accounting for the per-chunk padding past the last whole entry in a
// chunk (chunks are laid out back to back at ChunkBytes stride, not
// entries packed flat across chunk boundaries).
func (d *Descriptor) SlotOffset(slot uint32) uint64 {
	return uint64(d.ChunkIndexForSlot(slot))*uint64(d.ChunkBytes) + uint64(d.OffsetInChunk(slot))
}

// ChunkIndexForSlot returns the owning chunk of slot i.
func (d *Descriptor) ChunkIndexForSlot(slot uint32) uint32 {
	return slot / d.EntriesPerChunk
}

// OffsetInChunk returns the byte offset of slot i within its owning chunk.
func (d *Descriptor) OffsetInChunk(slot uint32) uint32 {
	return (slot % d.EntriesPerChunk) * d.EntryBytes
}

// ChunkCount returns the number of chunks needed to hold MaxEntries slots.
func (d *Descriptor) ChunkCount() uint32 {
	return (d.MaxEntries + d.EntriesPerChunk - 1) / d.EntriesPerChunk
}

// FileSize returns the table file size needed to hold every chunk.
func (d *Descriptor) FileSize() uint64 {
	return uint64(d.ChunkCount()) * uint64(d.ChunkBytes)
}

package coordinator

import (
	"github.com/google/uuid"

	"github.com/marmos91/imagetable/pkg/entry"
	"github.com/marmos91/imagetable/pkg/imagetable"
)

// Bitmap is an opaque source image handed from a Delegate's source fetch (or
// a caller's SetImage call) to an Entity's drawing block. The coordinator
// never inspects its contents.
type Bitmap any

// Entity is the collaborator surface a caller implements to describe one
// cacheable logical item.
type Entity interface {
	UUID() uuid.UUID
	SourceUUID() uuid.UUID
	// SourceURL is opaque to the coordinator; used only to key external
	// fetches performed by the caller's Delegate.
	SourceURL(formatName string) (string, bool)
	// DrawingBlock returns the callback that paints source into a table
	// slot for formatName, or nil if this entity has no drawing for that
	// format (the format is skipped during family fan-out).
	DrawingBlock(source Bitmap, formatName string) DrawFunc
	// ImageForFormat is an optional synchronous source shortcut; an entity
	// that has no synchronous source returns (nil, false).
	ImageForFormat(formatName string) (Bitmap, bool)
}

// Delegate is the collaborator surface that supplies source bitmaps and
// receives coordinator-level notifications.
type Delegate interface {
	// WantSource asynchronously fetches the source bitmap backing entity
	// for formatName's family and reports it via cb exactly once.
	WantSource(c *Coordinator, entity Entity, formatName string, cb func(Bitmap))
	// CancelSource advises that no outstanding waiter still needs the
	// fetch started by WantSource for (entity, formatName).
	CancelSource(c *Coordinator, entity Entity, formatName string)
	// ShouldProcessFamily reports whether a fetched source should be drawn
	// into every sibling format in family, or only the one requested.
	ShouldProcessFamily(c *Coordinator, family string, entity Entity) bool
	// Error reports an internally recovered failure.
	Error(c *Coordinator, message string)
}

// Image is the handle returned to a caller on a successful retrieval: a
// read-only window over mapped pixel bytes, kept valid by a retained entry
// view. Callers must call Release when done.
type Image struct {
	view   *entry.View
	format string
}

// Pixels returns the entry's pixel bytes. Callers must not write through
// this slice: the coordinator only guarantees correctness for reads.
func (img *Image) Pixels() []byte { return img.view.PixelRegion() }

// RowBytes and Height describe the pixel region's layout.
func (img *Image) RowBytes() uint32 { return img.view.RowBytes() }
func (img *Image) Height() uint32   { return img.view.Height() }

// Format is the name of the table this image was drawn into.
func (img *Image) Format() string { return img.format }

// Release returns the underlying chunk mapping. Safe to call more than once.
func (img *Image) Release() error { return img.view.Release() }

// DrawFunc and DrawContext are re-exported from pkg/imagetable so Entity
// implementations don't need to import it directly.
type DrawFunc = imagetable.DrawFunc
type DrawContext = imagetable.DrawContext

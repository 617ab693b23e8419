// Package metacodec implements the crash-safe sidecar file that lets an
// image table's occupied-slot index survive a process restart without
// replaying every table slot's trailer. Persistence follows a
// write-temp-then-fsync-then-rename sequence; the header layout mirrors
// the reference codebase's write-ahead-log header style (magic, version,
// length-prefixed fields) adapted to a single-shot document instead of an
// append-only log, since a sidecar is small enough to rewrite wholesale on
// every batch.
package metacodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	magic         uint32 = 0x46494354 // "FICT"
	currentFormat uint16 = 1
)

// ErrCorrupted is returned by Read when the sidecar exists but cannot be
// decoded. Callers should treat this the same as ErrNotExist: discard the
// sidecar and rebuild the index from an empty table.
var ErrCorrupted = errors.New("metacodec: corrupted sidecar")

// SlotEntry is one occupied slot's identity and recency, as persisted.
type SlotEntry struct {
	Slot       uint32
	EntityUUID uuid.UUID
	SourceUUID uuid.UUID
	LRURank    uint32 // 0 is most recently used
}

// Document is the full sidecar contents for one image table.
type Document struct {
	SchemaFingerprint []byte
	MetadataVersion   uint32
	ScreenScale       float64
	Slots             []SlotEntry
}

// Write persists doc to path via a temp-file-then-rename sequence: the
// rename is atomic with respect to any concurrent reader, so a reader
// never observes a half-written sidecar.
func Write(path string, doc Document) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sidecar-*.tmp")
	if err != nil {
		return fmt.Errorf("metacodec: create temp sidecar: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := encode(tmp, doc); err != nil {
		tmp.Close()
		return fmt.Errorf("metacodec: encode sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("metacodec: fsync sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metacodec: close sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("metacodec: rename sidecar: %w", err)
	}
	return nil
}

func encode(w io.Writer, doc Document) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, currentFormat); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(doc.SchemaFingerprint))); err != nil {
		return err
	}
	buf.Write(doc.SchemaFingerprint)
	if err := binary.Write(&buf, binary.LittleEndian, doc.MetadataVersion); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, doc.ScreenScale); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(doc.Slots))); err != nil {
		return err
	}
	for _, s := range doc.Slots {
		if err := binary.Write(&buf, binary.LittleEndian, s.Slot); err != nil {
			return err
		}
		buf.Write(s.EntityUUID[:])
		buf.Write(s.SourceUUID[:])
		if err := binary.Write(&buf, binary.LittleEndian, s.LRURank); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Read loads and decodes the sidecar at path. A missing file returns
// os.ErrNotExist unwrapped so callers can use os.IsNotExist. Any decode
// failure returns ErrCorrupted wrapping the underlying cause.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	doc, err := decode(data)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return doc, nil
}

func decode(data []byte) (Document, error) {
	r := bytes.NewReader(data)
	var gotMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return Document{}, err
	}
	if gotMagic != magic {
		return Document{}, fmt.Errorf("bad magic %x", gotMagic)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Document{}, err
	}
	if version != currentFormat {
		return Document{}, fmt.Errorf("unsupported sidecar version %d", version)
	}

	var fpLen uint32
	if err := binary.Read(r, binary.LittleEndian, &fpLen); err != nil {
		return Document{}, err
	}
	fingerprint := make([]byte, fpLen)
	if _, err := io.ReadFull(r, fingerprint); err != nil {
		return Document{}, err
	}

	var doc Document
	doc.SchemaFingerprint = fingerprint
	if err := binary.Read(r, binary.LittleEndian, &doc.MetadataVersion); err != nil {
		return Document{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &doc.ScreenScale); err != nil {
		return Document{}, err
	}

	var slotCount uint32
	if err := binary.Read(r, binary.LittleEndian, &slotCount); err != nil {
		return Document{}, err
	}
	doc.Slots = make([]SlotEntry, slotCount)
	for i := range doc.Slots {
		var s SlotEntry
		if err := binary.Read(r, binary.LittleEndian, &s.Slot); err != nil {
			return Document{}, err
		}
		if _, err := io.ReadFull(r, s.EntityUUID[:]); err != nil {
			return Document{}, err
		}
		if _, err := io.ReadFull(r, s.SourceUUID[:]); err != nil {
			return Document{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.LRURank); err != nil {
			return Document{}, err
		}
		doc.Slots[i] = s
	}
	return doc, nil
}

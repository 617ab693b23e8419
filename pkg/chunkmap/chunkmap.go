// Package chunkmap implements the chunk-mapping subsystem: it lazily mmaps
// fixed-size byte ranges of a table file, hands out reference-counted
// handles, and unmaps a chunk once its last handle is released.
//
// Mechanics (open/ftruncate/mmap/munmap/msync) are grounded on the mmap
// persister in the reference codebase's write-ahead-log package, adapted
// from a variable-length slice format to fixed-size chunk windows.
package chunkmap

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// IOErrorKind distinguishes the stage at which a chunk-mapper I/O
// operation failed.
type IOErrorKind int

const (
	OpenFailed IOErrorKind = iota
	MmapFailed
	ExtendFailed
)

func (k IOErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "open_failed"
	case MmapFailed:
		return "mmap_failed"
	case ExtendFailed:
		return "extend_failed"
	default:
		return "unknown"
	}
}

// IOError wraps a lower-level error with the stage and path it occurred at.
type IOError struct {
	Kind IOErrorKind
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("chunkmap: %s on %q: %v", e.Kind, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// mapping is one live mmap'd chunk window.
type mapping struct {
	data     []byte
	refcount int32
}

// Mapper owns the table file descriptor and the table of currently-mapped
// chunks. One Mapper belongs to exactly one Table for the process's
// lifetime; it does no multi-process locking.
type Mapper struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	chunkBytes uint32
	chunks     map[uint32]*mapping
}

// New creates a chunk mapper over an already-open table file.
func New(file *os.File, path string, chunkBytes uint32) *Mapper {
	return &Mapper{
		file:       file,
		path:       path,
		chunkBytes: chunkBytes,
		chunks:     make(map[uint32]*mapping),
	}
}

// Handle is a reference-counted window into one mapped chunk.
type Handle struct {
	mapper     *Mapper
	chunkIndex uint32
	data       []byte
	released   bool
}

// Map returns a handle to chunkIndex, mapping it on first touch and
// pre-extending the backing file via ftruncate if the chunk's byte range
// does not yet exist. If the chunk is already mapped, its refcount is
// incremented and a new handle over the same mapping is returned.
func (m *Mapper) Map(chunkIndex uint32) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.chunks[chunkIndex]; ok {
		existing.refcount++
		return &Handle{mapper: m, chunkIndex: chunkIndex, data: existing.data}, nil
	}

	offset := int64(chunkIndex) * int64(m.chunkBytes)
	needed := offset + int64(m.chunkBytes)

	info, err := m.file.Stat()
	if err != nil {
		return nil, &IOError{Kind: OpenFailed, Path: m.path, Err: err}
	}
	if info.Size() < needed {
		if err := m.file.Truncate(needed); err != nil {
			return nil, &IOError{Kind: ExtendFailed, Path: m.path, Err: err}
		}
	}

	data, err := unix.Mmap(int(m.file.Fd()), offset, int(m.chunkBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &IOError{Kind: MmapFailed, Path: m.path, Err: err}
	}

	m.chunks[chunkIndex] = &mapping{data: data, refcount: 1}
	return &Handle{mapper: m, chunkIndex: chunkIndex, data: data}, nil
}

// RefCount returns the current refcount for chunkIndex, or 0 if unmapped.
// Exposed for tests verifying the chunk-accounting invariant (P10).
func (m *Mapper) RefCount(chunkIndex uint32) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.chunks[chunkIndex]; ok {
		return mp.refcount
	}
	return 0
}

// MappedChunkCount returns how many distinct chunks are currently mapped.
func (m *Mapper) MappedChunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// CloseAll force-unmaps every currently-mapped chunk, regardless of
// outstanding refcounts. Used by Table.Reset/Close during teardown.
func (m *Mapper) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for idx, mp := range m.chunks {
		if err := unix.Munmap(mp.data); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.chunks, idx)
	}
	return firstErr
}

// ByteRange returns a bounds-checked byte window into the handle's mapped
// chunk, aliasing the mapped memory directly (no copy).
func (h *Handle) ByteRange(offset, length uint32) ([]byte, error) {
	if h.released {
		return nil, fmt.Errorf("chunkmap: use of released handle for chunk %d", h.chunkIndex)
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(h.data)) {
		return nil, fmt.Errorf("chunkmap: byte range [%d,%d) out of bounds for chunk of %d bytes", offset, end, len(h.data))
	}
	return h.data[offset:end], nil
}

// Sync calls msync(MS_ASYNC) over the handle's mapped region.
func (h *Handle) Sync() error {
	if h.released || len(h.data) == 0 {
		return nil
	}
	return unix.Msync(h.data, unix.MS_ASYNC)
}

// Release decrements the chunk's refcount, munmapping and evicting it from
// the mapper's chunk table when the last handle is released (invariant I5).
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true

	h.mapper.mu.Lock()
	defer h.mapper.mu.Unlock()

	mp, ok := h.mapper.chunks[h.chunkIndex]
	if !ok {
		return nil
	}
	mp.refcount--
	if mp.refcount > 0 {
		return nil
	}

	delete(h.mapper.chunks, h.chunkIndex)
	return unix.Munmap(mp.data)
}

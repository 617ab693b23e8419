// Package coordinator implements the cache coordinator: it owns one image
// table per format, deduplicates concurrent requests for the same
// (entity, format) pair, and fans a single source delivery out to every
// sibling format in a family.
//
// The pending-request map keyed by (entity, format) and completed by a
// fan-out over family siblings is grounded on the spec's continuation-
// passing source-fetch pattern (see SPEC_FULL.md §9 "Coroutine-like
// callbacks"); the single-goroutine serial queue realizing "all coordinator
// state mutations happen on the serial queue" is internal/workqueue,
// grounded on the reference codebase's background flush-loop goroutine.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/imagetable/internal/logger"
	"github.com/marmos91/imagetable/internal/workqueue"
	"github.com/marmos91/imagetable/pkg/format"
	"github.com/marmos91/imagetable/pkg/imagetable"
	"github.com/marmos91/imagetable/pkg/metrics"
)

// RetrieveMode controls whether a cache hit completes on the calling
// goroutine or is posted to the main completion queue.
type RetrieveMode int

const (
	SyncIfHot RetrieveMode = iota
	AlwaysAsync
)

type pendingKey struct {
	entity uuid.UUID
	format string
}

type pendingRequest struct {
	waiters   []func(*Image)
	cancelled bool
}

// Coordinator owns a namespace's worth of image tables and the
// request-coalescing state above them.
type Coordinator struct {
	namespace string
	dir       string

	// Post delivers a completion to the caller's main completion queue.
	// Defaults to a direct synchronous call when nil.
	Post func(func())

	delegate Delegate
	queue    *workqueue.Queue
	metrics  metrics.CoordinatorMetrics

	formatsSet   bool
	tables       map[string]*imagetable.Table
	familyIndex  map[string][]string // family -> formats, insertion order
	formatFamily map[string]string   // format -> family

	pending map[pendingKey]*pendingRequest

	closeOnce sync.Once
}

// New constructs a coordinator. dir is the directory image tables are
// opened in (already resolved per SPEC_FULL.md §6's directory precedence).
func New(namespace, dir string, delegate Delegate) *Coordinator {
	return &Coordinator{
		namespace:    namespace,
		dir:          dir,
		delegate:     delegate,
		queue:        workqueue.New(32),
		metrics:      metrics.NewCoordinatorMetrics(),
		tables:       make(map[string]*imagetable.Table),
		familyIndex:  make(map[string][]string),
		formatFamily: make(map[string]string),
		pending:      make(map[pendingKey]*pendingRequest),
	}
}

// SetFormats opens one table per format, grouped by family. Idempotent:
// only the first call is honored. A per-format open failure is routed to
// the delegate's Error sink and that format is omitted.
func (c *Coordinator) SetFormats(formats []*format.Descriptor) {
	_ = c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
		if c.formatsSet {
			return nil
		}
		c.formatsSet = true

		for _, desc := range formats {
			tbl, err := imagetable.Open(desc, c.dir)
			if err != nil {
				c.reportError(fmt.Sprintf("open table %q: %v", desc.Name, err))
				continue
			}
			c.tables[desc.Name] = tbl

			family := desc.Family
			if family == "" {
				family = desc.Name
			}
			c.familyIndex[family] = append(c.familyIndex[family], desc.Name)
			c.formatFamily[desc.Name] = family
		}
		return nil
	})
}

// Retrieve resolves (entity, formatName) against the cache, completing
// synchronously on a hit in SyncIfHot mode, or via Post otherwise.
// Returns true iff the call was a cache hit (in either mode); a miss, an
// unknown format or a coalesced request returns false.
func (c *Coordinator) Retrieve(entity Entity, formatName string, mode RetrieveMode, completion func(*Image)) bool {
	var (
		tableMissing bool
		hitImage     *Image
		coalesced    bool
	)

	_ = c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
		tbl, ok := c.tables[formatName]
		if !ok {
			tableMissing = true
			return nil
		}

		entityUUID := entity.UUID()
		sourceUUID := entity.SourceUUID()

		view, err := tbl.Get(entityUUID, sourceUUID, true)
		if err != nil {
			c.reportError(fmt.Sprintf("retrieve %q: %v", formatName, err))
			tableMissing = true
			return nil
		}
		if view != nil {
			hitImage = &Image{view: view, format: formatName}
			return nil
		}

		key := pendingKey{entity: entityUUID, format: formatName}
		if pr, exists := c.pending[key]; exists && !pr.cancelled {
			pr.waiters = append(pr.waiters, completion)
			coalesced = true
			return nil
		}

		// No live pending request for this key: either none existed, or
		// the only one was cancelled by another caller. A cancelled
		// request silences its own waiters but must not silence a fresh
		// retrieve for the same key (P9), so it starts a new one.
		c.pending[key] = &pendingRequest{waiters: []func(*Image){completion}}
		c.beginSourceAcquisitionLocked(entity, formatName)
		return nil
	})

	if tableMissing {
		completion(nil)
		return false
	}
	if hitImage != nil {
		if c.metrics != nil {
			c.metrics.RecordRetrieve(formatName, true)
		}
		if mode == SyncIfHot {
			completion(hitImage)
		} else {
			c.post(func() { completion(hitImage) })
		}
		return true
	}

	if c.metrics != nil {
		c.metrics.RecordRetrieve(formatName, false)
		if coalesced {
			c.metrics.RecordCoalesced(formatName)
		}
	}
	return false
}

// beginSourceAcquisitionLocked must run on the serial queue. It asks the
// delegate for a source bitmap and schedules the fan-out once it arrives.
func (c *Coordinator) beginSourceAcquisitionLocked(entity Entity, formatName string) {
	if c.delegate == nil {
		c.reportError(fmt.Sprintf("retrieve %q: no delegate configured to fetch a source", formatName))
		return
	}
	start := time.Now()
	c.delegate.WantSource(c, entity, formatName, func(source Bitmap) {
		if c.metrics != nil {
			c.metrics.RecordSourceFetch(formatName, time.Since(start))
		}
		_ = c.queue.Submit(func(ctx context.Context) error {
			entityUUID := entity.UUID()
			key := pendingKey{entity: entityUUID, format: formatName}
			pr, ok := c.pending[key]
			if !ok || pr.cancelled {
				return nil // I7: drop the source, perform no completions
			}
			c.deliverSourceLocked(entity, formatName, source)
			return nil
		})
	})
}

// deliverSourceLocked must run on the serial queue. It draws source into
// every eligible family sibling and completes waiters for each.
func (c *Coordinator) deliverSourceLocked(entity Entity, formatName string, source Bitmap) {
	entityUUID := entity.UUID()
	sourceUUID := entity.SourceUUID()
	family := c.formatFamily[formatName]

	targets := []string{formatName}
	if c.delegate != nil && c.delegate.ShouldProcessFamily(c, family, entity) {
		if siblings, ok := c.familyIndex[family]; ok {
			targets = siblings
		}
	}

	drawn := 0
	for _, f := range targets {
		draw := entity.DrawingBlock(source, f)
		if draw == nil {
			continue
		}
		tbl, ok := c.tables[f]
		if !ok {
			continue
		}
		if err := tbl.Put(entityUUID, sourceUUID, draw); err != nil {
			c.reportError(fmt.Sprintf("put %q: %v", f, err))
			c.failWaitersLocked(entityUUID, f)
			continue
		}
		drawn++
		c.completeWaitersLocked(entityUUID, sourceUUID, f)
	}
	if c.metrics != nil {
		c.metrics.RecordFamilyFanout(family, drawn)
	}
}

// completeWaitersLocked must run on the serial queue. Each waiter gets its
// own retained view so releasing one Image never affects another.
func (c *Coordinator) completeWaitersLocked(entityUUID, sourceUUID uuid.UUID, formatName string) {
	key := pendingKey{entity: entityUUID, format: formatName}
	pr, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	if pr.cancelled {
		return // I7: no completion callbacks for a cancelled request
	}

	tbl := c.tables[formatName]
	for _, waiter := range pr.waiters {
		w := waiter
		view, err := tbl.Get(entityUUID, sourceUUID, false)
		if err != nil || view == nil {
			c.post(func() { w(nil) })
			continue
		}
		img := &Image{view: view, format: formatName}
		c.post(func() { w(img) })
	}
}

func (c *Coordinator) failWaitersLocked(entityUUID uuid.UUID, formatName string) {
	key := pendingKey{entity: entityUUID, format: formatName}
	pr, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	if pr.cancelled {
		return
	}
	for _, waiter := range pr.waiters {
		w := waiter
		c.post(func() { w(nil) })
	}
}

// Cancel marks the pending request for (entity, formatName) cancelled; its
// waiters will never be completed. Fires CancelSource once, on the first
// cancellation of the key.
func (c *Coordinator) Cancel(entity Entity, formatName string) {
	_ = c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
		key := pendingKey{entity: entity.UUID(), format: formatName}
		pr, ok := c.pending[key]
		if !ok || pr.cancelled {
			return nil
		}
		pr.cancelled = true
		logger.Debug("cancelled pending request", logger.KeyFormat, formatName, logger.KeyEntity, entity.UUID().String())
		if c.metrics != nil {
			c.metrics.RecordCancellation(formatName)
		}
		if c.delegate != nil {
			c.delegate.CancelSource(c, entity, formatName)
		}
		return nil
	})
}

// SetImage is a synchronous-source bypass: equivalent to the miss path
// having already produced source via delegate fetch.
func (c *Coordinator) SetImage(entity Entity, formatName string, source Bitmap, completion func(*Image)) bool {
	var tableFound bool
	_ = c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
		if _, ok := c.tables[formatName]; !ok {
			return nil
		}
		tableFound = true

		entityUUID := entity.UUID()
		key := pendingKey{entity: entityUUID, format: formatName}
		if pr, exists := c.pending[key]; exists && !pr.cancelled {
			pr.waiters = append(pr.waiters, completion)
		} else {
			c.pending[key] = &pendingRequest{waiters: []func(*Image){completion}}
		}
		c.deliverSourceLocked(entity, formatName, source)
		return nil
	})
	if !tableFound {
		completion(nil)
	}
	return tableFound
}

// DeleteImage removes entity's entry from formatName's table, if present.
func (c *Coordinator) DeleteImage(entity Entity, formatName string) error {
	return c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
		tbl, ok := c.tables[formatName]
		if !ok {
			return nil
		}
		return tbl.Delete(entity.UUID())
	})
}

// Reset resets every table and discards all pending requests.
func (c *Coordinator) Reset() error {
	return c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
		for _, tbl := range c.tables {
			if err := tbl.Reset(); err != nil {
				return err
			}
		}
		c.pending = make(map[pendingKey]*pendingRequest)
		return nil
	})
}

// Close stops the serial queue and closes every table. The coordinator
// must not be used afterward.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.queue.SubmitWait(context.Background(), func(ctx context.Context) error {
			for _, tbl := range c.tables {
				if cerr := tbl.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
			return nil
		})
		c.queue.Stop()
	})
	return err
}

func (c *Coordinator) post(fn func()) {
	if c.Post != nil {
		c.Post(fn)
		return
	}
	fn()
}

func (c *Coordinator) reportError(message string) {
	logger.Error(message, logger.KeyOperation, "coordinator")
	if c.delegate != nil {
		c.delegate.Error(c, message)
	}
}

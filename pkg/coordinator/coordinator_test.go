package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imagetable/pkg/format"
)

type fakeEntity struct {
	id, src uuid.UUID
	draws   map[string]DrawFunc
}

func (e *fakeEntity) UUID() uuid.UUID                          { return e.id }
func (e *fakeEntity) SourceUUID() uuid.UUID                    { return e.src }
func (e *fakeEntity) SourceURL(string) (string, bool)          { return "", false }
func (e *fakeEntity) ImageForFormat(string) (Bitmap, bool)     { return nil, false }
func (e *fakeEntity) DrawingBlock(_ Bitmap, formatName string) DrawFunc {
	return e.draws[formatName]
}

func fillDraw(value byte) DrawFunc {
	return func(ctx *DrawContext) error {
		for i := range ctx.Pixels {
			ctx.Pixels[i] = value
		}
		return nil
	}
}

// fakeDelegate resolves WantSource synchronously, good enough for the hit
// and basic miss-path tests.
type fakeDelegate struct {
	mu              sync.Mutex
	wantSourceCalls int
	cancelCalls     int
	shouldFanout    bool
	errors          []string
}

func (d *fakeDelegate) WantSource(c *Coordinator, entity Entity, formatName string, cb func(Bitmap)) {
	d.mu.Lock()
	d.wantSourceCalls++
	d.mu.Unlock()
	cb("source-bytes")
}
func (d *fakeDelegate) CancelSource(*Coordinator, Entity, string) {
	d.mu.Lock()
	d.cancelCalls++
	d.mu.Unlock()
}
func (d *fakeDelegate) ShouldProcessFamily(*Coordinator, string, Entity) bool { return d.shouldFanout }
func (d *fakeDelegate) Error(_ *Coordinator, msg string) {
	d.mu.Lock()
	d.errors = append(d.errors, msg)
	d.mu.Unlock()
}

// blockingDelegate defers WantSource's callback until release is closed,
// letting a test observe the coalescing window deterministically.
type blockingDelegate struct {
	fakeDelegate
	release chan struct{}
}

func (d *blockingDelegate) WantSource(c *Coordinator, entity Entity, formatName string, cb func(Bitmap)) {
	d.mu.Lock()
	d.wantSourceCalls++
	d.mu.Unlock()
	go func() {
		<-d.release
		cb("source-bytes")
	}()
}

func newTestFormat(t *testing.T, name, family string, maxEntries uint32) *format.Descriptor {
	t.Helper()
	d, err := format.New(name, family, 4, 4, format.StyleGray8, maxEntries, format.ProtectionNone, 1.0)
	require.NoError(t, err)
	return d
}

func TestRetrieve_MissThenHit(t *testing.T) {
	desc := newTestFormat(t, "thumb", "x", 4)
	delegate := &fakeDelegate{}
	c := New("test", t.TempDir(), delegate)
	defer c.Close()
	c.SetFormats([]*format.Descriptor{desc})

	entity := &fakeEntity{id: uuid.New(), src: uuid.New(), draws: map[string]DrawFunc{"thumb": fillDraw(0xAB)}}

	done := make(chan *Image, 1)
	ok := c.Retrieve(entity, "thumb", AlwaysAsync, func(img *Image) { done <- img })
	assert.False(t, ok, "miss path returns false")

	select {
	case img := <-done:
		require.NotNil(t, img)
		assert.Equal(t, byte(0xAB), img.Pixels()[0])
		img.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.Equal(t, 1, delegate.wantSourceCalls)

	var hit *Image
	ok2 := c.Retrieve(entity, "thumb", SyncIfHot, func(img *Image) { hit = img })
	assert.True(t, ok2)
	require.NotNil(t, hit)
	assert.Equal(t, byte(0xAB), hit.Pixels()[0])
	hit.Release()
	assert.Equal(t, 1, delegate.wantSourceCalls, "hit must not trigger a second fetch")
}

func TestRetrieve_UnknownFormatMissesImmediately(t *testing.T) {
	delegate := &fakeDelegate{}
	c := New("test", t.TempDir(), delegate)
	defer c.Close()
	c.SetFormats(nil)

	entity := &fakeEntity{id: uuid.New(), src: uuid.New()}
	var got *Image
	called := false
	ok := c.Retrieve(entity, "nonexistent", SyncIfHot, func(img *Image) { got = img; called = true })
	assert.False(t, ok)
	assert.True(t, called)
	assert.Nil(t, got)
}

func TestRetrieve_Coalescing(t *testing.T) {
	desc := newTestFormat(t, "thumb", "x", 4)
	delegate := &blockingDelegate{release: make(chan struct{})}
	c := New("test", t.TempDir(), delegate)
	defer c.Close()
	c.SetFormats([]*format.Descriptor{desc})

	entity := &fakeEntity{id: uuid.New(), src: uuid.New(), draws: map[string]DrawFunc{"thumb": fillDraw(0x11)}}

	done := make(chan *Image, 2)
	ok1 := c.Retrieve(entity, "thumb", AlwaysAsync, func(img *Image) { done <- img })
	ok2 := c.Retrieve(entity, "thumb", AlwaysAsync, func(img *Image) { done <- img })
	assert.False(t, ok1)
	assert.False(t, ok2)

	assert.Equal(t, 1, delegate.wantSourceCalls, "coalesced waiters must trigger exactly one fetch")
	close(delegate.release)

	for i := 0; i < 2; i++ {
		select {
		case img := <-done:
			require.NotNil(t, img)
			assert.Equal(t, byte(0x11), img.Pixels()[0])
			img.Release()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for coalesced completion")
		}
	}
}

func TestCancel_SilencesCompletion(t *testing.T) {
	desc := newTestFormat(t, "thumb", "x", 4)
	delegate := &blockingDelegate{release: make(chan struct{})}
	c := New("test", t.TempDir(), delegate)
	defer c.Close()
	c.SetFormats([]*format.Descriptor{desc})

	entity := &fakeEntity{id: uuid.New(), src: uuid.New(), draws: map[string]DrawFunc{"thumb": fillDraw(0x22)}}

	called := false
	ok := c.Retrieve(entity, "thumb", AlwaysAsync, func(img *Image) { called = true })
	assert.False(t, ok)

	c.Cancel(entity, "thumb")
	close(delegate.release)

	// Give the queued delivery a chance to run; it must not complete.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, called, "cancelled request must never complete")
	assert.Equal(t, 1, delegate.cancelCalls)
}

func TestFamilyFanOut(t *testing.T) {
	small := newTestFormat(t, "small", "x", 4)
	large := newTestFormat(t, "large", "x", 4)
	delegate := &fakeDelegate{shouldFanout: true}
	c := New("test", t.TempDir(), delegate)
	defer c.Close()
	c.SetFormats([]*format.Descriptor{small, large})

	entity := &fakeEntity{
		id:  uuid.New(),
		src: uuid.New(),
		draws: map[string]DrawFunc{
			"small": fillDraw(1),
			"large": fillDraw(2),
		},
	}

	done := make(chan *Image, 1)
	c.Retrieve(entity, "small", AlwaysAsync, func(img *Image) { done <- img })
	select {
	case img := <-done:
		require.NotNil(t, img)
		img.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	var hit *Image
	ok := c.Retrieve(entity, "large", SyncIfHot, func(img *Image) { hit = img })
	assert.True(t, ok, "family fan-out should have already populated large")
	require.NotNil(t, hit)
	assert.Equal(t, byte(2), hit.Pixels()[0])
	hit.Release()
	assert.Equal(t, 1, delegate.wantSourceCalls)
}

func TestDeleteImage_RemovesEntry(t *testing.T) {
	desc := newTestFormat(t, "thumb", "x", 4)
	delegate := &fakeDelegate{}
	c := New("test", t.TempDir(), delegate)
	defer c.Close()
	c.SetFormats([]*format.Descriptor{desc})

	entity := &fakeEntity{id: uuid.New(), src: uuid.New(), draws: map[string]DrawFunc{"thumb": fillDraw(9)}}
	ok := c.SetImage(entity, "thumb", "src", func(*Image) {})
	require.True(t, ok)

	require.NoError(t, c.DeleteImage(entity, "thumb"))

	// A deleted entry misses: Retrieve returns false and asks the delegate
	// for the source again; the completion arrives after the redraw.
	done := make(chan *Image, 1)
	ok = c.Retrieve(entity, "thumb", SyncIfHot, func(img *Image) { done <- img })
	assert.False(t, ok, "retrieve after delete must miss")
	select {
	case img := <-done:
		if img != nil {
			img.Release()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.Equal(t, 2, delegate.wantSourceCalls, "miss after delete must fetch the source again")
}

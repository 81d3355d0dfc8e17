// Package tile holds the raster tile entity, its zoom pyramid and the
// per-engine registry that owns every live tile.
package tile

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb/maptile"
	"golang.org/x/image/draw"
)

// Status is the lifecycle state of a tile.
type Status int32

const (
	StatusNone Status = iota
	StatusLoading
	StatusLoaded
	StatusError
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusError:
		return "error"
	case StatusDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Ref names one incarnation of a tile. A key that is evicted and created
// again gets a new generation, so a stale Ref never matches the new tile.
type Ref struct {
	Key maptile.Tile
	Gen uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%d/%d/%d#%d", r.Key.Z, r.Key.X, r.Key.Y, r.Gen)
}

// Tile is one raster cell. Parent and child links are flags naming
// neighbours by key; the registry resolves them.
type Tile struct {
	key    maptile.Tile
	gen    uint64
	status atomic.Int32
	pool   *Pool

	mu  sync.Mutex
	pix *image.RGBA

	// guarded by the owning registry
	used     bool
	parent   bool
	children [4]bool
}

func (t *Tile) reset(key maptile.Tile, gen uint64, pool *Pool) {
	t.key = key
	t.gen = gen
	t.pool = pool
	t.status.Store(int32(StatusNone))
	t.pix = nil
	t.used = false
	t.parent = false
	t.children = [4]bool{}
}

// Key returns the normalized coordinates of the tile.
func (t *Tile) Key() maptile.Tile {
	return t.key
}

// Ref returns the key and generation of this incarnation.
func (t *Tile) Ref() Ref {
	return Ref{Key: t.key, Gen: t.gen}
}

func (t *Tile) Status() Status {
	return Status(t.status.Load())
}

// hasParent reports whether the tile is linked to its parent.
func (t *Tile) hasParent() bool {
	return t.parent
}

// linkedChildren returns the keys of linked children.
func (t *Tile) linkedChildren() []maptile.Tile {
	var out []maptile.Tile
	for q, ok := range t.children {
		if ok {
			out = append(out, Child(t.key, q))
		}
	}
	return out
}

// SetParent links t and p in both directions. p must be the tile one zoom
// level up that covers t. The caller holds the registry lock.
func (t *Tile) SetParent(p *Tile) error {
	want, ok := Parent(t.key)
	if !ok || p.key != want {
		return fmt.Errorf("%w: %v is not the parent of %v", ErrOutOfRange, p.key, t.key)
	}
	t.parent = true
	p.children[Quadrant(t.key)] = true
	return nil
}

func (t *Tile) beginLoad() bool {
	return t.status.CompareAndSwap(int32(StatusNone), int32(StatusLoading))
}

// fail moves a loading tile to StatusError.
func (t *Tile) fail() bool {
	return t.status.CompareAndSwap(int32(StatusLoading), int32(StatusError))
}

// SetColors installs a decoded pixel buffer and marks the tile loaded. On
// success the tile owns img; on error the caller keeps it. A StatusNone tile
// is accepted so pixels can be installed without a download.
func (t *Tile) SetColors(img *image.RGBA) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch s := t.Status(); s {
	case StatusNone, StatusLoading:
	case StatusDisposed:
		return ErrDisposed
	default:
		return fmt.Errorf("%w: %v -> loaded", ErrState, s)
	}
	t.pix = img
	t.status.Store(int32(StatusLoaded))
	return nil
}

// ApplyColors decodes data into the tile's pixel buffer. A decode failure
// moves a loading tile to StatusError and leaves a StatusNone tile waiting.
func (t *Tile) ApplyColors(data []byte) error {
	img, err := t.pool.Decode(data)
	if err != nil {
		t.fail()
		return err
	}
	if err := t.SetColors(img); err != nil {
		t.pool.Release(img)
		return err
	}
	return nil
}

// DrawTo copies the sub-rectangle sr of the tile's pixels into r of dst,
// replicating pixels when r is larger than sr. It reports false when the tile
// has no pixels.
func (t *Tile) DrawTo(dst draw.Image, r, sr image.Rectangle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pix == nil {
		return false
	}
	if r.Dx() == sr.Dx() && r.Dy() == sr.Dy() {
		draw.Draw(dst, r, t.pix, sr.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(dst, r, t.pix, sr, draw.Src, nil)
	}
	return true
}

// Dispose frees the pixel buffer and returns the tile to its pool. The
// registry severs links held by neighbours before calling it.
func (t *Tile) Dispose() {
	t.mu.Lock()
	t.status.Store(int32(StatusDisposed))
	pix := t.pix
	t.pix = nil
	t.mu.Unlock()

	t.parent = false
	t.children = [4]bool{}
	if t.pool != nil {
		t.pool.Release(pix)
		t.pool.putTile(t)
	}
}

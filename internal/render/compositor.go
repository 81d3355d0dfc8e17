// Package render composites registry tiles into the back, front and smart
// buffers of a moving viewport and runs that work on one background loop.
package render

import (
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

// DefaultEmptyColor fills cells no tile or ancestor can cover.
var DefaultEmptyColor = color.RGBA{R: 0xe5, G: 0xe3, B: 0xdf, A: 0xff}

// PassResult summarizes one compositor pass.
type PassResult struct {
	Rebuilt bool
	Blitted int
	Evicted int
}

// Compositor assembles buffers from a registry. Render is called from one
// goroutine at a time; Notify and AddOverlay may be called from any.
type Compositor struct {
	reg     *tile.Registry
	empty   color.RGBA
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	pendingMu sync.Mutex
	pending   map[maptile.Tile]struct{}

	overlayMu sync.Mutex
	overlays  []Overlay

	// owned by the rendering goroutine
	back, front, smart *image.RGBA
	win                window
	cells              []*tile.Tile
	primed             bool
}

// NewCompositor creates a compositor over reg.
func NewCompositor(reg *tile.Registry, empty color.RGBA, log logrus.FieldLogger, m *metrics.Metrics) *Compositor {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if m == nil {
		m = metrics.New()
	}
	return &Compositor{
		reg:     reg,
		empty:   empty,
		log:     log,
		metrics: m,
		pending: make(map[maptile.Tile]struct{}),
	}
}

// AddOverlay registers an overlay drawn on every pass.
func (c *Compositor) AddOverlay(o Overlay) {
	c.overlayMu.Lock()
	c.overlays = append(c.overlays, o)
	c.overlayMu.Unlock()
}

// Notify queues a freshly loaded tile so the next pass patches every cell
// it covers.
func (c *Compositor) Notify(key maptile.Tile) {
	c.pendingMu.Lock()
	c.pending[key] = struct{}{}
	c.pendingMu.Unlock()
}

func (c *Compositor) drain() map[maptile.Tile]struct{} {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = make(map[maptile.Tile]struct{})
	return out
}

// Front and Smart expose the buffers of the last pass. They must only be
// read while no pass runs. Smart is nil when the pass did not ask for it.
func (c *Compositor) Front() *image.RGBA { return c.front }
func (c *Compositor) Smart() *image.RGBA { return c.smart }

// Render runs one pass for req.
func (c *Compositor) Render(req Request) PassResult {
	start := time.Now()
	ts := c.reg.TileSize()
	w := layout(req, ts)

	var res PassResult
	loaded := c.drain()
	res.Rebuilt = !c.primed || req.Scope == ScopeFull || !c.win.sameGrid(w)
	if res.Rebuilt {
		c.back = ensure(c.back, w.cols*ts, w.rows*ts)
		c.resolve(w, req.Scope == ScopeFull)
		c.win = w
		c.primed = true
		res.Blitted = c.blitAll()
	} else {
		c.win = w
		if c.hasOverlays() {
			res.Blitted = c.blitAll()
		} else {
			res.Blitted = c.patch(loaded)
		}
	}

	c.drawOverlays()

	c.front = ensure(c.front, w.width, w.height)
	crop(c.front, c.back, image.Pt(w.offX, w.offY))
	if req.Smart {
		c.smart = ensure(c.smart, max(1, w.width/2), max(1, w.height/2))
		downsample(c.smart, c.front)
	} else {
		c.smart = nil
	}

	if res.Rebuilt {
		res.Evicted = c.reg.Sweep()
		c.metrics.Evicted.Add(float64(res.Evicted))
		c.metrics.Tiles.Set(float64(c.reg.Len()))
	}

	elapsed := time.Since(start)
	c.metrics.Passes.WithLabelValues(req.Scope.String()).Inc()
	c.metrics.PassDuration.Observe(elapsed.Seconds())
	c.log.WithFields(logrus.Fields{
		"scope":   req.Scope,
		"zoom":    req.Zoom,
		"rebuilt": res.Rebuilt,
		"blitted": res.Blitted,
		"evicted": res.Evicted,
	}).Debugf("pass finished in %dms", elapsed.Milliseconds())
	return res
}

// resolve fetches or creates the tile of every cell in w, with its
// ancestors, marking them used for this cycle.
func (c *Compositor) resolve(w window, retry bool) {
	c.reg.BeginCycle()
	n := 1 << uint(w.zoom)
	if cap(c.cells) < w.cols*w.rows {
		c.cells = make([]*tile.Tile, w.cols*w.rows)
	}
	c.cells = c.cells[:w.cols*w.rows]
	for r := 0; r < w.rows; r++ {
		y := w.originY + r
		for col := 0; col < w.cols; col++ {
			i := r*w.cols + col
			c.cells[i] = nil
			if y < 0 || y >= n {
				continue
			}
			t, err := c.reg.Resolve(w.originX+col, y, w.zoom, retry)
			if err != nil {
				c.log.WithError(err).Debug("cell left empty")
				continue
			}
			c.cells[i] = t
		}
	}
}

func (c *Compositor) cellRect(i int) image.Rectangle {
	ts := c.reg.TileSize()
	col, row := i%c.win.cols, i/c.win.cols
	return image.Rect(col*ts, row*ts, (col+1)*ts, (row+1)*ts)
}

func (c *Compositor) blitAll() int {
	for i := range c.cells {
		c.blit(i)
	}
	return len(c.cells)
}

// patch redraws the cells covered by loaded tiles.
func (c *Compositor) patch(loaded map[maptile.Tile]struct{}) int {
	if len(loaded) == 0 {
		return 0
	}
	n := 0
	for i, t := range c.cells {
		if t == nil {
			continue
		}
		key := t.Key()
		hit := false
		if _, ok := loaded[key]; ok {
			hit = true
		} else if t.Status() != tile.StatusLoaded {
			for dz := 1; dz <= c.reg.AncestorDepth() && !hit; dz++ {
				a, ok := tile.Ancestor(key, dz)
				if !ok {
					break
				}
				_, hit = loaded[a]
			}
		}
		if hit {
			c.blit(i)
			n++
		}
	}
	return n
}

// blit draws cell i from its own pixels, else from the quadrant of the
// nearest loaded ancestor scaled up without filtering, else the empty color.
func (c *Compositor) blit(i int) {
	r := c.cellRect(i)
	t := c.cells[i]
	if t == nil {
		fill(c.back, r, c.empty)
		return
	}
	ts := c.reg.TileSize()
	if t.DrawTo(c.back, r, image.Rect(0, 0, ts, ts)) {
		return
	}
	if a, dz, ok := c.reg.NearestLoaded(t.Key()); ok {
		if a.DrawTo(c.back, r, quadrant(t.Key(), dz, ts)) {
			return
		}
	}
	fill(c.back, r, c.empty)
}

// quadrant returns the sub-rectangle of the ancestor dz levels up that
// covers key.
func quadrant(key maptile.Tile, dz, tileSize int) image.Rectangle {
	span := 1 << uint(dz)
	size := max(1, tileSize/span)
	ox := int(key.X) % span
	oy := int(key.Y) % span
	x0 := ox * tileSize / span
	y0 := oy * tileSize / span
	return image.Rect(x0, y0, x0+size, y0+size)
}

func (c *Compositor) hasOverlays() bool {
	c.overlayMu.Lock()
	defer c.overlayMu.Unlock()
	return len(c.overlays) > 0
}

func (c *Compositor) drawOverlays() {
	c.overlayMu.Lock()
	overlays := append([]Overlay(nil), c.overlays...)
	c.overlayMu.Unlock()
	b := c.back.Bounds()
	for _, o := range overlays {
		o.Draw(c.back, image.Pt(c.win.originX, c.win.originY), b.Dx(), b.Dy(), c.win.zoom)
	}
}

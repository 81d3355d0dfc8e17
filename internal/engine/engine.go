// Package engine ties a tile registry, a download scheduler and a render
// loop into one map instance driven by an interactive caller.
package engine

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"tilestream/internal/fetch"
	"tilestream/internal/metrics"
	"tilestream/internal/render"
	"tilestream/internal/tile"
)

var ErrClosed = errors.New("engine closed")

// Buffer is a consumer copy of a rendered raster.
type Buffer struct {
	Pix    []byte
	Width  int
	Height int
}

func (b *Buffer) copyFrom(img *image.RGBA) {
	if img == nil {
		b.Pix, b.Width, b.Height = b.Pix[:0], 0, 0
		return
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	n := w * h * 4
	if cap(b.Pix) < n {
		b.Pix = make([]byte, n)
	}
	b.Pix = b.Pix[:n]
	for y := 0; y < h; y++ {
		i := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		copy(b.Pix[y*w*4:(y+1)*w*4], img.Pix[i:i+w*4])
	}
	b.Width, b.Height = w, h
}

// TickStats reports what one Tick did.
type TickStats struct {
	Fetch    fetch.PollStats
	Consumed bool
	Pass     render.PassResult
}

// Engine is one independent map instance. SetViewport, Tick and the buffer
// getters belong to the interactive caller; compositing runs on the engine's
// own loop goroutine.
type Engine struct {
	id      string
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Metrics

	reg   *tile.Registry
	sched *fetch.Scheduler
	comp  *render.Compositor
	loop  *render.Loop

	mu          sync.Mutex
	view        render.Request
	hasView     bool
	redraw      bool
	interacting bool
	dirty       bool
	dirtyScope  render.Scope
	closed      bool

	bufMu sync.Mutex
	front Buffer
	smart Buffer
}

// New creates an engine fetching from src. A nil logger discards output.
func New(cfg Config, src fetch.Source, log logrus.FieldLogger) (*Engine, error) {
	cfg.normalize()
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	id, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	entry := log.WithField("engine", id)
	m := metrics.New()

	reg := tile.NewRegistry(tile.Options{
		TileSize:      cfg.TileSize,
		AncestorDepth: cfg.AncestorDepth,
		Retry:         cfg.Retry,
		Logger:        entry,
	})
	e := &Engine{
		id:      id,
		cfg:     cfg,
		log:     entry,
		metrics: m,
		reg:     reg,
		redraw:  true,
	}
	e.sched = fetch.NewScheduler(reg, src, fetch.Config{
		MaxDownloads: cfg.MaxDownloads,
		PollBudget:   cfg.PollBudget,
		FetchTimeout: cfg.FetchTimeout,
	}, entry, m)
	e.comp = render.NewCompositor(reg, cfg.EmptyColor, entry, m)
	e.loop = render.NewLoop(e.comp, entry, m)
	reg.OnLoaded(e.loaded)
	return e, nil
}

// ID returns the engine's short identifier.
func (e *Engine) ID() string { return e.id }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Registry exposes the tile registry for inspection.
func (e *Engine) Registry() *tile.Registry { return e.reg }

// Start launches the render loop.
func (e *Engine) Start() {
	e.loop.Start()
	e.log.WithFields(logrus.Fields{
		"tileSize":     e.cfg.TileSize,
		"maxDownloads": e.cfg.MaxDownloads,
		"depth":        e.cfg.AncestorDepth,
	}).Info("engine started")
}

// Close stops the render loop and cancels every running fetch.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.loop.Close()
	e.sched.Close()
	e.log.Info("engine closed")
}

// SetViewport moves the viewport. Zoom and size are clamped to the
// configured bounds. Repeating the current viewport is a no-op unless scope
// is ScopeFull. It reports whether a pass was requested.
func (e *Engine) SetViewport(center orb.Point, zoom, width, height int, scope render.Scope) bool {
	req := render.Request{
		Center: center,
		Zoom:   maptile.Zoom(clamp(zoom, e.cfg.MinZoom, e.cfg.MaxZoom)),
		Width:  clamp(width, 1, e.cfg.MaxViewport),
		Height: clamp(height, 1, e.cfg.MaxViewport),
		Scope:  scope,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if e.hasView && scope != render.ScopeFull && sameView(e.view, req) {
		return false
	}
	e.view = req
	e.hasView = true
	return e.request(scope)
}

func sameView(a, b render.Request) bool {
	return a.Center == b.Center && a.Zoom == b.Zoom && a.Width == b.Width && a.Height == b.Height
}

// SetRedrawAllowed gates passes. Viewport changes made while redraw is
// disallowed are rendered once it is allowed again.
func (e *Engine) SetRedrawAllowed(allowed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redraw = allowed
	if allowed && e.dirty {
		e.request(e.dirtyScope)
	}
}

// SetInteracting turns the smart buffer on for subsequent passes.
func (e *Engine) SetInteracting(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interacting == on {
		return
	}
	e.interacting = on
	if on {
		e.request(render.ScopePatch)
	}
}

// AddOverlay registers an overlay drawn on every pass.
func (e *Engine) AddOverlay(o render.Overlay) {
	e.comp.AddOverlay(o)
	e.mu.Lock()
	e.request(render.ScopePatch)
	e.mu.Unlock()
}

// request queues a pass of the given scope. Called with e.mu held.
func (e *Engine) request(scope render.Scope) bool {
	if !e.hasView || e.closed {
		return false
	}
	if !e.redraw {
		if !e.dirty || scope > e.dirtyScope {
			e.dirtyScope = scope
		}
		e.dirty = true
		return false
	}
	if e.dirty {
		scope = max(scope, e.dirtyScope)
		e.dirty = false
	}
	req := e.view
	req.Scope = scope
	req.Smart = e.interacting || e.cfg.SmartBuffer
	e.loop.Request(req)
	return true
}

// loaded runs on the caller of Tick when a download completes.
func (e *Engine) loaded(key maptile.Tile) {
	e.comp.Notify(key)
	e.mu.Lock()
	e.request(render.ScopePatch)
	e.mu.Unlock()
}

// Tick polls the scheduler and, when a pass is complete, copies its buffers
// for the Get*Buffer methods. It never blocks on a fetch or a pass.
func (e *Engine) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return stats, ErrClosed
	}
	zoom := e.view.Zoom
	e.mu.Unlock()

	stats.Fetch = e.sched.Poll(ctx, zoom)
	stats.Consumed = e.loop.Consume(func(c *render.Compositor, res render.PassResult) {
		stats.Pass = res
		e.bufMu.Lock()
		e.front.copyFrom(c.Front())
		e.smart.copyFrom(c.Smart())
		e.bufMu.Unlock()
	})
	if stats.Fetch.Failed > 0 || stats.Consumed {
		e.log.WithFields(logrus.Fields{
			"applied":  stats.Fetch.Applied,
			"failed":   stats.Fetch.Failed,
			"started":  stats.Fetch.Started,
			"inFlight": stats.Fetch.InFlight,
			"consumed": stats.Consumed,
		}).Debug("tick")
	}
	return stats, ctx.Err()
}

// GetFrontBuffer returns a copy of the last consumed front buffer as RGBA
// bytes.
func (e *Engine) GetFrontBuffer() ([]byte, int, int) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return append([]byte(nil), e.front.Pix...), e.front.Width, e.front.Height
}

// GetSmartBuffer returns a copy of the last consumed half resolution buffer.
// It is empty when the last consumed pass ran without the smart buffer.
func (e *Engine) GetSmartBuffer() ([]byte, int, int) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return append([]byte(nil), e.smart.Pix...), e.smart.Width, e.smart.Height
}

// FrontImage wraps a copy of the front buffer as an image.
func (e *Engine) FrontImage() *image.RGBA {
	pix, w, h := e.GetFrontBuffer()
	return &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
}

func (e *Engine) GetStatus() render.PassStatus {
	return e.loop.Status()
}

// Settled reports whether nothing is left to do: no tile waits for or runs
// a download and no pass is queued, running or unconsumed.
func (e *Engine) Settled() bool {
	if e.sched.InFlight() > 0 || e.reg.Count(tile.StatusNone) > 0 {
		return false
	}
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	return !dirty && !e.loop.Pending() && e.loop.Status() == render.StatusWaiting
}

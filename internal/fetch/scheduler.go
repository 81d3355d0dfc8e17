package fetch

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/hilbert"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

const (
	DefaultMaxDownloads = 5
	DefaultPollBudget   = 8 * time.Millisecond
	DefaultFetchTimeout = 20 * time.Second
)

// Config configures a Scheduler.
type Config struct {
	MaxDownloads int
	// PollBudget bounds how long one Poll spends applying finished downloads.
	PollBudget   time.Duration
	FetchTimeout time.Duration
}

func (c *Config) normalize() {
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = DefaultMaxDownloads
	}
	if c.PollBudget <= 0 {
		c.PollBudget = DefaultPollBudget
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// task binds one tile incarnation to a running fetch.
type task struct {
	ref     tile.Ref
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// written by the fetch goroutine before done is closed
	data []byte
	err  error
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// PollStats reports what one Poll did.
type PollStats struct {
	Applied  int
	Failed   int
	Started  int
	InFlight int
}

// Scheduler feeds StatusNone tiles of a registry to a Source with at most
// MaxDownloads fetches running. Poll never blocks on a fetch: completion is
// observed by checking each task's done channel.
type Scheduler struct {
	reg     *tile.Registry
	src     Source
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[tile.Ref]*task
}

// NewScheduler creates a scheduler over reg. A nil logger discards output,
// nil metrics get a private registry.
func NewScheduler(reg *tile.Registry, src Source, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	cfg.normalize()
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if m == nil {
		m = metrics.New()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reg:     reg,
		src:     src,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
		base:    base,
		cancel:  cancel,
		tasks:   make(map[tile.Ref]*task),
	}
}

// InFlight returns the number of fetches holding a slot.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Poll applies finished downloads within the poll budget, cancels fetches of
// evicted tiles and fills free slots. Tiles at activeZoom go first, the rest
// by zoom ascending, each zoom in Hilbert order.
func (s *Scheduler) Poll(ctx context.Context, activeZoom maptile.Zoom) PollStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats PollStats
	deadline := s.now().Add(s.cfg.PollBudget)
	for ref, t := range s.tasks {
		if !t.finished() {
			if !s.reg.Alive(ref) {
				t.cancel()
			}
			continue
		}
		if stats.Applied+stats.Failed > 0 && !s.now().Before(deadline) {
			break
		}
		delete(s.tasks, ref)
		if s.finish(t) {
			stats.Applied++
		} else {
			stats.Failed++
		}
	}

	if ctx.Err() == nil && s.base.Err() == nil {
		free := s.cfg.MaxDownloads - len(s.tasks)
		if free > 0 {
			for _, ref := range order(s.reg.Candidates(), activeZoom) {
				if free == 0 {
					break
				}
				if _, busy := s.tasks[ref]; busy || !s.reg.BeginLoad(ref) {
					continue
				}
				s.start(ref)
				stats.Started++
				free--
			}
		}
	}

	stats.InFlight = len(s.tasks)
	s.metrics.InFlight.Set(float64(stats.InFlight))
	return stats
}

// Close cancels every running fetch. Later Polls start nothing new.
func (s *Scheduler) Close() {
	s.cancel()
}

func (s *Scheduler) start(ref tile.Ref) {
	ctx, cancel := context.WithTimeout(s.base, s.cfg.FetchTimeout)
	t := &task{
		ref:     ref,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: s.now(),
	}
	s.tasks[ref] = t
	s.log.WithField("tile", ref).Debug("fetch started")

	go func() {
		defer close(t.done)
		defer cancel()
		t.data, t.err = s.src.Fetch(ctx, ref.Key)
	}()
}

// finish applies one completed task and reports whether the tile loaded.
func (s *Scheduler) finish(t *task) bool {
	elapsed := s.now().Sub(t.started)
	s.metrics.FetchLatency.Observe(elapsed.Seconds())
	entry := s.log.WithField("tile", t.ref)

	if t.err != nil {
		if errors.Is(t.err, context.Canceled) && !s.reg.Alive(t.ref) {
			s.metrics.FetchTotal.WithLabelValues("cancelled").Inc()
			entry.Debug("fetch cancelled for evicted tile")
			return false
		}
		attempts := s.reg.Fail(t.ref)
		s.metrics.FetchTotal.WithLabelValues("error").Inc()
		entry.WithField("attempt", attempts).Warnf("fetch tile failed: %s", t.err)
		return false
	}

	err := s.reg.ApplyColors(t.ref, t.data)
	switch {
	case err == nil:
		s.metrics.FetchTotal.WithLabelValues("loaded").Inc()
		entry.Debugf("tile loaded, %dms, %.2f kb", elapsed.Milliseconds(), float32(len(t.data))/1024.0)
		return true
	case errors.Is(err, tile.ErrDisposed):
		s.metrics.FetchTotal.WithLabelValues("cancelled").Inc()
		entry.Debug("dropping download of evicted tile")
	case errors.Is(err, tile.ErrDecode):
		s.metrics.FetchTotal.WithLabelValues("decode_error").Inc()
		entry.Warnf("decode tile failed: %s", err)
	default:
		s.metrics.FetchTotal.WithLabelValues("error").Inc()
		entry.Warnf("apply tile failed: %s", err)
	}
	return false
}

// order sorts refs for scheduling: the active zoom first, then zoom
// ascending, then by position on the zoom's Hilbert curve.
func order(refs []tile.Ref, activeZoom maptile.Zoom) []tile.Ref {
	curves := make(map[maptile.Zoom]*hilbert.Hilbert)
	index := func(k maptile.Tile) int {
		h, ok := curves[k.Z]
		if !ok {
			h, _ = hilbert.NewHilbert(1 << uint(k.Z))
			curves[k.Z] = h
		}
		if h == nil {
			return 0
		}
		d, _ := h.MapInverse(int(k.X), int(k.Y))
		return d
	}
	keyed := make([]struct {
		ref tile.Ref
		d   int
	}, len(refs))
	for i, r := range refs {
		keyed[i].ref = r
		keyed[i].d = index(r.Key)
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		a, b := keyed[i].ref.Key, keyed[j].ref.Key
		if (a.Z == activeZoom) != (b.Z == activeZoom) {
			return a.Z == activeZoom
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return keyed[i].d < keyed[j].d
	})
	out := make([]tile.Ref, len(keyed))
	for i := range keyed {
		out[i] = keyed[i].ref
	}
	return out
}

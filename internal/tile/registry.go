package tile

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
)

// DefaultAncestorDepth is how many coarser levels are kept alive above every
// resolved tile.
const DefaultAncestorDepth = 3

// Level is the set of tiles at one zoom.
type Level struct {
	Zoom  maptile.Zoom
	tiles map[maptile.Tile]*Tile
}

// Len returns the number of tiles in the level.
func (l *Level) Len() int {
	return len(l.tiles)
}

// Options configures a Registry.
type Options struct {
	TileSize      int
	AncestorDepth int
	Retry         RetryPolicy
	Logger        logrus.FieldLogger
	// Now overrides the clock used for retry backoff.
	Now func() time.Time
}

// Registry owns every tile of one engine, grouped by zoom. A single lock
// spans each mutation sequence; pixel access uses the per-tile lock.
type Registry struct {
	pool  *Pool
	depth int
	log   logrus.FieldLogger
	now   func() time.Time

	mu       sync.Mutex
	levels   map[maptile.Zoom]*Level
	gen      uint64
	failures *failureBook
	onLoaded func(maptile.Tile)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.TileSize <= 0 {
		opts.TileSize = 256
	}
	if opts.AncestorDepth < 0 {
		opts.AncestorDepth = 0
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		pool:     NewPool(opts.TileSize),
		depth:    opts.AncestorDepth,
		log:      opts.Logger,
		now:      opts.Now,
		levels:   make(map[maptile.Zoom]*Level),
		failures: newFailureBook(opts.Retry),
	}
}

// TileSize returns the pixel edge of every tile.
func (r *Registry) TileSize() int {
	return r.pool.Size()
}

// AncestorDepth returns how many coarser levels Resolve keeps alive.
func (r *Registry) AncestorDepth() int {
	return r.depth
}

// OnLoaded registers the single callback told about every tile that
// received pixels. It runs after the registry lock is released.
func (r *Registry) OnLoaded(fn func(maptile.Tile)) {
	r.mu.Lock()
	r.onLoaded = fn
	r.mu.Unlock()
}

// Get looks up a live tile.
func (r *Registry) Get(key maptile.Tile) (*Tile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.lookup(key)
	return t, t != nil
}

// Len returns the number of live tiles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.levels {
		n += l.Len()
	}
	return n
}

// Count returns the number of live tiles in status s.
func (r *Registry) Count(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.levels {
		for _, t := range l.tiles {
			if t.Status() == s {
				n++
			}
		}
	}
	return n
}

// Keys returns every live key sorted by zoom, y, x.
func (r *Registry) Keys() []maptile.Tile {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []maptile.Tile
	for _, l := range r.levels {
		for k := range l.tiles {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return keys
}

// Create returns the tile at (x, y, z), creating it when absent. x is
// normalized; new tiles are linked to a live parent and live children.
func (r *Registry) Create(x, y int, z maptile.Zoom) (*Tile, error) {
	key, err := Normalize(x, y, z)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(key), nil
}

// BeginCycle clears the used flag of every tile.
func (r *Registry) BeginCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.levels {
		for _, t := range l.tiles {
			t.used = false
		}
	}
}

// Resolve fetches or creates the tile at (x, y, z) plus its ancestor chain
// up to AncestorDepth levels, marking all of them used for this cycle. With
// retry set, an errored tile whose backoff elapsed is recreated as a new
// incarnation so it gets fetched again.
func (r *Registry) Resolve(x, y int, z maptile.Zoom, retry bool) (*Tile, error) {
	key, err := Normalize(x, y, z)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var first *Tile
	for dz := 0; dz <= r.depth; dz++ {
		k, ok := Ancestor(key, dz)
		if !ok {
			break
		}
		t := r.create(k)
		if retry && t.Status() == StatusError && r.failures.eligible(k, now) {
			r.log.WithField("tile", t.Ref()).Debug("recreating failed tile")
			r.dispose(t)
			t = r.create(k)
		}
		t.used = true
		if first == nil {
			first = t
		}
	}
	return first, nil
}

// mark flags t and up to AncestorDepth live ancestors as used.
func (r *Registry) mark(t *Tile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.used = true
	for dz := 1; dz <= r.depth; dz++ {
		k, ok := Ancestor(t.key, dz)
		if !ok {
			return
		}
		if a := r.lookup(k); a != nil {
			a.used = true
		}
	}
}

// Sweep disposes every tile not marked used since BeginCycle and returns how
// many were evicted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var victims []*Tile
	for _, l := range r.levels {
		for _, t := range l.tiles {
			if !t.used {
				victims = append(victims, t)
			}
		}
	}
	for _, t := range victims {
		r.dispose(t)
	}
	for z, l := range r.levels {
		if l.Len() == 0 {
			delete(r.levels, z)
		}
	}
	r.failures.prune(func(k maptile.Tile) bool { return r.lookup(k) != nil }, r.now())
	return len(victims)
}

// NearestLoaded walks up to AncestorDepth levels above key and returns the
// first ancestor holding pixels together with its distance in levels.
func (r *Registry) NearestLoaded(key maptile.Tile) (*Tile, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dz := 1; dz <= r.depth; dz++ {
		k, ok := Ancestor(key, dz)
		if !ok {
			break
		}
		if a := r.lookup(k); a != nil && a.Status() == StatusLoaded {
			return a, dz, true
		}
	}
	return nil, 0, false
}

// Candidates returns refs of every tile waiting for a download.
func (r *Registry) Candidates() []Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []Ref
	for _, l := range r.levels {
		for _, t := range l.tiles {
			if t.Status() == StatusNone {
				refs = append(refs, t.Ref())
			}
		}
	}
	return refs
}

// BeginLoad moves the tile named by ref from StatusNone to StatusLoading.
func (r *Registry) BeginLoad(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.current(ref)
	return t != nil && t.beginLoad()
}

// Alive reports whether ref still names a live tile.
func (r *Registry) Alive(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current(ref) != nil
}

// ApplyColors decodes data into the tile named by ref, marks it loaded and
// notifies the OnLoaded callback so dependents using it as a fallback can be
// redrawn. Undecodable data moves a loading tile to StatusError.
func (r *Registry) ApplyColors(ref Ref, data []byte) error {
	img, err := r.pool.Decode(data)
	if err != nil {
		r.Fail(ref)
		return err
	}

	r.mu.Lock()
	t := r.current(ref)
	if t == nil {
		r.mu.Unlock()
		r.pool.Release(img)
		return fmt.Errorf("%w: %v", ErrDisposed, ref)
	}
	if err := t.SetColors(img); err != nil {
		r.mu.Unlock()
		r.pool.Release(img)
		return err
	}
	r.failures.forget(ref.Key)
	notify := r.onLoaded
	r.mu.Unlock()

	if notify != nil {
		notify(ref.Key)
	}
	return nil
}

// Fail moves the loading tile named by ref to StatusError and books the
// failure for the retry policy. It returns the attempt count, or 0 for a
// stale ref or a tile that was not loading.
func (r *Registry) Fail(ref Ref) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.current(ref)
	if t == nil || !t.fail() {
		return 0
	}
	return r.failures.record(ref.Key, r.now()).attempts
}

func (r *Registry) lookup(key maptile.Tile) *Tile {
	l, ok := r.levels[key.Z]
	if !ok {
		return nil
	}
	return l.tiles[key]
}

func (r *Registry) current(ref Ref) *Tile {
	t := r.lookup(ref.Key)
	if t == nil || t.gen != ref.Gen {
		return nil
	}
	return t
}

func (r *Registry) create(key maptile.Tile) *Tile {
	if t := r.lookup(key); t != nil {
		return t
	}
	l, ok := r.levels[key.Z]
	if !ok {
		l = &Level{Zoom: key.Z, tiles: make(map[maptile.Tile]*Tile)}
		r.levels[key.Z] = l
	}
	r.gen++
	t := r.pool.tile()
	t.reset(key, r.gen, r.pool)
	l.tiles[key] = t

	if pk, ok := Parent(key); ok {
		if p := r.lookup(pk); p != nil {
			_ = t.SetParent(p)
		}
	}
	if key.Z < MaxZoom {
		for q := 0; q < 4; q++ {
			if c := r.lookup(Child(key, q)); c != nil {
				_ = c.SetParent(t)
			}
		}
	}
	return t
}

func (r *Registry) dispose(t *Tile) {
	if t.parent {
		if pk, ok := Parent(t.key); ok {
			if p := r.lookup(pk); p != nil {
				p.children[Quadrant(t.key)] = false
			}
		}
	}
	for q, linked := range t.children {
		if !linked {
			continue
		}
		if c := r.lookup(Child(t.key, q)); c != nil {
			c.parent = false
		}
	}
	if l, ok := r.levels[t.key.Z]; ok {
		delete(l.tiles, t.key)
	}
	t.Dispose()
}

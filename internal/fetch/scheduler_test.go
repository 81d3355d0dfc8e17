package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb/maptile"

	"tilestream/internal/tile"
)

func pngBytes(t *testing.T, size int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, size, size))); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// gateSource blocks every fetch until its tile is released.
type gateSource struct {
	data []byte

	mu      sync.Mutex
	gates   map[maptile.Tile]chan error
	running int
	peak    int
	calls   []maptile.Tile
}

func newGateSource(data []byte) *gateSource {
	return &gateSource{data: data, gates: make(map[maptile.Tile]chan error)}
}

func (s *gateSource) gate(key maptile.Tile) chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[key]
	if !ok {
		g = make(chan error, 1)
		s.gates[key] = g
	}
	return g
}

func (s *gateSource) Fetch(ctx context.Context, key maptile.Tile) ([]byte, error) {
	s.mu.Lock()
	s.running++
	s.peak = max(s.peak, s.running)
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	select {
	case err := <-s.gate(key):
		if err != nil {
			return nil, err
		}
		return s.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitCalls waits until n fetches reached the source.
func (s *gateSource) waitCalls(t *testing.T, n int) []maptile.Tile {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		calls := append([]maptile.Tile(nil), s.calls...)
		s.mu.Unlock()
		if len(calls) >= n {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d fetches started", len(calls), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *gateSource) release(key maptile.Tile, err error) {
	s.gate(key) <- err
}

// pollUntil polls until cond holds or the test times out.
func pollUntil(t *testing.T, s *Scheduler, zoom maptile.Zoom, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		s.Poll(context.Background(), zoom)
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerCap(t *testing.T) {
	reg := tile.NewRegistry(tile.Options{TileSize: 4})
	for x := 0; x < 20; x++ {
		if _, err := reg.Create(x, 3, 5); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	src := newGateSource(pngBytes(t, 4))
	s := NewScheduler(reg, src, Config{MaxDownloads: 5}, nil, nil)
	defer s.Close()

	stats := s.Poll(context.Background(), 5)
	if stats.Started != 5 || stats.InFlight != 5 {
		t.Fatalf("first poll = %+v, want 5 started", stats)
	}
	if got := reg.Count(tile.StatusLoading); got != 5 {
		t.Errorf("loading = %d, want 5", got)
	}
	if got := reg.Count(tile.StatusNone); got != 15 {
		t.Errorf("waiting = %d, want 15", got)
	}

	// a second poll with every slot busy starts nothing
	if stats := s.Poll(context.Background(), 5); stats.Started != 0 {
		t.Errorf("second poll started %d", stats.Started)
	}

	// freeing one slot lets exactly one more tile in
	first := src.waitCalls(t, 5)[0]
	src.release(first, nil)
	pollUntil(t, s, 5, func() bool { return reg.Count(tile.StatusLoaded) == 1 })
	if got := reg.Count(tile.StatusLoading); got != 5 {
		t.Errorf("loading after one completion = %d, want 5", got)
	}

	for x := 0; x < 20; x++ {
		key, _ := tile.Normalize(x, 3, 5)
		if key != first {
			src.release(key, nil)
		}
	}
	pollUntil(t, s, 5, func() bool { return reg.Count(tile.StatusLoaded) == 20 })
	src.mu.Lock()
	peak := src.peak
	src.mu.Unlock()
	if peak > 5 {
		t.Errorf("peak concurrent fetches = %d, cap is 5", peak)
	}
	if n := s.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after draining", n)
	}
}

// waitFinished waits until every running fetch returned, without applying
// any of them.
func waitFinished(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		done := true
		for _, tk := range s.tasks {
			done = done && tk.finished()
		}
		s.mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fetches did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerPollBudget(t *testing.T) {
	reg := tile.NewRegistry(tile.Options{TileSize: 4})
	for x := 0; x < 4; x++ {
		if _, err := reg.Create(x, 0, 2); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	src := newGateSource(pngBytes(t, 4))
	s := NewScheduler(reg, src, Config{MaxDownloads: 3, PollBudget: time.Nanosecond}, nil, nil)
	defer s.Close()
	// every reading of the clock moves it past the budget
	clock := time.Unix(1000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	if stats := s.Poll(context.Background(), 2); stats.Started != 3 {
		t.Fatalf("first poll = %+v, want 3 started", stats)
	}
	for _, key := range src.waitCalls(t, 3) {
		src.release(key, nil)
	}
	waitFinished(t, s)

	want := []PollStats{
		// finished but unapplied downloads keep their slots
		{Applied: 1, Started: 1, InFlight: 3},
		{Applied: 1, InFlight: 2},
		{Applied: 1, InFlight: 1},
	}
	for i, w := range want {
		got := s.Poll(context.Background(), 2)
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("poll %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if got := reg.Count(tile.StatusLoaded); got != 3 {
		t.Errorf("loaded = %d, want 3", got)
	}
	if got := reg.Count(tile.StatusLoading); got != 1 {
		t.Errorf("loading = %d, want 1", got)
	}
}

func TestSchedulerFailureIsolated(t *testing.T) {
	reg := tile.NewRegistry(tile.Options{TileSize: 4})
	bad, _ := reg.Create(3, 4, 6)
	good, _ := reg.Create(2, 4, 6)
	src := newGateSource(pngBytes(t, 4))
	s := NewScheduler(reg, src, Config{}, nil, nil)
	defer s.Close()

	s.Poll(context.Background(), 6)
	src.release(bad.Key(), fmt.Errorf("%w: connection reset", ErrNetwork))
	src.release(good.Key(), nil)
	pollUntil(t, s, 6, func() bool { return s.InFlight() == 0 })

	if bad.Status() != tile.StatusError {
		t.Errorf("failed tile status = %v, want error", bad.Status())
	}
	if good.Status() != tile.StatusLoaded {
		t.Errorf("sibling status = %v, want loaded", good.Status())
	}

	// no automatic retry
	for i := 0; i < 3; i++ {
		if stats := s.Poll(context.Background(), 6); stats.Started != 0 {
			t.Fatalf("errored tile was scheduled again")
		}
	}
}

func TestSchedulerDecodeError(t *testing.T) {
	reg := tile.NewRegistry(tile.Options{TileSize: 4})
	tl, _ := reg.Create(0, 0, 0)
	src := newGateSource([]byte("garbage"))
	s := NewScheduler(reg, src, Config{}, nil, nil)
	defer s.Close()

	s.Poll(context.Background(), 0)
	src.release(tl.Key(), nil)
	pollUntil(t, s, 0, func() bool { return s.InFlight() == 0 })
	if tl.Status() != tile.StatusError {
		t.Errorf("status = %v, want error", tl.Status())
	}
}

func TestSchedulerCancelsEvicted(t *testing.T) {
	reg := tile.NewRegistry(tile.Options{TileSize: 4})
	tl, _ := reg.Create(1, 1, 1)
	ref := tl.Ref()
	src := newGateSource(pngBytes(t, 4))
	s := NewScheduler(reg, src, Config{}, nil, nil)
	defer s.Close()

	s.Poll(context.Background(), 1)
	reg.BeginCycle()
	reg.Sweep()

	// the next poll cancels the orphaned fetch and the slot frees up
	pollUntil(t, s, 1, func() bool { return s.InFlight() == 0 })
	if reg.Alive(ref) {
		t.Errorf("evicted ref came back")
	}
}

func TestOrder(t *testing.T) {
	refs := []tile.Ref{
		{Key: maptile.New(0, 0, 1)},
		{Key: maptile.New(1, 1, 3)},
		{Key: maptile.New(0, 0, 0)},
		{Key: maptile.New(0, 1, 3)},
		{Key: maptile.New(0, 0, 3)},
		{Key: maptile.New(1, 0, 2)},
	}
	got := order(refs, 3)
	want := []tile.Ref{
		// active zoom along the Hilbert curve
		{Key: maptile.New(0, 0, 3)},
		{Key: maptile.New(0, 1, 3)},
		{Key: maptile.New(1, 1, 3)},
		// ancestors coarse to fine
		{Key: maptile.New(0, 0, 0)},
		{Key: maptile.New(0, 0, 1)},
		{Key: maptile.New(1, 0, 2)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestChainPrefersLocal(t *testing.T) {
	local := newGateSource([]byte("local"))
	remote := newGateSource([]byte("remote"))
	key := maptile.New(1, 2, 3)
	local.release(key, nil)

	data, err := Chain{local, remote}.Fetch(context.Background(), key)
	if err != nil || string(data) != "local" {
		t.Fatalf("Fetch = %q, %v", data, err)
	}
	if len(remote.calls) != 0 {
		t.Errorf("remote consulted although local hit")
	}

	local.release(key, ErrNotFound)
	remote.release(key, nil)
	data, err = Chain{local, remote}.Fetch(context.Background(), key)
	if err != nil || string(data) != "remote" {
		t.Errorf("Fetch after local miss = %q, %v", data, err)
	}

	local.release(key, ErrNotFound)
	remote.release(key, ErrNetwork)
	if _, err := (Chain{local, remote}).Fetch(context.Background(), key); !errors.Is(err, ErrNetwork) {
		t.Errorf("Fetch error = %v, want ErrNetwork", err)
	}
}

package tile

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/paulmach/orb/maptile"
)

// RetryPolicy bounds how often a failed tile is fetched again. Retries only
// happen when a full refresh resolves the tile after its backoff elapsed.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	MaxInterval time.Duration
}

// DefaultRetryPolicy allows three attempts, backing off from 2s up to 1m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: 2 * time.Second, MaxInterval: time.Minute}
}

type failure struct {
	attempts int
	next     time.Time
	backoff  *backoff.ExponentialBackOff
}

type failureBook struct {
	policy RetryPolicy
	items  map[maptile.Tile]*failure
}

func newFailureBook(p RetryPolicy) *failureBook {
	return &failureBook{policy: p, items: make(map[maptile.Tile]*failure)}
}

func (b *failureBook) record(key maptile.Tile, now time.Time) *failure {
	f, ok := b.items[key]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = b.policy.Initial
		eb.MaxInterval = b.policy.MaxInterval
		eb.RandomizationFactor = 0
		eb.Reset()
		f = &failure{backoff: eb}
		b.items[key] = f
	}
	f.attempts++
	f.next = now.Add(f.backoff.NextBackOff())
	return f
}

func (b *failureBook) eligible(key maptile.Tile, now time.Time) bool {
	f, ok := b.items[key]
	if !ok {
		return true
	}
	return f.attempts < b.policy.MaxAttempts && !now.Before(f.next)
}

func (b *failureBook) forget(key maptile.Tile) {
	delete(b.items, key)
}

// exhaustedAge is how many MaxIntervals a key that used up its attempts
// stays booked once it is no longer live.
const exhaustedAge = 10

// prune drops entries for keys that are no longer live and whose backoff
// elapsed. Keys that exhausted their attempts are kept for exhaustedAge
// max intervals past their last backoff, so a tile that keeps failing is not
// fetched again on every return to its area.
func (b *failureBook) prune(live func(maptile.Tile) bool, now time.Time) {
	for key, f := range b.items {
		if live(key) || now.Before(f.next) {
			continue
		}
		if f.attempts >= b.policy.MaxAttempts && now.Before(f.next.Add(exhaustedAge*b.policy.MaxInterval)) {
			continue
		}
		delete(b.items, key)
	}
}

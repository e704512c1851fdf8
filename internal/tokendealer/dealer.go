// Package tokendealer rotates a pool of API credentials under rate-limit
// discipline. Exhausted tokens are quarantined until their reset time.
package tokendealer

import (
	"context"
	"sync"
	"time"

	"github.com/npmlens/npmlens/internal/errkind"
)

// DefaultGroup is the group used when callers do not name one.
const DefaultGroup = "github"

// Release marks the end of a token lease. A non-zero exhaustedUntil
// (epoch milliseconds) quarantines the token until that instant.
type Release func(exhaustedUntil int64)

// Usage describes one token for reporting.
type Usage struct {
	Token     string
	Exhausted bool
	Reset     time.Time
}

// entry is one credential in the pool.
type entry struct {
	token string
	reset time.Time
}

func (e *entry) exhausted(now time.Time) bool {
	return e.reset.After(now)
}

// Dealer is a process-wide pool of (token, group) entries.
// All mutation is serialized under one mutex.
type Dealer struct {
	mu     sync.Mutex
	groups map[string][]*entry
	cursor map[string]int

	// wait blocks WithToken until the nearest reset when the pool is
	// exhausted, instead of returning NO_TOKENS_AVAILABLE.
	wait bool

	// now is replaceable for tests.
	now func() time.Time
}

// Option customizes a Dealer.
type Option func(*Dealer)

// WithWait makes WithToken block until the nearest reset when every
// token in the group is exhausted.
func WithWait(wait bool) Option {
	return func(d *Dealer) { d.wait = wait }
}

// WithClock replaces the wall clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(d *Dealer) { d.now = now }
}

// New creates a Dealer holding the given tokens under group.
func New(group string, tokens []string, opts ...Option) *Dealer {
	d := &Dealer{
		groups: make(map[string][]*entry),
		cursor: make(map[string]int),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.Add(group, tokens)

	return d
}

// Add registers tokens under group.
func (d *Dealer) Add(group string, tokens []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range tokens {
		d.groups[group] = append(d.groups[group], &entry{token: t})
	}
}

// WithToken leases a non-exhausted token from group, round-robin.
// When every token is exhausted it either blocks until the nearest reset
// (wait mode) or fails with kind NO_TOKENS_AVAILABLE.
func (d *Dealer) WithToken(ctx context.Context, group string) (string, Release, error) {
	for {
		token, release, nearest, ok := d.tryLease(group)
		if ok {
			return token, release, nil
		}

		if nearest.IsZero() {
			return "", nil, errkind.Newf(errkind.NoTokensAvailable, "no tokens registered for group %q", group)
		}

		if !d.wait {
			return "", nil, errkind.Newf(errkind.NoTokensAvailable,
				"all %s tokens exhausted until %s", group, nearest.Format(time.RFC3339))
		}

		sleep := nearest.Sub(d.now())
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			timer.Stop()

			return "", nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryLease picks the next non-exhausted token in group. When none is
// available it reports the nearest reset time (zero when the group is empty).
func (d *Dealer) tryLease(group string) (string, Release, time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.groups[group]
	if len(entries) == 0 {
		return "", nil, time.Time{}, false
	}

	now := d.now()

	var nearest time.Time

	for i := range entries {
		idx := (d.cursor[group] + i) % len(entries)

		e := entries[idx]
		if e.exhausted(now) {
			if nearest.IsZero() || e.reset.Before(nearest) {
				nearest = e.reset
			}

			continue
		}

		d.cursor[group] = (idx + 1) % len(entries)

		return e.token, d.releaseFunc(e), time.Time{}, true
	}

	return "", nil, nearest, false
}

func (d *Dealer) releaseFunc(e *entry) Release {
	return func(exhaustedUntil int64) {
		if exhaustedUntil == 0 {
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		e.reset = time.UnixMilli(exhaustedUntil)
	}
}

// Usage reports every token in group with its exhaustion state.
func (d *Dealer) Usage(group string) []Usage {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	out := make([]Usage, 0, len(d.groups[group]))
	for _, e := range d.groups[group] {
		out = append(out, Usage{
			Token:     e.token,
			Exhausted: e.exhausted(now),
			Reset:     e.reset,
		})
	}

	return out
}

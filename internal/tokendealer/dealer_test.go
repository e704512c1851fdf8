package tokendealer_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/tokendealer"
)

const group = "github"

func TestWithToken_RoundRobin(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, []string{"a", "b", "c"})

	var seen []string

	for range 6 {
		tok, release, err := d.WithToken(context.Background(), group)
		require.NoError(t, err)
		release(0)

		seen = append(seen, tok)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seen)
}

func TestWithToken_SkipsExhausted(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, []string{"a", "b"})

	tok, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	require.Equal(t, "a", tok)
	release(time.Now().Add(time.Hour).UnixMilli())

	// "a" is quarantined; every subsequent lease yields "b".
	for range 3 {
		tok, release, err = d.WithToken(context.Background(), group)
		require.NoError(t, err)
		assert.Equal(t, "b", tok)
		release(0)
	}
}

func TestWithToken_AllExhaustedFails(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, []string{"a"})

	tok, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(time.Now().Add(time.Hour).UnixMilli())

	_, _, err = d.WithToken(context.Background(), group)
	require.Error(t, err)
	assert.Equal(t, errkind.NoTokensAvailable, errkind.Of(err))
	assert.NotEmpty(t, tok)
}

func TestWithToken_WaitBlocksUntilReset(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, []string{"a"}, tokendealer.WithWait(true))

	_, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(time.Now().Add(50 * time.Millisecond).UnixMilli())

	start := time.Now()

	tok, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(0)

	assert.Equal(t, "a", tok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWithToken_WaitSleepsOnInjectedClock(t *testing.T) {
	t.Parallel()

	// A clock skewed an hour behind the wall clock: the wait duration
	// must come from this clock, or the dealer busy-spins instead of
	// sleeping.
	var calls atomic.Int64

	clock := func() time.Time {
		calls.Add(1)

		return time.Now().Add(-time.Hour)
	}

	d := tokendealer.New(group, []string{"a"},
		tokendealer.WithWait(true), tokendealer.WithClock(clock))

	_, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(time.Now().Add(-time.Hour).Add(50 * time.Millisecond).UnixMilli())

	calls.Store(0)

	tok, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(0)

	assert.Equal(t, "a", tok)
	assert.Less(t, calls.Load(), int64(10))
}

func TestWithToken_WaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, []string{"a"}, tokendealer.WithWait(true))

	_, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(time.Now().Add(time.Hour).UnixMilli())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err = d.WithToken(ctx, group)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithToken_ExpiredQuarantineClears(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	d := tokendealer.New(group, []string{"a"}, tokendealer.WithClock(clock))

	_, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(now.Add(time.Minute).UnixMilli())

	_, _, err = d.WithToken(context.Background(), group)
	require.Error(t, err)

	// Advance past the reset; the token is usable again.
	now = now.Add(2 * time.Minute)

	tok, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)
	release(0)
	assert.Equal(t, "a", tok)
}

func TestUsage(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, []string{"a", "b"})

	_, release, err := d.WithToken(context.Background(), group)
	require.NoError(t, err)

	reset := time.Now().Add(time.Hour)
	release(reset.UnixMilli())

	usage := d.Usage(group)
	require.Len(t, usage, 2)

	assert.Equal(t, "a", usage[0].Token)
	assert.True(t, usage[0].Exhausted)
	assert.WithinDuration(t, reset, usage[0].Reset, time.Second)
	assert.False(t, usage[1].Exhausted)
}

func TestUsage_UnknownGroupEmpty(t *testing.T) {
	t.Parallel()

	d := tokendealer.New(group, nil)
	assert.Empty(t, d.Usage("missing"))
}

package observer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/observer"
	"github.com/npmlens/npmlens/internal/registry"
	"github.com/npmlens/npmlens/internal/store"
)

type fakeFeed struct {
	ch  chan registry.Change
	cur registry.Change
	err error
}

func (f *fakeFeed) Next() bool {
	c, ok := <-f.ch
	if !ok {
		return false
	}

	f.cur = c

	return true
}

func (f *fakeFeed) Change() registry.Change { return f.cur }
func (f *fakeFeed) Err() error              { return f.err }
func (f *fakeFeed) Close() error            { return nil }

// fakeSource hands out prepared feeds and records the since each feed
// was opened with. Once prepared feeds run out it parks the observer on
// an idle feed.
type fakeSource struct {
	mu    sync.Mutex
	feeds []*fakeFeed
	since []string
}

func (s *fakeSource) Changes(_ context.Context, since string) registry.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.since = append(s.since, since)

	if len(s.feeds) == 0 {
		return &fakeFeed{ch: make(chan registry.Change)}
	}

	feed := s.feeds[0]
	s.feeds = s.feeds[1:]

	return feed
}

func (s *fakeSource) sinceValues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.since...)
}

// batchSink records every onPackages batch.
type batchSink struct {
	mu      sync.Mutex
	batches [][]string
}

func (b *batchSink) handle(_ context.Context, names []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batches = append(b.batches, append([]string(nil), names...))

	return nil
}

func (b *batchSink) snapshot() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([][]string(nil), b.batches...)
}

type countingMetrics struct {
	flushes   atomic.Int32
	conflicts atomic.Int32
}

func (m *countingMetrics) ObserveBufferSize(int)      {}
func (m *countingMetrics) ObserveFlush()              { m.flushes.Add(1) }
func (m *countingMetrics) ObserveCheckpointConflict() { m.conflicts.Add(1) }

type seqDoc struct {
	store.Meta

	Value string `json:"value"`
}

func feedOf(changes ...registry.Change) *fakeFeed {
	feed := &fakeFeed{ch: make(chan registry.Change, len(changes))}
	for _, c := range changes {
		feed.ch <- c
	}

	return feed
}

func burst(n int) []registry.Change {
	changes := make([]registry.Change, n)
	for i := range n {
		changes[i] = registry.Change{
			Seq:  fmt.Sprintf("%d", i+1),
			Name: fmt.Sprintf("pkg-%04d", i+1),
		}
	}

	return changes
}

func TestRealtime_FlushesOnBufferSizeAndDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s := store.NewMem()
	sink := &batchSink{}
	metrics := &countingMetrics{}

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source:     &fakeSource{feeds: []*fakeFeed{feedOf(burst(2500)...)}},
		Store:      s,
		OnPackages: sink.handle,
		Metrics:    metrics,
		BufferSize: 1000,
		FlushDelay: 50 * time.Millisecond,
	})

	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	batches := sink.snapshot()
	assert.Len(t, batches[0], 1000)
	assert.Len(t, batches[1], 1000)
	assert.Len(t, batches[2], 500)
	assert.Equal(t, "pkg-0001", batches[0][0])
	assert.Equal(t, "pkg-2500", batches[2][499])

	var checkpoint seqDoc
	require.NoError(t, s.Get(ctx, store.KeyLastSeq, &checkpoint))
	assert.Equal(t, "2500", checkpoint.Value)

	assert.EqualValues(t, 3, metrics.flushes.Load())
	assert.Zero(t, metrics.conflicts.Load())
}

func TestRealtime_DeduplicatesAndSkipsDesignDocuments(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s := store.NewMem()
	sink := &batchSink{}

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source: &fakeSource{feeds: []*fakeFeed{feedOf(
			registry.Change{Seq: "1", Name: "left-pad"},
			registry.Change{Seq: "2", Name: "_design/app"},
			registry.Change{Seq: "3", Name: "left-pad"},
			registry.Change{Seq: "4", Name: "lodash"},
		)}},
		Store:      s,
		OnPackages: sink.handle,
		BufferSize: 4,
		FlushDelay: time.Minute,
	})

	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"left-pad", "lodash"}, sink.snapshot()[0])
}

func TestRealtime_StartsAtNowWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	source := &fakeSource{}

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source:     source,
		Store:      store.NewMem(),
		OnPackages: func(context.Context, []string) error { return nil },
	})

	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(source.sinceValues()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{registry.SinceNow}, source.sinceValues())
}

func TestRealtime_ResumesFromStoredCheckpoint(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s := store.NewMem()
	require.NoError(t, s.Put(ctx, store.KeyLastSeq, &seqDoc{Value: "42"}))

	source := &fakeSource{}

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source:     source,
		Store:      s,
		OnPackages: func(context.Context, []string) error { return nil },
		DefaultSeq: 7, // ignored: the stored checkpoint wins
	})

	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(source.sinceValues()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"42"}, source.sinceValues())
}

func TestRealtime_RestartsFromCheckpointAfterFeedLoss(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	// The first feed delivers one full buffer and then dies.
	dying := feedOf(
		registry.Change{Seq: "10", Name: "a"},
		registry.Change{Seq: "11", Name: "b"},
	)
	dying.err = errors.New("connection reset")
	close(dying.ch)

	source := &fakeSource{feeds: []*fakeFeed{dying}}
	sink := &batchSink{}

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source:       source,
		Store:        store.NewMem(),
		OnPackages:   sink.handle,
		BufferSize:   2,
		FlushDelay:   time.Minute,
		RestartDelay: 10 * time.Millisecond,
	})

	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(source.sinceValues()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The replacement feed resumes after the last flushed seq.
	assert.Equal(t, "11", source.sinceValues()[1])
	require.Len(t, sink.snapshot(), 1)
	assert.Equal(t, []string{"a", "b"}, sink.snapshot()[0])
}

func TestRealtime_DoesNotAdvanceCheckpointAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s := store.NewMem()
	done := make(chan struct{})

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source: &fakeSource{feeds: []*fakeFeed{feedOf(
			registry.Change{Seq: "1", Name: "a"},
			registry.Change{Seq: "2", Name: "b"},
		)}},
		Store: s,
		OnPackages: func(context.Context, []string) error {
			// Shutdown arrives while the batch handler runs.
			cancel()

			return nil
		},
		BufferSize: 2,
		FlushDelay: time.Minute,
	})

	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not stop")
	}

	var checkpoint seqDoc
	assert.True(t, store.IsNotFound(s.Get(context.Background(), store.KeyLastSeq, &checkpoint)))
}

func TestRealtime_DetectsCompetingObserver(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s := store.NewMem()
	metrics := &countingMetrics{}

	var flushed atomic.Int32

	o := observer.NewRealtime(observer.RealtimeOptions{
		Source: &fakeSource{feeds: []*fakeFeed{feedOf(
			registry.Change{Seq: "1", Name: "a"},
			registry.Change{Seq: "2", Name: "b"},
		)}},
		Store: s,
		OnPackages: func(ctx context.Context, _ []string) error {
			// A second observer advances the checkpoint between our
			// first write and our second.
			if flushed.Add(1) == 2 {
				var doc seqDoc
				if err := s.Get(ctx, store.KeyLastSeq, &doc); err != nil {
					return err
				}

				doc.Value = "9999"

				return s.Put(ctx, store.KeyLastSeq, &doc)
			}

			return nil
		},
		Metrics:    metrics,
		BufferSize: 1,
		FlushDelay: time.Minute,
	})

	go func() { _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return metrics.conflicts.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

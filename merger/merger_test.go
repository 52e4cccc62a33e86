package merger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
)

// fakeSource is a mutable segment set; tests update it the way a merge
// swap would.
type fakeSource struct {
	mu    sync.Mutex
	sizes []SegmentSize
}

func (f *fakeSource) SegmentSizes() []SegmentSize {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SegmentSize(nil), f.sizes...)
}

func (f *fakeSource) set(sizes []SegmentSize) {
	f.mu.Lock()
	f.sizes = sizes
	f.mu.Unlock()
}

type mergeRecorder struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(names []string) error
}

func (r *mergeRecorder) merge(_ context.Context, names []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), names...))
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(names)
	}
	return nil
}

func (r *mergeRecorder) recorded() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func testOptions() Options {
	return Options{MergeFactor: 3, MinMergeDocs: 100, MaxMergeDocs: 10000, Workers: 2}
}

func TestMergeTriggeredWhenBucketFills(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 10}, {"b", 12}, {"c", 9}})
	rec := &mergeRecorder{}
	rec.fn = func([]string) error {
		// Simulate the swap so the post-merge notification sees one
		// segment and schedules nothing further.
		src.set([]SegmentSize{{"m", 31}})
		return nil
	}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.Start()
	m.NotifyIndexChanged()
	require.NoError(t, m.WaitUntilIdle(context.Background()))

	calls := rec.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"a", "b", "c"}, calls[0])
}

func TestNoMergeBelowFanIn(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 10}, {"b", 12}})
	rec := &mergeRecorder{}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.Start()
	m.NotifyIndexChanged()
	require.NoError(t, m.WaitUntilIdle(context.Background()))

	assert.Empty(t, rec.recorded())
}

func TestSegmentsInDifferentBucketsDoNotMerge(t *testing.T) {
	src := &fakeSource{}
	// 10 and 12 share the smallest bucket; 500 lands in a larger one.
	src.set([]SegmentSize{{"a", 10}, {"b", 12}, {"c", 500}})
	rec := &mergeRecorder{}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.Start()
	m.NotifyIndexChanged()
	require.NoError(t, m.WaitUntilIdle(context.Background()))

	assert.Empty(t, rec.recorded())
}

func TestOversizedSegmentsAreLeftAlone(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 20000}, {"b", 20000}, {"c", 20000}})
	rec := &mergeRecorder{}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.Start()
	m.NotifyIndexChanged()
	require.NoError(t, m.WaitUntilIdle(context.Background()))

	assert.Empty(t, rec.recorded())
}

func TestWorkersBlockedUntilStart(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 10}, {"b", 12}, {"c", 9}})
	rec := &mergeRecorder{}
	rec.fn = func([]string) error {
		src.set([]SegmentSize{{"m", 31}})
		return nil
	}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.NotifyIndexChanged()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.recorded(), "no merge may run before Start")

	m.Start()
	require.NoError(t, m.WaitUntilIdle(context.Background()))
	assert.Len(t, rec.recorded(), 1)
}

func TestAbandonedMergeIsNotRetried(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 10}, {"b", 12}, {"c", 9}})
	rec := &mergeRecorder{}
	rec.fn = func([]string) error {
		return core.ErrMergeAbandoned
	}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.Start()
	m.NotifyIndexChanged()
	require.NoError(t, m.WaitUntilIdle(context.Background()))

	assert.Len(t, rec.recorded(), 1)
}

func TestInFlightSegmentsNotScheduledTwice(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 10}, {"b", 12}, {"c", 9}})
	release := make(chan struct{})
	rec := &mergeRecorder{}
	rec.fn = func([]string) error {
		<-release
		src.set([]SegmentSize{{"m", 31}})
		return nil
	}

	m := New(src, rec.merge, testOptions())
	defer m.Stop(time.Second)
	m.Start()
	m.NotifyIndexChanged()
	// While the first task is running, further notifications must not
	// re-schedule its inputs.
	time.Sleep(20 * time.Millisecond)
	m.NotifyIndexChanged()
	m.NotifyIndexChanged()
	close(release)
	require.NoError(t, m.WaitUntilIdle(context.Background()))

	assert.Len(t, rec.recorded(), 1)
}

func TestWaitUntilIdleHonorsContext(t *testing.T) {
	src := &fakeSource{}
	src.set([]SegmentSize{{"a", 10}, {"b", 12}, {"c", 9}})
	release := make(chan struct{})
	rec := &mergeRecorder{}
	rec.fn = func([]string) error {
		<-release
		return core.ErrMergeAbandoned
	}

	m := New(src, rec.merge, testOptions())
	defer func() {
		close(release)
		m.Stop(time.Second)
	}()
	m.Start()
	m.NotifyIndexChanged()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, m.WaitUntilIdle(ctx))
}

func TestStopWithoutStartReturns(t *testing.T) {
	src := &fakeSource{}
	m := New(src, (&mergeRecorder{}).merge, testOptions())

	done := make(chan struct{})
	go func() {
		m.Stop(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

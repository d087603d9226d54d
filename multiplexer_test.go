package jobsync

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/you/jobsync/feed"
	"github.com/you/jobsync/internal/fakefeed"
)

func newTestMultiplexer(t *testing.T) (*Multiplexer, *fakefeed.Feed) {
	t.Helper()
	f := fakefeed.New()
	m, err := NewMultiplexer(f, NopLogger(), NopMetrics())
	if err != nil {
		t.Fatalf("new multiplexer: %v", err)
	}
	return m, f
}

func TestFanOutSharesOneListener(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	const n = 5
	received := make([][]feed.Update, n)
	for i := 0; i < n; i++ {
		i := i
		if _, err := m.Subscribe(ctx, "job-42", func(u feed.Update) {
			received[i] = append(received[i], u)
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if got := f.Attaches("job-42"); got != 1 {
		t.Fatalf("expected exactly 1 underlying listener, got %d", got)
	}

	update := feed.Update{JobID: "job-42", Status: "processing", Payload: map[string]string{"step": "parse"}}
	if err := f.Publish(ctx, update); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < n; i++ {
		if len(received[i]) != 1 {
			t.Fatalf("callback %d received %d updates, want 1", i, len(received[i]))
		}
		if !reflect.DeepEqual(received[i][0], update) {
			t.Fatalf("callback %d payload mismatch: %+v", i, received[i][0])
		}
	}
}

func TestDispatchFollowsRegistrationOrder(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		if _, err := m.Subscribe(ctx, "job-42", func(feed.Update) {
			order = append(order, i)
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if err := f.Publish(ctx, feed.Update{JobID: "job-42"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reflect.DeepEqual(order, []int{0, 1, 2, 3}) {
		t.Fatalf("dispatch order %v, want registration order", order)
	}
}

func TestLastUnsubscribeTearsDownListener(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	const n = 5
	unsubs := make([]Unsubscribe, n)
	for i := 0; i < n; i++ {
		var err error
		unsubs[i], err = m.Subscribe(ctx, "job-42", func(feed.Update) {})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	for i := 0; i < n-1; i++ {
		unsubs[i]()
	}
	if got := f.Detaches("job-42"); got != 0 {
		t.Fatalf("listener torn down too early, %d detaches", got)
	}
	if got := m.Stats().CallbacksByJob["job-42"]; got != 1 {
		t.Fatalf("expected 1 remaining callback, got %d", got)
	}

	unsubs[n-1]()
	if got := f.Detaches("job-42"); got != 1 {
		t.Fatalf("expected listener teardown, %d detaches", got)
	}
	if got := m.Stats().ActiveSubscriptions; got != 0 {
		t.Fatalf("expected no active subscriptions, got %d", got)
	}

	// Unsubscribing again is a no-op.
	unsubs[n-1]()
	if got := f.Detaches("job-42"); got != 1 {
		t.Fatalf("double unsubscribe must not detach twice, got %d", got)
	}
}

func TestDistinctJobsGetDistinctListeners(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	for _, jobID := range []string{"job-1", "job-2"} {
		if _, err := m.Subscribe(ctx, jobID, func(feed.Update) {}); err != nil {
			t.Fatalf("subscribe %s: %v", jobID, err)
		}
	}

	stats := m.Stats()
	if stats.ActiveSubscriptions != 2 {
		t.Fatalf("active subscriptions = %d, want 2", stats.ActiveSubscriptions)
	}
	if stats.TotalCallbacks != 2 {
		t.Fatalf("total callbacks = %d, want 2", stats.TotalCallbacks)
	}
	if f.Attaches("job-1") != 1 || f.Attaches("job-2") != 1 {
		t.Fatalf("expected one listener per job, got %d and %d", f.Attaches("job-1"), f.Attaches("job-2"))
	}
}

func TestPanickingCallbackDoesNotBlockSiblings(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	var delivered int
	if _, err := m.Subscribe(ctx, "job-42", func(feed.Update) {
		panic("subscriber bug")
	}); err != nil {
		t.Fatalf("subscribe panicking callback: %v", err)
	}
	if _, err := m.Subscribe(ctx, "job-42", func(feed.Update) {
		delivered++
	}); err != nil {
		t.Fatalf("subscribe sibling: %v", err)
	}

	if err := f.Publish(ctx, feed.Update{JobID: "job-42", Status: "processing"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("sibling callback received %d updates, want 1", delivered)
	}

	// The underlying listener survives a panicking subscriber.
	if err := f.Publish(ctx, feed.Update{JobID: "job-42", Status: "completed"}); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("sibling callback received %d updates after panic, want 2", delivered)
	}
}

func TestStatsSnapshot(t *testing.T) {
	m, _ := newTestMultiplexer(t)
	ctx := context.Background()

	var unsub Unsubscribe
	for i := 0; i < 3; i++ {
		var err error
		unsub, err = m.Subscribe(ctx, "job-1", func(feed.Update) {})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := m.Subscribe(ctx, "job-2", func(feed.Update) {}); err != nil {
		t.Fatalf("subscribe job-2: %v", err)
	}
	unsub()

	stats := m.Stats()
	if stats.TotalSubscriptions != 2 {
		t.Fatalf("total subscriptions = %d, want 2", stats.TotalSubscriptions)
	}
	if stats.ActiveSubscriptions != 2 {
		t.Fatalf("active subscriptions = %d, want 2", stats.ActiveSubscriptions)
	}
	if stats.TotalCallbacks != 3 {
		t.Fatalf("total callbacks = %d, want 3", stats.TotalCallbacks)
	}
	want := map[string]int{"job-1": 2, "job-2": 1}
	if !reflect.DeepEqual(stats.CallbacksByJob, want) {
		t.Fatalf("callbacks by job = %v, want %v", stats.CallbacksByJob, want)
	}
}

func TestCloseDetachesEverything(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	for _, jobID := range []string{"job-1", "job-2"} {
		if _, err := m.Subscribe(ctx, jobID, func(feed.Update) {}); err != nil {
			t.Fatalf("subscribe %s: %v", jobID, err)
		}
	}
	m.Close()

	if f.ActiveWatchers("job-1") != 0 || f.ActiveWatchers("job-2") != 0 {
		t.Fatalf("expected all listeners detached after close")
	}
	if _, err := m.Subscribe(ctx, "job-3", func(feed.Update) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: got %v, want ErrClosed", err)
	}

	// Close twice is safe.
	m.Close()
}

func TestUnsubscribeDuringLaterDispatchIsRespected(t *testing.T) {
	m, f := newTestMultiplexer(t)
	ctx := context.Background()

	var got int
	unsub, err := m.Subscribe(ctx, "job-42", func(feed.Update) { got++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.Publish(ctx, feed.Update{JobID: "job-42"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	unsub()
	if err := f.Publish(ctx, feed.Update{JobID: "job-42"}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if got != 1 {
		t.Fatalf("callback received %d updates, want 1", got)
	}
}

package tracker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/seantiz/anvil/internal/tracker"
)

func newTracker() *tracker.Tracker {
	return tracker.New(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestWaitWithNoWorkReturnsImmediately(t *testing.T) {
	tr := newTracker()
	done := make(chan error, 1)
	go func() { done <- tr.WaitForCompletion(context.Background(), "op") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait on an operation with no work blocked")
	}
}

func TestFailuresAggregatedInCompletionOrder(t *testing.T) {
	tr := newTracker()
	for i := range 5 {
		require.NoError(t, tr.Track("op", fmt.Sprintf("item-%d", i), "compile"))
	}

	errA := errors.New("a")
	errB := errors.New("b")
	require.NoError(t, tr.Completed("item-0", nil))
	require.NoError(t, tr.Completed("item-3", errA))
	require.NoError(t, tr.Completed("item-1", nil))
	require.NoError(t, tr.Completed("item-2", errB))
	require.NoError(t, tr.Completed("item-4", nil))

	err := tr.WaitForCompletion(context.Background(), "op")
	var opErr *tracker.OperationFailure
	require.ErrorAs(t, err, &opErr)
	require.Len(t, opErr.Failures, 2)
	assert.Equal(t, "item-3", opErr.Failures[0].ItemID)
	assert.Equal(t, "item-2", opErr.Failures[1].ItemID)
	assert.Equal(t, "compile", opErr.Failures[0].Action)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestWaitBlocksUntilDrained(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Track("op", "a", "x"))
	require.NoError(t, tr.Track("op", "b", "x"))

	done := make(chan error, 1)
	go func() { done <- tr.WaitForCompletion(context.Background(), "op") }()

	require.NoError(t, tr.Completed("a", nil))
	select {
	case <-done:
		t.Fatal("wait returned with work in flight")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 1, tr.InFlight("op"))

	require.NoError(t, tr.Completed("b", nil))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the last completion")
	}
	assert.Equal(t, 0, tr.InFlight("op"))
	_, ok := tr.Operation("op")
	assert.False(t, ok, "entry is removed once reported")
}

func TestCompletionsNotBlockedByWaiter(t *testing.T) {
	tr := newTracker()
	const n = 200
	for i := range n {
		require.NoError(t, tr.Track("op", fmt.Sprint(i), "x"))
	}
	done := make(chan error, 1)
	go func() { done <- tr.WaitForCompletion(context.Background(), "op") }()

	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			if err := tr.Completed(fmt.Sprint(i), nil); err != nil {
				t.Errorf("Completed: %v", err)
			}
		})
	}
	wg.Wait()
	require.NoError(t, <-done)
}

func TestTrackAfterDrainBeforeWait(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Track("op", "a", "x"))
	require.NoError(t, tr.Completed("a", nil))
	require.NoError(t, tr.Track("op", "b", "x"))

	done := make(chan error, 1)
	go func() { done <- tr.WaitForCompletion(context.Background(), "op") }()
	select {
	case <-done:
		t.Fatal("wait returned while b was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, tr.Completed("b", errors.New("late")))
	var opErr *tracker.OperationFailure
	require.ErrorAs(t, <-done, &opErr)
	assert.Len(t, opErr.Failures, 1)
}

func TestDrainedOperationsEvictedAfterRetention(t *testing.T) {
	tr := tracker.New(slog.New(slog.DiscardHandler), tracker.WithRetention(20*time.Millisecond))
	for i := range 100 {
		op := fmt.Sprintf("op-%d", i)
		require.NoError(t, tr.Track(op, op+"/item", "compile"))
		require.NoError(t, tr.Completed(op+"/item", errors.New("boom")))
	}
	require.NoError(t, tr.Track("busy", "first", "compile"))
	require.NoError(t, tr.Completed("first", nil))
	require.NoError(t, tr.Track("busy", "second", "compile"))

	require.Eventually(t, func() bool {
		return len(tr.Operations()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	info, ok := tr.Operation("busy")
	require.True(t, ok, "an operation tracked again after draining is kept")
	assert.Equal(t, 1, info.InFlight)
	assert.NoError(t, tr.WaitForCompletion(context.Background(), "op-0"))
}

func TestConcurrentWaitRejected(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Track("op", "a", "x"))

	first := make(chan error, 1)
	go func() { first <- tr.WaitForCompletion(context.Background(), "op") }()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, tr.WaitForCompletion(ctx, "op"), tracker.ErrConcurrentWait)

	require.NoError(t, tr.Completed("a", nil))
	require.NoError(t, <-first)
}

func TestWaitContextCancelled(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Track("op", "a", "x"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.WaitForCompletion(ctx, "op"), context.DeadlineExceeded)

	// A later waiter can still collect the result.
	require.NoError(t, tr.Completed("a", nil))
	require.NoError(t, tr.WaitForCompletion(context.Background(), "op"))
}

func TestUnknownAndDuplicateItems(t *testing.T) {
	tr := newTracker()
	require.ErrorIs(t, tr.Completed("ghost", nil), tracker.ErrUnknownWorkItem)
	require.NoError(t, tr.Track("op", "a", "x"))
	require.ErrorIs(t, tr.Track("op2", "a", "x"), tracker.ErrDuplicateWorkItem)
}

func TestOperationsSnapshot(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Track("b", "1", "x"))
	require.NoError(t, tr.Track("a", "2", "x"))
	require.NoError(t, tr.Completed("2", errors.New("f")))

	ops := tr.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, tracker.OperationInfo{OperationID: "a", InFlight: 0, Total: 1, Failures: 1}, ops[0])
	assert.Equal(t, tracker.OperationInfo{OperationID: "b", InFlight: 1, Total: 1, Failures: 0}, ops[1])
}

func TestFailureCountMatchesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := newTracker()
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 50).Draw(rt, "fails")
		for i := range outcomes {
			if err := tr.Track("op", fmt.Sprint(i), "x"); err != nil {
				rt.Fatalf("Track: %v", err)
			}
		}
		order := rapid.Permutation(indices(len(outcomes))).Draw(rt, "order")
		want := 0
		for _, i := range order {
			var err error
			if outcomes[i] {
				err = fmt.Errorf("fail %d", i)
				want++
			}
			if cerr := tr.Completed(fmt.Sprint(i), err); cerr != nil {
				rt.Fatalf("Completed: %v", cerr)
			}
		}
		err := tr.WaitForCompletion(context.Background(), "op")
		if want == 0 {
			if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
			return
		}
		var opErr *tracker.OperationFailure
		if !errors.As(err, &opErr) || len(opErr.Failures) != want {
			rt.Fatalf("want %d failures, got %v", want, err)
		}
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

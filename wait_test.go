package pickplace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedQuery reports states[i] on poll i, repeating the last entry once the script runs out.
type scriptedQuery struct {
	mu     sync.Mutex
	states []ObjectState
	polls  int
	err    error
	polled chan struct{}
}

func (q *scriptedQuery) current() ObjectState {
	if len(q.states) == 0 {
		return StateAbsent
	}
	i := q.polls - 1
	if i >= len(q.states) {
		i = len(q.states) - 1
	}
	return q.states[i]
}

func (q *scriptedQuery) AttachedObjects(ctx context.Context, names []string) (map[string]AttachedObject, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	if q.polled != nil {
		select {
		case q.polled <- struct{}{}:
		default:
		}
	}
	if q.err != nil {
		return nil, q.err
	}
	out := map[string]AttachedObject{}
	if q.current().Attached {
		out[names[0]] = AttachedObject{Name: names[0], Link: "panda_hand"}
	}
	return out, nil
}

func (q *scriptedQuery) KnownObjectNames(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current().Known {
		return []string{"other", "box"}, nil
	}
	return []string{"other"}, nil
}

func (q *scriptedQuery) Polls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.polls
}

// waitAdvancing runs WaitForState on a mock clock and keeps moving time forward until it returns.
func waitAdvancing(t *testing.T, q StateQuery, want ObjectState, opts WaitOptions) Outcome {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := WaitForState(context.Background(), q, "box", want, opts)
		done <- result{outcome, err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			require.NoError(t, r.err)
			return r.outcome
		case <-deadline:
			t.Fatal("WaitForState did not return")
		default:
			mock.Add(opts.Interval)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestObserveObject(t *testing.T) {
	ctx := context.Background()
	for _, want := range []ObjectState{StateAbsent, StateKnown, StateAttached} {
		q := &scriptedQuery{states: []ObjectState{want}}
		got, err := ObserveObject(ctx, q, "box")
		require.NoError(t, err)
		assert.Equal(t, want, got, want.String())
	}
}

func TestWaitForStateConvergesImmediately(t *testing.T) {
	mock := clock.NewMock()
	q := &scriptedQuery{states: []ObjectState{StateKnown}}

	outcome, err := WaitForState(context.Background(), q, "box", StateKnown, WaitOptions{
		Timeout:  4 * time.Second,
		Interval: 100 * time.Millisecond,
		Clock:    mock,
	})
	require.NoError(t, err)
	assert.Equal(t, Converged, outcome)
	assert.True(t, outcome.OK())
	assert.Equal(t, 1, q.Polls())
}

func TestWaitForStateConvergesAfterPolls(t *testing.T) {
	q := &scriptedQuery{states: []ObjectState{StateKnown, StateKnown, StateAttached}}

	outcome := waitAdvancing(t, q, StateAttached, WaitOptions{
		Timeout:  time.Minute,
		Interval: 100 * time.Millisecond,
	})
	assert.Equal(t, Converged, outcome)
	assert.Equal(t, 3, q.Polls())
}

func TestWaitForStateTimesOut(t *testing.T) {
	t.Run("mock clock", func(t *testing.T) {
		q := &scriptedQuery{states: []ObjectState{StateKnown}}
		outcome := waitAdvancing(t, q, StateAbsent, WaitOptions{
			Timeout:  time.Second,
			Interval: 100 * time.Millisecond,
		})
		assert.Equal(t, TimedOut, outcome)
		assert.False(t, outcome.OK())
		assert.GreaterOrEqual(t, q.Polls(), 1)
		assert.LessOrEqual(t, q.Polls(), 11)
	})

	t.Run("wall clock", func(t *testing.T) {
		q := &scriptedQuery{states: []ObjectState{StateAbsent}}
		timeout, interval := 50*time.Millisecond, 5*time.Millisecond
		start := time.Now()
		outcome, err := WaitForState(context.Background(), q, "box", StateKnown, WaitOptions{
			Timeout:  timeout,
			Interval: interval,
		})
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Equal(t, TimedOut, outcome)
		assert.GreaterOrEqual(t, elapsed, timeout)
		// gives up soon after the deadline
		assert.Less(t, elapsed, timeout+40*interval)
		assert.Greater(t, q.Polls(), 1)
	})
}

func TestWaitForStateCancelled(t *testing.T) {
	t.Run("before the first poll", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		q := &scriptedQuery{states: []ObjectState{StateKnown}}

		outcome, err := WaitForState(ctx, q, "box", StateKnown, WaitOptions{Clock: clock.NewMock()})
		require.NoError(t, err)
		assert.Equal(t, Cancelled, outcome)
		assert.Equal(t, 0, q.Polls())
	})

	t.Run("while sleeping between polls", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q := &scriptedQuery{states: []ObjectState{StateAbsent}, polled: make(chan struct{}, 1)}

		done := make(chan Outcome, 1)
		go func() {
			// the mock clock never advances, so only cancellation can end the wait
			outcome, _ := WaitForState(ctx, q, "box", StateKnown, WaitOptions{Clock: clock.NewMock()})
			done <- outcome
		}()

		select {
		case <-q.polled:
		case <-time.After(5 * time.Second):
			t.Fatal("no poll happened")
		}
		cancel()

		select {
		case outcome := <-done:
			assert.Equal(t, Cancelled, outcome)
		case <-time.After(5 * time.Second):
			t.Fatal("WaitForState ignored cancellation")
		}
	})
}

func TestWaitForStateQueryError(t *testing.T) {
	queryErr := errors.New("scene service unavailable")
	q := &scriptedQuery{err: queryErr}

	outcome, err := WaitForState(context.Background(), q, "box", StateKnown, WaitOptions{Clock: clock.NewMock()})
	require.ErrorIs(t, err, queryErr)
	assert.Equal(t, Outcome(0), outcome)
	assert.Equal(t, "unset", outcome.String())
}

func TestWaitOptionsDefaults(t *testing.T) {
	opts := WaitOptions{}.withDefaults()
	assert.Equal(t, 4*time.Second, opts.Timeout)
	assert.Equal(t, 100*time.Millisecond, opts.Interval)
	assert.NotNil(t, opts.Clock)

	mock := clock.NewMock()
	opts = WaitOptions{Timeout: time.Second, Interval: time.Millisecond, Clock: mock}.withDefaults()
	assert.Equal(t, time.Second, opts.Timeout)
	assert.Equal(t, time.Millisecond, opts.Interval)
	assert.Equal(t, clock.Clock(mock), opts.Clock)
}

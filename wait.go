package pickplace

import (
	"context"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultSceneTimeout = 4 * time.Second
)

// ObjectState is what the scene currently says about one named object.
type ObjectState struct {
	Known    bool
	Attached bool
}

var (
	StateAbsent   = ObjectState{}
	StateKnown    = ObjectState{Known: true}
	StateAttached = ObjectState{Attached: true}
)

func (s ObjectState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateKnown:
		return "known"
	case StateAttached:
		return "attached"
	default:
		return "known+attached"
	}
}

// AttachedObject describes an object bound to a robot link.
type AttachedObject struct {
	Name       string
	Link       string
	TouchLinks []string
}

// StateQuery is the read side of a planning scene.
type StateQuery interface {
	// KnownObjectNames lists the objects in the world, excluding attached ones.
	KnownObjectNames(ctx context.Context) ([]string, error)
	// AttachedObjects returns the attached objects among names, or all of them if names is empty.
	AttachedObjects(ctx context.Context, names []string) (map[string]AttachedObject, error)
}

// Outcome is how a wait ended.
type Outcome int

const (
	Converged Outcome = iota + 1
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unset"
	}
}

// OK reports whether the wanted state was observed.
func (o Outcome) OK() bool {
	return o == Converged
}

// WaitOptions controls the poll cadence. Zero fields take defaults.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    clock.Clock
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultSceneTimeout
	}
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// ObserveObject samples the state of name from query.
func ObserveObject(ctx context.Context, query StateQuery, name string) (ObjectState, error) {
	attached, err := query.AttachedObjects(ctx, []string{name})
	if err != nil {
		return ObjectState{}, err
	}
	known, err := query.KnownObjectNames(ctx)
	if err != nil {
		return ObjectState{}, err
	}
	return ObjectState{
		Known:    slices.Contains(known, name),
		Attached: len(attached) > 0,
	}, nil
}

// WaitForState polls query every opts.Interval until name is observed in want,
// opts.Timeout elapses, or ctx is done. Errors from query are returned as is.
func WaitForState(ctx context.Context, query StateQuery, name string, want ObjectState, opts WaitOptions) (Outcome, error) {
	opts = opts.withDefaults()
	clk := opts.Clock

	start := clk.Now()
	for clk.Since(start) < opts.Timeout {
		if ctx.Err() != nil {
			return Cancelled, nil
		}

		got, err := ObserveObject(ctx, query, name)
		if err != nil {
			return 0, err
		}
		if got == want {
			return Converged, nil
		}

		timer := clk.Timer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Cancelled, nil
		case <-timer.C:
		}
	}
	return TimedOut, nil
}

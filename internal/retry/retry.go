// Package retry provides a bounded retry primitive with an explicit
// delay schedule and context cancellation.
package retry

import (
	"context"
	"time"
)

// Policy is a fixed retry schedule. An operation runs len(Delays)+1
// times at most, waiting Delays[i] before attempt i+1. The zero Policy
// runs the operation exactly once.
type Policy struct {
	Delays []time.Duration
}

// Once returns a policy with a single reread after d.
func Once(d time.Duration) Policy {
	return Policy{Delays: []time.Duration{d}}
}

// Do runs op until it reports done, the schedule is exhausted or ctx is
// cancelled. op returns done=false to request another attempt; its error
// is returned as-is when done, or after the last attempt.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) (done bool, err error)) error {
	for attempt := 0; ; attempt++ {
		done, err := op(ctx)
		if done || attempt >= len(p.Delays) {
			return err
		}
		if err := sleep(ctx, p.Delays[attempt]); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

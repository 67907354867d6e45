package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/pkg/logger"
)

const DefaultInterval = time.Second

// ErrConditionUnmet is returned when attempts run out before until$ held.
var ErrConditionUnmet = errors.New("until condition never held")

// AttemptFunc performs one invocation of the repeated action.
type AttemptFunc func(ctx context.Context) (any, error)

// ConditionFunc reports whether an attempt's output ends the loop.
type ConditionFunc func(ctx context.Context, out any) (bool, error)

// Policy describes how an action is repeated. A zero Policy runs the
// attempt exactly once.
type Policy struct {
	Until        ConditionFunc
	UntilSuccess bool
	// MaxAttempts bounds the invocations; zero means until the context ends.
	MaxAttempts int
	Wait        time.Duration
}

func (p Policy) Active() bool {
	return p.Until != nil || p.UntilSuccess
}

type Controller struct {
	interval atomic.Int64
}

// NewController returns a controller waiting interval between attempts when
// a policy does not carry its own wait.
func NewController(interval time.Duration) *Controller {
	c := &Controller{}
	c.SetInterval(interval)
	return c
}

// SetInterval changes the default wait for loops started afterwards.
func (c *Controller) SetInterval(interval time.Duration) {
	if interval < 0 {
		interval = DefaultInterval
	}
	c.interval.Store(int64(interval))
}

func (c *Controller) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// PolicyFor translates the control block of d. cond evaluates the until$
// predicate and is only installed when d declares one.
func (c *Controller) PolicyFor(ctl core.Control, cond ConditionFunc) Policy {
	p := Policy{
		UntilSuccess: ctl.UntilSuccess,
		MaxAttempts:  ctl.MaxAttempts,
		Wait:         ctl.Wait,
	}
	if ctl.Until.IsSet() {
		p.Until = cond
	}
	return p
}

// Do invokes attempt until the policy is satisfied, attempts run out or ctx
// ends. The last output is returned on success.
func (c *Controller) Do(ctx context.Context, p Policy, attempt AttemptFunc) (any, error) {
	if !p.Active() {
		return attempt(ctx)
	}
	log := logger.FromContext(ctx)
	var (
		out      any
		attempts int
	)
	err := retry.Do(ctx, c.backoff(p), func(ctx context.Context) error {
		attempts++
		res, err := attempt(ctx)
		if err != nil {
			if p.UntilSuccess && ctx.Err() == nil {
				log.Debug("Attempt failed, retrying", "attempt", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		if p.Until != nil {
			ok, err := p.Until(ctx, res)
			if err != nil {
				return fmt.Errorf("until$: %w", err)
			}
			if !ok {
				log.Debug("Until condition not met", "attempt", attempts)
				return retry.RetryableError(ErrConditionUnmet)
			}
		}
		out = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConditionUnmet) {
			return nil, core.NewError(err, core.CodeActionError, map[string]any{"attempts": attempts})
		}
		return nil, err
	}
	return out, nil
}

func (c *Controller) backoff(p Policy) retry.Backoff {
	wait := p.Wait
	if wait <= 0 {
		wait = c.Interval()
	}
	var b retry.Backoff
	if wait > 0 {
		b = retry.NewConstant(wait)
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b) // #nosec G115 -- positive
	}
	return b
}

// Package poller observes a scheduled firmware CI job until it reaches a
// terminal status or a timeout elapses.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/fwci/pkg/firmwareci"
)

// Defaults for Options.
const (
	DefaultInterval             = 10 * time.Second
	DefaultMaxConsecutiveErrors = 3
)

// ErrTimeout is wrapped by every *TimeoutError.
var ErrTimeout = errors.New("job did not finish in time")

// TimeoutError means the job never reached a terminal status within the
// timeout. It is distinct from a job that finished and failed.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
	// Last is the last observation, nil when none succeeded.
	Last *firmwareci.Job
}

func (e *TimeoutError) Error() string {
	last := "unknown"
	if e.Last != nil {
		last = string(e.Last.Status)
	}
	return fmt.Sprintf("job %s: %v after %s (last status %s)", e.JobID, ErrTimeout, e.Timeout, last)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Describer is the part of firmwareci.Service the poller needs.
type Describer interface {
	Describe(ctx context.Context, jobID string) (*firmwareci.Job, error)
}

// Options configures Wait.
type Options struct {
	// Interval is the minimum time between two status queries.
	Interval time.Duration
	// Timeout bounds the whole wait. Zero waits until ctx is done.
	Timeout time.Duration
	// MaxConsecutiveErrors is how many failed queries in a row are
	// tolerated before Wait gives up.
	MaxConsecutiveErrors int
	// OnStatus is called whenever the observed status changes.
	OnStatus func(job *firmwareci.Job)
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Wait blocks until jobID is terminal and returns the terminal observation.
// A job that is already terminal returns after a single query. When the
// timeout elapses the job is queried once more before a *TimeoutError is
// returned, so a job finishing between two intervals is not reported late.
func Wait(ctx context.Context, svc Describer, jobID string, opts Options) (*firmwareci.Job, error) {
	opts = opts.withDefaults()

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(opts.Interval), 1)
	var (
		last     *firmwareci.Job
		failures int
	)
	observe := func(job *firmwareci.Job) {
		if last == nil || last.Status != job.Status {
			opts.Logger.Debug("job status", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
			if opts.OnStatus != nil {
				opts.OnStatus(job)
			}
		}
		last = job
	}
	timedOut := func() (*firmwareci.Job, error) {
		// The limiter refuses a wait that would overrun the deadline, so
		// sit out the remainder before the last query.
		select {
		case <-waitCtx.Done():
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		if job, err := svc.Describe(ctx, jobID); err == nil {
			observe(job)
			if job.Status.IsTerminal() {
				return job, nil
			}
		}
		return last, &TimeoutError{JobID: jobID, Timeout: opts.Timeout, Last: last}
	}

	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if opts.Timeout > 0 {
				return timedOut()
			}
			return last, err
		}

		job, err := svc.Describe(waitCtx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return timedOut()
			}
			failures++
			opts.Logger.Warn("job status query failed",
				zap.String("job_id", jobID),
				zap.Int("attempt", failures),
				zap.Error(err),
			)
			if failures >= opts.MaxConsecutiveErrors || errors.Is(err, firmwareci.ErrJobNotFound) {
				return last, fmt.Errorf("poll job %s: %w", jobID, err)
			}
			continue
		}
		failures = 0

		observe(job)
		if job.Status.IsTerminal() {
			return job, nil
		}
	}
}

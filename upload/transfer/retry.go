package transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
)

// attemptError is the outcome of one failed storage request.
type attemptError struct {
	status    int
	body      []byte
	err       error
	transient bool
}

func (e *attemptError) Error() string {
	return e.err.Error()
}

func (e *attemptError) Unwrap() error {
	return e.err
}

// classify decides whether a storage request may be retried. It follows
// retryablehttp.DefaultRetryPolicy (connection errors, 429, 5xx but 501) and
// also retries 408 Request Timeout.
func classify(ctx context.Context, resp *http.Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if resp != nil && resp.StatusCode == http.StatusRequestTimeout {
		return true
	}
	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	return retry
}

// schedule returns the backoff of one step: exponential with jitter, giving up
// after maxAttempts attempts.
func (e *Executor) schedule(maxAttempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.config.InitialBackoff
	exp.MaxInterval = e.config.MaxBackoff
	exp.MaxElapsedTime = 0

	b := backoff.WithMaxRetries(exp, uint64(maxAttempts-1))
	b.Reset()
	return b
}

// retry runs attempt until it succeeds, fails permanently or the schedule is exhausted.
// It reports whether attempts ran out along with the last attempt error.
func (e *Executor) retry(ctx context.Context, task *Task, maxAttempts int, attempt func(ctx context.Context, n int) error) (bool, error) {
	b := e.schedule(maxAttempts)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_ = task.transition(StatusInFlight)

		err := attempt(ctx, n)
		if err == nil {
			return false, nil
		}
		task.recordError(err)

		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		var aErr *attemptError
		if !errors.As(err, &aErr) || !aErr.transient {
			return false, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return true, err
		}

		_ = task.transition(StatusRetrying)
		e.logger.Warnf("Attempt %d/%d of %s failed, retrying in %s: %s", n, maxAttempts, task.Plan.File.Name, wait.Round(time.Millisecond), err)
		if err := e.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

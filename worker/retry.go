package worker

import (
	"time"

	"github.com/hookline/dispatch/backoff"
	"github.com/hookline/dispatch/job"
)

// retryDecision is the outcome of a retryable failure.
type retryDecision struct {
	exhausted bool
	attempt   int
	runAt     time.Time
	delay     time.Duration
}

// decideRetry applies the retry policy to a retryable failure of j at now.
// The failed execution consumes one attempt; when that was the last one
// the job is exhausted. Otherwise the next run waits the strategy's delay
// for the new attempt count, or the delay the handler asked for through
// job.RetryAfter.
func decideRetry(j *job.Job, err error, strategy backoff.Strategy, now time.Time) retryDecision {
	attempt := j.Attempt + 1
	if attempt >= j.MaxAttempts {
		return retryDecision{exhausted: true, attempt: j.MaxAttempts}
	}

	delay := strategy.Delay(attempt)
	if d, ok := job.RetryDelay(err); ok && d > 0 {
		delay = d
	}
	return retryDecision{
		attempt: attempt,
		runAt:   now.Add(delay),
		delay:   delay,
	}
}

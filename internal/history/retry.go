package history

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gocql/gocql"
)

// RetryPolicy bounds one retry cycle over a store write. After MaxAttempts
// the caller pauses for Cooldown and starts a fresh cycle on the same batch;
// the writer never gives up on a transient failure, it only slows down.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration // spread added to each delay; 0 makes the schedule deterministic
	Cooldown    time.Duration
}

// DefaultRetryPolicy matches the writer's shipped configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      100 * time.Millisecond,
		Cooldown:    30 * time.Second,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock
	b.RandomizationFactor = 0
	if p.Jitter > 0 && p.BaseDelay > 0 {
		b.RandomizationFactor = min(float64(p.Jitter)/float64(p.BaseDelay), 1)
	}
	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// Transient reports whether a store error is worth retrying. Overload,
// timeouts, lost connections, and unavailable replicas pass; anything else
// (bad query, auth, corrupt data) is permanent and retrying would loop
// forever on the same record.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, gocql.ErrNoConnections) ||
		errors.Is(err, gocql.ErrTimeoutNoResponse) ||
		errors.Is(err, gocql.ErrConnectionClosed) ||
		errors.Is(err, gocql.ErrTooManyTimeouts) {
		return true
	}
	var writeTimeout *gocql.RequestErrWriteTimeout
	var readTimeout *gocql.RequestErrReadTimeout
	var unavailable *gocql.RequestErrUnavailable
	if errors.As(err, &writeTimeout) || errors.As(err, &readTimeout) || errors.As(err, &unavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

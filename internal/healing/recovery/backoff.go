package recovery

import (
	"context"
	"errors"
	"math"
	"time"
)

// FailureCategory tells the backoff whether an error is worth retrying.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

// ErrorClassifier maps an error to a category.
type ErrorClassifier func(err error) FailureCategory

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable. Steps return it when re-running
// cannot help, e.g. a missing toolchain binary.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// DefaultErrorClassifier treats everything as transient except cancellation
// and errors wrapped with Permanent.
func DefaultErrorClassifier(err error) FailureCategory {
	var p *permanentError
	if errors.As(err, &p) || errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	return CategoryTransient
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given retry (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and retry count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   ErrorClassifier
}

// DefaultBackoff returns 2s, 4s, 8s, 16s, 32s, capped at 60s.
func DefaultBackoff(maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  maxRetries,
		Classifier:   DefaultErrorClassifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and the retry budget is not spent.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	classify := s.Classifier
	if classify == nil {
		classify = DefaultErrorClassifier
	}
	return classify(err) == CategoryTransient
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

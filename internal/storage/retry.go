package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/metrics"
)

// RetryPolicy bounds how hard SaveWithRetry tries before falling back.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at one second, capped at ten.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Outcome describes how SaveWithRetry ended.
type Outcome int

const (
	// Saved means the primary write succeeded.
	Saved Outcome = iota
	// SavedFallback means retries were exhausted but the fallback was written.
	SavedFallback
	// Failed means nothing was written.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case SavedFallback:
		return "fallback"
	default:
		return "failed"
	}
}

// ErrRetriesExhausted wraps the last write error once retries run out.
var ErrRetriesExhausted = errors.New("storage: retries exhausted")

// SaveWithRetry writes values, retrying with exponential backoff. When every attempt
// fails and fallback is non-empty, fallback is written once as a last resort.
// The returned error is nil only for Saved.
func SaveWithRetry(ctx context.Context, s Store, values, fallback map[string][]byte, policy RetryPolicy, logger zerolog.Logger) (Outcome, error) {
	attempt := 0
	op := func() error {
		attempt++
		err := s.Set(ctx, values)
		if errors.Is(err, ErrInvalidValue) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.StoreRetries.Inc()
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Store write failed, retrying")
	}

	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err == nil {
		return Saved, nil
	}
	if !errors.Is(err, ErrInvalidValue) {
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}

	if len(fallback) == 0 {
		return Failed, err
	}

	if ferr := s.Set(context.WithoutCancel(ctx), fallback); ferr != nil {
		metrics.EmergencySaves.WithLabelValues("failed").Inc()
		logger.Error().Err(ferr).Msg("Fallback write failed")
		return Failed, errors.Join(err, ferr)
	}

	metrics.EmergencySaves.WithLabelValues("saved").Inc()
	logger.Warn().Err(err).Msg("Primary write failed, fallback snapshot saved")
	return SavedFallback, err
}

package ranker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// #region constants

// DefaultMaxRetries allows 3 total attempts.
const DefaultMaxRetries = 2

// #endregion

// #region engine

// Retrying retries transient ranking failures with a linear backoff.
type Retrying struct {
	next       Ranker
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewRetrying wraps next. maxRetries below zero is treated as zero.
func NewRetrying(next Ranker, maxRetries int, backoff time.Duration, logger *zap.Logger) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, maxRetries: maxRetries, backoff: backoff, logger: logger}
}

// #endregion

// #region should-retry

// shouldRetry reports whether err is worth another attempt. Only transport
// level failures are; a rejected payload fails the same way every time.
func shouldRetry(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// Rank calls the wrapped ranker until it succeeds, fails permanently, the
// retries run out or ctx is done.
func (r *Retrying) Rank(ctx context.Context, req Request) (Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := r.next.Rank(ctx, req)
		if err == nil || attempt >= r.maxRetries || !shouldRetry(err) {
			return resp, err
		}
		wait := r.backoff * time.Duration(attempt+1)
		r.logger.Warn("ranking failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// #endregion

package grpcclient

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// withRetry retries a transient-looking gRPC failure with exponential
// backoff and jitter, generalized from the teacher's ExecuteWithReconnect
// (examples/mt5/MT5Account.go). Only codes.Unavailable and
// codes.DeadlineExceeded are retried; everything else (including a
// canceled/expired ctx) returns immediately.
func withRetry[T any](ctx context.Context, tag string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	const (
		initialDelay = 500 * time.Millisecond
		maxDelay     = 5 * time.Second
	)
	delay := initialDelay

	for {
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}

		s, ok := status.FromError(err)
		if !ok || (s.Code() != codes.Unavailable && s.Code() != codes.DeadlineExceeded) {
			return zero, err
		}

		log.Printf("[broker-retry] op=%s code=%s msg=%q next_delay=%s", tag, s.Code(), s.Message(), delay)
		jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
		wait := delay + jitter

		select {
		case <-time.After(wait):
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

package store

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable marks a failure to reach the backend that may succeed when
// tried again.
var ErrUnavailable = errors.New("store unavailable")

// Retryable reports whether a failed write may succeed when tried again: a lost
// transaction race, an error marked ErrUnavailable, a network timeout or a
// dropped connection.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConflict), errors.Is(err, ErrUnavailable):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryOption configures WithRetry.
type RetryOption func(*retrying)

// RetryIf also retries errors fn reports as transient. Backends pass the
// classifier for their driver's errors.
func RetryIf(fn func(error) bool) RetryOption {
	return func(r *retrying) {
		if fn != nil {
			r.transient = append(r.transient, fn)
		}
	}
}

// retrying retries writes that failed with a retryable error.
type retrying struct {
	Store
	maxElapsed time.Duration
	transient  []func(error) bool
}

// WithRetry wraps s so that Set, Delete, Batch and RunTransaction retry
// retryable failures with exponential backoff for up to maxElapsed. Errors
// returned by the transaction callback itself are never retried. Reads and
// subscriptions pass through.
func WithRetry(s Store, maxElapsed time.Duration, opts ...RetryOption) Store {
	if maxElapsed <= 0 {
		return s
	}
	r := &retrying{Store: s, maxElapsed: maxElapsed}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(b, ctx)
}

func (r *retrying) retryable(err error) bool {
	if Retryable(err) {
		return true
	}
	for _, fn := range r.transient {
		if fn(err) {
			return true
		}
	}
	return false
}

// do runs op until it succeeds, fails permanently or the budget is spent.
func (r *retrying) do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !r.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx))
}

func (r *retrying) Set(ctx context.Context, path Path, fields Fields, opts ...SetOption) error {
	return r.do(ctx, func() error { return r.Store.Set(ctx, path, fields, opts...) })
}

func (r *retrying) Delete(ctx context.Context, path Path) error {
	return r.do(ctx, func() error { return r.Store.Delete(ctx, path) })
}

func (r *retrying) Batch(ctx context.Context, ops []Op) error {
	return r.do(ctx, func() error { return r.Store.Batch(ctx, ops) })
}

func (r *retrying) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return backoff.Retry(func() error {
		var fnErr error
		err := r.Store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
			fnErr = fn(ctx, tx)
			return fnErr
		})
		if err == nil {
			return nil
		}
		if fnErr != nil || !r.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx))
}

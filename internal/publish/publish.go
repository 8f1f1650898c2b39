// Package publish delivers deployed task output to external targets.
//
// A Publisher is invoked after a task reaches deployed. Publishing never
// changes task status: the orchestrator records the outcome as a task
// history entry.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Publisher delivers a deployed task and returns where it landed.
type Publisher interface {
	Publish(ctx context.Context, task *schema.Task) (string, error)
}

// TransportError reports a failed delivery to one target.
type TransportError struct {
	Op     string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Multi publishes to every target in order. The returned location joins the
// successful ones; failures are joined into one error.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, task *schema.Task) (string, error) {
	var (
		urls []string
		errs []error
	)
	for _, p := range m {
		url, err := p.Publish(ctx, task)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if url != "" {
			urls = append(urls, url)
		}
	}
	return strings.Join(urls, " "), errors.Join(errs...)
}

// Retry wraps a publisher with exponential backoff.
type Retry struct {
	Publisher  Publisher
	MaxElapsed time.Duration
}

// WithRetry retries p for up to maxElapsed (default: 30s).
func WithRetry(p Publisher, maxElapsed time.Duration) *Retry {
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &Retry{Publisher: p, MaxElapsed: maxElapsed}
}

// Publish implements Publisher.
func (r *Retry) Publish(ctx context.Context, task *schema.Task) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = r.MaxElapsed

	var url string
	err := backoff.Retry(func() error {
		var err error
		url, err = r.Publisher.Publish(ctx, task)
		var te *TransportError
		if err != nil && !errors.As(err, &te) {
			// Only transport failures are worth another attempt.
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	return url, err
}

// Package retry re-runs operations that report failure through an explicit
// accumulator instead of a returned error, running a cleanup hook between
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRetries applies when retry is enabled without an explicit count.
const DefaultMaxRetries = 1

// Config controls retries for one call. A nil or disabled Config runs the
// operation once.
type Config struct {
	Enabled           bool    `json:"cvs_retry_on_failure"`
	MaxRetries        int     `json:"cvs_max_retries"`
	RetryDelaySeconds float64 `json:"cvs_retry_delay_seconds"`
}

func (c *Config) enabled() bool { return c != nil && c.Enabled }

func (c *Config) attempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

func (c *Config) delay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// Failures collects failure records reported while an operation runs. It is
// safe for concurrent Add calls from fan-out goroutines.
type Failures struct {
	mu      sync.Mutex
	records []string
}

// Add appends a failure record.
func (f *Failures) Add(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, fmt.Sprintf(format, args...))
}

// Reset discards every record.
func (f *Failures) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = nil
}

// Len returns the number of records.
func (f *Failures) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Records returns a copy of the records in the order they were added.
func (f *Failures) Records() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.records...)
}

// Call identifies the wrapped operation and carries the arguments a cleanup
// hook may need.
type Call struct {
	Name string
	Args map[string]any
}

// Cleanup runs after every failed attempt.
type Cleanup interface {
	AfterFailure(ctx context.Context, call Call, cfg *Config) error
}

// NoCleanup does nothing between attempts.
type NoCleanup struct{}

func (NoCleanup) AfterFailure(context.Context, Call, *Config) error { return nil }

// ExhaustedError is returned when every attempt left failures behind.
type ExhaustedError struct {
	Name     string
	Attempts int
	Failures []string
	err      *multierror.Error
}

func newExhaustedError(name string, attempts int, failures []string) *ExhaustedError {
	var merr *multierror.Error
	for _, f := range failures {
		merr = multierror.Append(merr, errors.New(f))
	}
	if merr != nil {
		merr.ErrorFormat = func(es []error) string {
			msgs := make([]string, len(es))
			for i, e := range es {
				msgs[i] = e.Error()
			}
			return strings.Join(msgs, "; ")
		}
	}
	return &ExhaustedError{Name: name, Attempts: attempts, Failures: failures, err: merr}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts with %d error(s): %s", e.Name, e.Attempts, len(e.Failures), e.err.ErrorOrNil())
}

func (e *ExhaustedError) Unwrap() error { return e.err.ErrorOrNil() }

// Retrier runs operations under a retry policy with one cleanup hook.
type Retrier struct {
	cleanup Cleanup
	logger  logrus.FieldLogger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New returns a Retrier. A nil cleanup behaves like NoCleanup.
func New(cleanup Cleanup, logger logrus.FieldLogger) *Retrier {
	if cleanup == nil {
		cleanup = NoCleanup{}
	}
	return &Retrier{cleanup: cleanup, logger: logger, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until an attempt leaves failures empty or the retry budget is
// spent. Failures are reset before each attempt. An error returned by fn ends
// the loop at once; it is not retried.
func Do[T any](ctx context.Context, r *Retrier, call Call, cfg *Config, failures *Failures, fn func(ctx context.Context, failures *Failures) (T, error)) (T, error) {
	log := r.logger.WithField("call", call.Name)

	if !cfg.enabled() {
		log.Debug("Retry disabled, running once")
		attemptsTotal.WithLabelValues(outcomeSingle).Inc()
		return fn(ctx, failures)
	}

	total := cfg.attempts()
	var zero T
	for attempt := 1; attempt <= total; attempt++ {
		log.WithField("attempt", fmt.Sprintf("%d/%d", attempt, total)).Info("Running attempt")
		failures.Reset()

		if attempt > 1 && cfg.RetryDelaySeconds > 0 {
			log.WithField("delay", cfg.delay()).Info("Waiting before retry")
			if err := r.sleep(ctx, cfg.delay()); err != nil {
				return zero, err
			}
		}

		result, err := fn(ctx, failures)
		if err != nil {
			attemptsTotal.WithLabelValues(outcomeError).Inc()
			return result, err
		}

		if failures.Len() == 0 {
			attemptsTotal.WithLabelValues(outcomeSucceeded).Inc()
			log.WithField("attempt", attempt).Info("Attempt succeeded")
			return result, nil
		}

		attemptsTotal.WithLabelValues(outcomeFailed).Inc()
		records := failures.Records()
		log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"failures": records,
		}).Error("Attempt failed")

		if err := r.cleanup.AfterFailure(ctx, call, cfg); err != nil {
			log.WithField("error", err).Warn("Cleanup after failure had issues")
		}

		if attempt == total {
			log.WithField("attempts", total).Error("Retries exhausted")
			return zero, newExhaustedError(call.Name, total, records)
		}
		log.Info("Retrying")
	}
	return zero, nil
}

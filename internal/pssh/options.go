package pssh

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/model"
)

// Recorder persists a summary of every fan-out call.
type Recorder interface {
	RecordExecution(ctx context.Context, e *model.Execution) error
}

// Option configures a Pool.
type Option func(*Pool)

// WithStopOnErrors makes any single-host transport error abort the whole call.
func WithStopOnErrors(stop bool) Option {
	return func(p *Pool) { p.stopOnErrors = stop }
}

// WithLogger sets the pool's logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClientFactory replaces the SSH client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Pool) { p.newClient = f }
}

// WithProber replaces the reachability prober.
func WithProber(pr Prober) Option {
	return func(p *Pool) { p.prober = pr }
}

// WithConsole echoes host headers and output to w. Nil disables echo.
func WithConsole(w io.Writer) Option {
	return func(p *Pool) { p.console = newConsole(w) }
}

// WithRecorder records every call.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithLabel names the pool in logs, metrics and history.
func WithLabel(label string) Option {
	return func(p *Pool) { p.label = label }
}

// ExecOption configures a single call.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout time.Duration
	quiet   bool
}

// WithTimeout bounds how long each host's command may run.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// Quiet suppresses output lines on the console. Headers are still printed.
func Quiet() ExecOption {
	return func(o *execOptions) { o.quiet = true }
}

func applyExecOptions(opts []ExecOption) execOptions {
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

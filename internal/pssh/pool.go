package pssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cvs/internal/model"
)

// Pool runs commands on a fixed host set. Hosts that fail with a connection
// or timeout error and are then confirmed unreachable by the Prober move to
// the unreachable set for the rest of the pool's life.
type Pool struct {
	label        string
	auth         Auth
	stopOnErrors bool
	logger       logrus.FieldLogger
	newClient    ClientFactory
	prober       Prober
	console      *console
	recorder     Recorder

	hosts       []string
	reachable   []string
	unreachable []string
	client      Client
}

// task is one command bound to one host.
type task struct {
	host string
	cmd  string
}

// outcome is what a task produced before decoding.
type outcome struct {
	out Output
	err error
}

// New builds a pool over hosts. Duplicate hosts are dropped, first occurrence
// wins.
func New(hosts []string, auth Auth, opts ...Option) (*Pool, error) {
	if len(hosts) == 0 {
		return nil, errors.New("pssh: at least one host is required")
	}

	p := &Pool{
		label:     "pool",
		auth:      auth,
		logger:    discardLogger(),
		newClient: SSHClientFactory(afero.NewOsFs()),
		prober:    TCPProber{Port: auth.port()},
	}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		p.hosts = append(p.hosts, h)
	}
	p.reachable = slices.Clone(p.hosts)

	client, err := p.newClient(p.reachable, auth)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	p.client = client
	return p, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Hosts returns every host the pool was built with, in order.
func (p *Pool) Hosts() []string { return slices.Clone(p.hosts) }

// Reachable returns the hosts the pool still sends commands to.
func (p *Pool) Reachable() []string { return slices.Clone(p.reachable) }

// Unreachable returns the hosts pruned so far, in pruning order.
func (p *Pool) Unreachable() []string { return slices.Clone(p.unreachable) }

// Label returns the pool's name.
func (p *Pool) Label() string { return p.label }

// Close releases the pool's client.
func (p *Pool) Close() error {
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// Exec runs cmd on every reachable host concurrently.
func (p *Pool) Exec(ctx context.Context, cmd string, opts ...ExecOption) (Results, error) {
	tasks := make([]task, len(p.reachable))
	for i, h := range p.reachable {
		tasks[i] = task{host: h, cmd: cmd}
	}
	return p.run(ctx, cmd, tasks, applyExecOptions(opts))
}

// ExecCmdList runs cmds[i] on the i-th reachable host. The list length must
// match the reachable set.
func (p *Pool) ExecCmdList(ctx context.Context, cmds []string, opts ...ExecOption) (Results, error) {
	if len(cmds) != len(p.reachable) {
		return nil, fmt.Errorf("command list has %d entries but pool has %d reachable hosts", len(cmds), len(p.reachable))
	}
	tasks := make([]task, len(cmds))
	for i, h := range p.reachable {
		tasks[i] = task{host: h, cmd: cmds[i]}
	}
	return p.run(ctx, strings.Join(cmds, "; "), tasks, applyExecOptions(opts))
}

// ExecOnHosts runs cmd on a subset of the pool. Hosts already pruned are
// skipped with a warning; hosts the pool was not built with are an error.
func (p *Pool) ExecOnHosts(ctx context.Context, cmd string, hosts []string, opts ...ExecOption) (Results, error) {
	var tasks []task
	for _, h := range hosts {
		switch {
		case !slices.Contains(p.hosts, h):
			return nil, fmt.Errorf("host %s is not part of pool %s", h, p.label)
		case slices.Contains(p.unreachable, h):
			p.logger.WithField("host", h).Warn("Skipping unreachable host")
		case slices.ContainsFunc(tasks, func(t task) bool { return t.host == h }):
		default:
			tasks = append(tasks, task{host: h, cmd: cmd})
		}
	}
	return p.run(ctx, cmd, tasks, applyExecOptions(opts))
}

func (p *Pool) run(ctx context.Context, label string, tasks []task, o execOptions) (Results, error) {
	if p.client == nil {
		return nil, errors.New("pssh: pool is closed")
	}

	started := time.Now()
	execTotal.WithLabelValues(p.label).Inc()
	defer func() {
		execDuration.WithLabelValues(p.label).Observe(time.Since(started).Seconds())
	}()

	p.logger.WithFields(logrus.Fields{
		"pool":  p.label,
		"cmd":   label,
		"hosts": len(tasks),
	}).Debug("Executing command")

	if p.stopOnErrors {
		return p.runStopOnErrors(ctx, label, tasks, o, started)
	}

	outcomes := make([]outcome, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Go(func() {
			outcomes[i] = p.runOne(ctx, t, o.timeout)
		})
	}
	wg.Wait()

	results := make(Results, len(tasks))
	texts := make([]string, len(tasks))
	hostErrs := make(map[string]string)
	var candidates []string
	for i, t := range tasks {
		oc := outcomes[i]
		text := p.decode(t.host, oc.out)
		texts[i] = text
		if oc.err == nil {
			results[t.host] = Result{Output: text, ExitCode: oc.out.ExitCode}
			continue
		}

		hostErrs[t.host] = oc.err.Error()
		results[t.host] = Result{Output: text + oc.err.Error(), ExitCode: NoExitCode}

		var connErr *ConnectionError
		var timeoutErr *TimeoutError
		switch {
		case errors.As(oc.err, &connErr):
			hostErrors.WithLabelValues(errKindConnection).Inc()
			candidates = append(candidates, t.host)
		case errors.As(oc.err, &timeoutErr):
			hostErrors.WithLabelValues(errKindTimeout).Inc()
			candidates = append(candidates, t.host)
		default:
			hostErrors.WithLabelValues(errKindOther).Inc()
		}
		p.logger.WithFields(logrus.Fields{
			"host":  t.host,
			"error": oc.err,
		}).Warn("Command failed on host")
	}

	if len(candidates) > 0 {
		down := p.prober.Unreachable(ctx, candidates)
		for i, t := range tasks {
			if !slices.Contains(down, t.host) {
				continue
			}
			text := texts[i]
			var timeoutErr *TimeoutError
			if errors.As(outcomes[i].err, &timeoutErr) {
				text += timeoutOutput(t.host, outcomes[i].err)
			} else {
				text += unreachableOutput(outcomes[i].err)
			}
			results[t.host] = Result{Output: text, ExitCode: NoExitCode}
		}
		p.prune(down)
	}

	for _, t := range tasks {
		p.console.print(t.host, t.cmd, results[t.host], o.quiet)
	}
	p.record(ctx, label, tasks, results, hostErrs, nil, started)
	return results, nil
}

func (p *Pool) runStopOnErrors(ctx context.Context, label string, tasks []task, o execOptions, started time.Time) (Results, error) {
	outcomes := make([]outcome, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			oc := p.runOne(gctx, t, o.timeout)
			outcomes[i] = oc
			if oc.err != nil {
				return fmt.Errorf("host %s: %w", t.host, oc.err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.WithFields(logrus.Fields{
			"pool":  p.label,
			"error": err,
		}).Error("Command aborted")
		p.record(ctx, label, tasks, nil, nil, err, started)
		return nil, err
	}

	results := make(Results, len(tasks))
	for i, t := range tasks {
		results[t.host] = Result{Output: p.decode(t.host, outcomes[i].out), ExitCode: outcomes[i].out.ExitCode}
		p.console.print(t.host, t.cmd, results[t.host], o.quiet)
	}
	p.record(ctx, label, tasks, results, nil, nil, started)
	return results, nil
}

func (p *Pool) runOne(ctx context.Context, t task, timeout time.Duration) outcome {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := p.client.Run(ctx, t.host, t.cmd)
	return outcome{out: out, err: err}
}

// decode joins stdout then stderr lines, each terminated by a newline. Lines
// that are not valid UTF-8 are dropped.
func (p *Pool) decode(host string, out Output) string {
	var b strings.Builder
	for _, stream := range [][][]byte{out.Stdout, out.Stderr} {
		for _, line := range stream {
			if !utf8.Valid(line) {
				p.logger.WithField("host", host).Warn("Skipping output line that is not valid UTF-8")
				continue
			}
			b.Write(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// prune moves hosts to the unreachable set and rebuilds the client over the
// remaining hosts. If the rebuild fails the old client is kept; it is never
// asked to contact a pruned host again.
func (p *Pool) prune(hosts []string) {
	var pruned []string
	for _, h := range hosts {
		if !slices.Contains(p.reachable, h) {
			continue
		}
		p.reachable = slices.DeleteFunc(p.reachable, func(r string) bool { return r == h })
		p.unreachable = append(p.unreachable, h)
		pruned = append(pruned, h)
	}
	if len(pruned) == 0 {
		return
	}
	prunedHosts.Add(float64(len(pruned)))
	p.logger.WithFields(logrus.Fields{
		"pool":      p.label,
		"pruned":    pruned,
		"reachable": len(p.reachable),
	}).Warn("Pruned unreachable hosts")

	client, err := p.newClient(p.reachable, p.auth)
	if err != nil {
		p.logger.WithField("error", err).Error("Failed to rebuild client after pruning")
		return
	}
	if err := p.client.Close(); err != nil {
		p.logger.WithField("error", err).Debug("Closing previous client")
	}
	p.client = client
}

func (p *Pool) record(ctx context.Context, label string, tasks []task, results Results, hostErrs map[string]string, abortErr error, started time.Time) {
	if p.recorder == nil {
		return
	}
	finished := time.Now()
	e := &model.Execution{
		ID:         model.NewID(),
		Pool:       p.label,
		Command:    label,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	if abortErr != nil {
		e.Error = abortErr.Error()
	}
	for _, t := range tasks {
		hr := model.HostResult{Host: t.host, Command: t.cmd, ExitCode: NoExitCode}
		if res, ok := results[t.host]; ok {
			hr.ExitCode = res.ExitCode
			hr.Output = res.Output
		}
		hr.Error = hostErrs[t.host]
		e.Hosts = append(e.Hosts, hr)
	}
	e.Status = model.Summarize(e.Hosts, abortErr)

	if err := p.recorder.RecordExecution(ctx, e); err != nil {
		p.logger.WithFields(logrus.Fields{
			"pool":  p.label,
			"error": err,
		}).Warn("Failed to record execution")
	}
}

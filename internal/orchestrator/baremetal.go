package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/config"
	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
)

// Bare-metal defaults.
const (
	baremetalSSHPort    = 22
	setupEnvTimeout     = 60 * time.Second
	baremetalMPITimeout = 500 * time.Second
)

// Baremetal runs commands directly on the nodes. The first node is the head.
// Pools over every node and over the head are built once and reused.
type Baremetal struct {
	logger  logrus.FieldLogger
	opts    options
	auth    pssh.Auth
	hosts   []string
	head    string
	sshPort int

	all      *pssh.Pool
	headPool *pssh.Pool
}

// NewBaremetal builds a bare-metal orchestrator.
func NewBaremetal(cfg *config.Cluster, logger logrus.FieldLogger, opts ...Option) (*Baremetal, error) {
	return newBaremetal(cfg, logger, buildOptions(opts))
}

func newBaremetal(cfg *config.Cluster, logger logrus.FieldLogger, o options) (*Baremetal, error) {
	hosts := cfg.Hosts()
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no nodes configured", ErrConfig)
	}

	b := &Baremetal{
		logger: logger,
		opts:   o,
		auth: pssh.Auth{
			User:     cfg.Username,
			KeyFile:  cfg.PrivKeyFile,
			Password: cfg.Password,
		},
		hosts:   hosts,
		head:    hosts[0],
		sshPort: baremetalSSHPort,
	}

	var err error
	if b.headPool, err = b.newPool([]string{b.head}, "head"); err != nil {
		return nil, err
	}
	if b.all, err = b.newPool(hosts, "all"); err != nil {
		b.headPool.Close()
		return nil, err
	}
	return b, nil
}

func (b *Baremetal) newPool(hosts []string, label string) (*pssh.Pool, error) {
	opts := append([]pssh.Option{
		pssh.WithLogger(b.logger),
		pssh.WithStopOnErrors(b.opts.stopOnErrors),
		pssh.WithLabel(label),
	}, b.opts.poolOpts...)
	p, err := pssh.New(hosts, b.auth, opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s pool: %w", label, err)
	}
	return p, nil
}

// All returns the pool over every node.
func (b *Baremetal) All() runtime.Executor { return b.all }

// Head returns the pool over the head node.
func (b *Baremetal) Head() runtime.Executor { return b.headPool }

// Hosts returns the configured nodes in order.
func (b *Baremetal) Hosts() []string { return slices.Clone(b.hosts) }

// HeadNode returns the head node.
func (b *Baremetal) HeadNode() string { return b.head }

// Exec runs cmd on hosts. Any set other than the full node list gets a pool
// built for this call only.
func (b *Baremetal) Exec(ctx context.Context, cmd string, hosts []string, opts ...pssh.ExecOption) (pssh.Results, error) {
	if len(hosts) == 0 || sameHosts(hosts, b.hosts) {
		return b.all.Exec(ctx, cmd, opts...)
	}
	p, err := b.newPool(hosts, "adhoc")
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.Exec(ctx, cmd, opts...)
}

// ExecOnHead runs cmd on the head node.
func (b *Baremetal) ExecOnHead(ctx context.Context, cmd string, opts ...pssh.ExecOption) (pssh.Results, error) {
	return b.headPool.Exec(ctx, cmd, opts...)
}

// SetupEnv runs "bash <envScript>" on hosts and requires exit code 0 on
// every one.
func (b *Baremetal) SetupEnv(ctx context.Context, hosts []string, envScript string) error {
	if envScript == "" {
		b.logger.Info("No environment script specified, skipping setup")
		return nil
	}
	b.logger.WithField("hosts", len(hosts)).Info("Setting up environment")

	cmd := "bash " + envScript
	var (
		res pssh.Results
		err error
	)
	switch {
	case len(hosts) == 1 && hosts[0] == b.head:
		res, err = b.ExecOnHead(ctx, cmd, pssh.WithTimeout(setupEnvTimeout))
	default:
		res, err = b.Exec(ctx, cmd, hosts, pssh.WithTimeout(setupEnvTimeout))
	}
	if err != nil {
		return fmt.Errorf("environment setup: %w", err)
	}
	if failed := res.Failed(); len(failed) > 0 {
		b.logger.WithField("hosts", failed).Error("Environment setup failed")
		return &pssh.HostsError{Op: "environment setup", Hosts: failed}
	}
	return nil
}

// Cleanup has nothing to release on bare metal.
func (b *Baremetal) Cleanup(_ context.Context, hosts []string) error {
	b.logger.WithField("hosts", len(hosts)).Info("Cleaning up")
	return nil
}

// BuildMPICmd writes the MPI hostfile on the head node and returns the
// mpirun command line for job.
func (b *Baremetal) BuildMPICmd(ctx context.Context, job MPIJob) (string, error) {
	return buildMPICmd(ctx, job, b.sshPort, b.ExecOnHead)
}

// DistributeUsingMPI launches job from the head node.
func (b *Baremetal) DistributeUsingMPI(ctx context.Context, job MPIJob) (pssh.Results, error) {
	cmd, err := b.BuildMPICmd(ctx, job)
	if err != nil {
		return nil, err
	}
	b.logger.Info("Launching MPI job")
	b.logger.WithField("cmd", cmd).Debug("MPI command")
	return b.ExecOnHead(ctx, cmd, pssh.WithTimeout(orDefault(job.Timeout, baremetalMPITimeout)))
}

// Close releases both pools.
func (b *Baremetal) Close() error {
	err := b.all.Close()
	if herr := b.headPool.Close(); err == nil {
		err = herr
	}
	return err
}

func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, h := range a {
		set[h] = true
	}
	for _, h := range b {
		if !set[h] {
			return false
		}
	}
	return true
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

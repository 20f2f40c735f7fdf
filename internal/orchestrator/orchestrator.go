// Package orchestrator unifies bare-metal and containerized execution across
// a cluster behind one interface. Both variants drive the nodes through
// parallel SSH pools; the container variant wraps every command in the
// configured container runtime.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/config"
	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
	"github.com/seantiz/cvs/internal/runtime/docker"
	"github.com/seantiz/cvs/internal/runtime/enroot"
)

var (
	// ErrConfig reports an unusable cluster configuration.
	ErrConfig = errors.New("invalid orchestrator configuration")

	// ErrNotLaunched is returned by container operations before
	// SetupContainers has succeeded.
	ErrNotLaunched = errors.New("no containers running: call SetupContainers() first")

	// ErrUnsupported is returned for operations an orchestrator does not
	// implement.
	ErrUnsupported = errors.New("operation not supported by orchestrator")
)

// Orchestrator runs commands across the cluster.
type Orchestrator interface {
	// Exec runs cmd on hosts, or on every node when hosts is empty.
	Exec(ctx context.Context, cmd string, hosts []string, opts ...pssh.ExecOption) (pssh.Results, error)

	// ExecOnHead runs cmd on the head node only.
	ExecOnHead(ctx context.Context, cmd string, opts ...pssh.ExecOption) (pssh.Results, error)

	// SetupEnv runs envScript with bash on hosts. An empty script is a no-op.
	SetupEnv(ctx context.Context, hosts []string, envScript string) error

	// Cleanup releases resources held on hosts after a run.
	Cleanup(ctx context.Context, hosts []string) error

	// DistributeUsingMPI launches job with mpirun from the head node.
	DistributeUsingMPI(ctx context.Context, job MPIJob) (pssh.Results, error)

	// Close releases the SSH pools.
	Close() error
}

// Unsupported can be embedded by orchestrators that cannot launch MPI jobs.
type Unsupported struct{}

func (Unsupported) DistributeUsingMPI(context.Context, MPIJob) (pssh.Results, error) {
	return nil, fmt.Errorf("MPI distribution: %w", ErrUnsupported)
}

// MPIJob describes an mpirun launch.
type MPIJob struct {
	RankCmd      string
	Hosts        []string
	RanksPerHost int
	Env          map[string]string
	MPIDir       string
	ExtraArgs    []string
	// GlobalRanks overrides len(Hosts)*RanksPerHost when positive.
	GlobalRanks int
	// Timeout overrides the orchestrator's default MPI timeout when positive.
	Timeout time.Duration
}

// Option configures an orchestrator.
type Option func(*options)

type options struct {
	stopOnErrors bool
	poolOpts     []pssh.Option
	runtimes     *runtime.Registry
	localUser    string
}

// WithStopOnErrors makes every pool abort a call on the first host error.
func WithStopOnErrors(stop bool) Option {
	return func(o *options) { o.stopOnErrors = stop }
}

// WithPoolOptions passes extra options to every pool the orchestrator builds.
func WithPoolOptions(opts ...pssh.Option) Option {
	return func(o *options) { o.poolOpts = append(o.poolOpts, opts...) }
}

// WithRuntimes replaces the container runtime registry.
func WithRuntimes(reg *runtime.Registry) Option {
	return func(o *options) { o.runtimes = reg }
}

// WithLocalUser sets the user name used for default container names and
// home directory mounts instead of the current OS user.
func WithLocalUser(user string) Option {
	return func(o *options) { o.localUser = user }
}

// DefaultRuntimes returns a registry holding every built-in container runtime.
func DefaultRuntimes() *runtime.Registry {
	reg := runtime.NewRegistry()
	reg.Register("docker", docker.New)
	reg.Register("enroot", enroot.New)
	return reg
}

type constructor func(cfg *config.Cluster, logger logrus.FieldLogger, o options) (Orchestrator, error)

var constructors = map[string]constructor{
	"baremetal": func(cfg *config.Cluster, logger logrus.FieldLogger, o options) (Orchestrator, error) {
		return newBaremetal(cfg, logger, o)
	},
	"container": func(cfg *config.Cluster, logger logrus.FieldLogger, o options) (Orchestrator, error) {
		return newContainer(cfg, logger, o)
	},
}

// New builds the orchestrator named by cfg.Orchestrator.
func New(cfg *config.Cluster, logger logrus.FieldLogger, opts ...Option) (Orchestrator, error) {
	name := cfg.Orchestrator
	if name == "" {
		name = config.DefaultOrchestrator
	}
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported orchestrator type %q", ErrConfig, name)
	}
	return ctor(cfg, logger, buildOptions(opts))
}

// SupportedBackends returns the orchestrator names New accepts.
func SupportedBackends() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.runtimes == nil {
		o.runtimes = DefaultRuntimes()
	}
	return o
}

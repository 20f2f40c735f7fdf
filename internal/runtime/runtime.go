// Package runtime defines the container runtime interface the container
// orchestrator delegates to, along with the launch parameters it passes and a
// static registry of runtime constructors.
package runtime

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/pssh"
)

var (
	// ErrNotImplemented is returned by runtimes that exist only as placeholders.
	ErrNotImplemented = errors.New("container runtime not implemented")

	// ErrUnknownRuntime is returned when no runtime is registered under a name.
	ErrUnknownRuntime = errors.New("unsupported container runtime")
)

// Runtime starts, stops and executes inside long-running containers on every
// node of a cluster.
type Runtime interface {
	// SetupContainers starts one container per host as described by spec.
	SetupContainers(ctx context.Context, spec LaunchSpec) error

	// TeardownContainers force-removes the named container on every host.
	// A host with no such container is not an error.
	TeardownContainers(ctx context.Context, name string) error

	// Exec runs cmd inside the named container on hosts, or on every host
	// when hosts is empty.
	Exec(ctx context.Context, name, cmd string, hosts []string, opts ...pssh.ExecOption) (pssh.Results, error)

	// ExecOnHead runs cmd inside the named container on the head host.
	ExecOnHead(ctx context.Context, name, cmd string, opts ...pssh.ExecOption) (pssh.Results, error)

	// LoadImage loads an image archive on every host.
	LoadImage(ctx context.Context, tarPath string, opts ...pssh.ExecOption) (pssh.Results, error)
}

// Executor fans a command out over SSH. *pssh.Pool satisfies it.
type Executor interface {
	Exec(ctx context.Context, cmd string, opts ...pssh.ExecOption) (pssh.Results, error)
	ExecOnHosts(ctx context.Context, cmd string, hosts []string, opts ...pssh.ExecOption) (pssh.Results, error)
}

// Cluster is the view of an orchestrator a runtime needs to reach the nodes.
type Cluster interface {
	All() Executor
	Head() Executor
	Hosts() []string
}

// Factory builds a runtime bound to a cluster.
type Factory func(c Cluster, logger logrus.FieldLogger) Runtime

// LaunchSpec describes the containers to start.
type LaunchSpec struct {
	Name     string
	Image    string
	ImageTar string
	// Launch false means the containers are managed externally.
	Launch         bool
	GPUPassthrough bool
	Args           Args
}

// Args are the fully merged container arguments.
type Args struct {
	Volumes     []string
	Devices     []string
	Env         map[string]string
	CapAdd      []string
	SecurityOpt []string
	GroupAdd    []string
	Network     string
	IPC         string
	Ulimit      []string
	Privileged  bool
	// DeviceExpansion is a shell fragment evaluated on each host that
	// expands to extra device flags.
	DeviceExpansion string
}

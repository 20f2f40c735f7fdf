package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/user"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/config"
	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
)

// Container defaults.
const (
	containerSSHPort    = 2224
	containerMPITimeout = 600 * time.Second
	sshdStepTimeout     = 10 * time.Second
	verifyTimeout       = 30 * time.Second
	sshdSettle          = 2 * time.Second

	// InfiniBandExpansion is evaluated on each host at launch time so every
	// node passes through the InfiniBand devices it actually has.
	InfiniBandExpansion = `$(for dev in /dev/infiniband/*; do echo -n "--device $dev:$dev "; done)`
)

// Default container arguments. Config values are appended to the lists; the
// scalar settings are replaced when the config sets them.
var (
	defaultDevices     = []string{"/dev/kfd", "/dev/dri", "/dev/infiniband"}
	defaultCapAdd      = []string{"SYS_PTRACE", "IPC_LOCK", "SYS_ADMIN"}
	defaultSecurityOpt = []string{"seccomp=unconfined", "apparmor=unconfined"}
	defaultGroupAdd    = []string{"video"}
	defaultUlimit      = []string{"memlock=-1"}
	defaultEnv         = map[string]string{"GPUS": "8", "MULTINODE": "true"}
)

const (
	defaultNetwork    = "host"
	defaultIPC        = "host"
	defaultPrivileged = true
)

var sshdSetupCommands = []string{
	"mkdir -p /root/.ssh",
	"bash -c 'cp -r /host_ssh/* /root/.ssh/'",
	"chown -R root:root /root/.ssh",
	"bash -c 'chmod 700 /root/.ssh && chmod 600 /root/.ssh/*'",
	"mkdir -p /run/sshd",
	fmt.Sprintf("/usr/sbin/sshd -p%d", containerSSHPort),
}

var sshdCheckCommand = fmt.Sprintf("pgrep -f 'sshd.*%d' > /dev/null 2>&1", containerSSHPort)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Container runs commands inside a long-running container on every node. It
// reuses the bare-metal pools for transport, and mpirun reaches the other
// ranks through an sshd inside each container on port 2224.
//
// Lifecycle: no container is known until SetupContainers succeeds, and
// TeardownContainers or Cleanup forget it again. Callers serialize these
// transitions.
type Container struct {
	*Baremetal

	cfg         *config.Container
	runtime     runtime.Runtime
	localUser   string
	containerID string
	settle      time.Duration
}

// NewContainer builds a container orchestrator.
func NewContainer(cfg *config.Cluster, logger logrus.FieldLogger, opts ...Option) (*Container, error) {
	return newContainer(cfg, logger, buildOptions(opts))
}

func newContainer(cfg *config.Cluster, logger logrus.FieldLogger, o options) (*Container, error) {
	if cfg.Container.IsZero() {
		return nil, fmt.Errorf("%w: container orchestrator requires a non-empty container section", ErrConfig)
	}

	b, err := newBaremetal(cfg, logger, o)
	if err != nil {
		return nil, err
	}
	b.sshPort = containerSSHPort

	name := cfg.Container.Runtime.Name
	if name == "" {
		name = "docker"
	}
	rt, err := o.runtimes.New(name, b, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	localUser := o.localUser
	if localUser == "" {
		localUser = currentUser()
	}
	logger.WithField("runtime", name).Info("Container orchestrator initialized")

	return &Container{
		Baremetal: b,
		cfg:       cfg.Container,
		runtime:   rt,
		localUser: localUser,
		settle:    sshdSettle,
	}, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// ContainerID returns the running container's name, or "" when none is
// running.
func (c *Container) ContainerID() string { return c.containerID }

// SanitizeContainerName replaces every character outside [a-zA-Z0-9_] with
// an underscore.
func SanitizeContainerName(image string) string {
	return unsafeNameChars.ReplaceAllString(image, "_")
}

// ContainerName returns the configured name or "<localUser>_<sanitized image>".
func ContainerName(cfg *config.Container, localUser string) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return localUser + "_" + SanitizeContainerName(cfg.Image)
}

// ArgsOverride adjusts the merged container arguments before launch.
type ArgsOverride func(*runtime.Args)

// LaunchArgs merges the built-in defaults with the config.
func (c *Container) LaunchArgs() runtime.Args {
	ra := c.cfg.Runtime.Args

	args := runtime.Args{
		Volumes: append([]string{
			fmt.Sprintf("/home/%s:/workspace", c.localUser),
			fmt.Sprintf("/home/%s/.ssh:/host_ssh", c.localUser),
		}, ra.Volumes...),
		Devices:         concat(defaultDevices, ra.Devices),
		CapAdd:          concat(defaultCapAdd, ra.CapAdd),
		SecurityOpt:     concat(defaultSecurityOpt, ra.SecurityOpt),
		GroupAdd:        concat(defaultGroupAdd, ra.GroupAdd),
		Ulimit:          concat(defaultUlimit, ra.Ulimit),
		Env:             maps.Clone(defaultEnv),
		Network:         defaultNetwork,
		IPC:             defaultIPC,
		Privileged:      defaultPrivileged,
		DeviceExpansion: InfiniBandExpansion,
	}
	maps.Copy(args.Env, ra.Env)
	maps.Copy(args.Env, c.cfg.Env)
	if ra.Network != "" {
		args.Network = ra.Network
	}
	if ra.IPC != "" {
		args.IPC = ra.IPC
	}
	if ra.Privileged != nil {
		args.Privileged = *ra.Privileged
	}
	return args
}

func concat(defaults, extra []string) []string {
	out := make([]string, 0, len(defaults)+len(extra))
	out = append(out, defaults...)
	return append(out, extra...)
}

// SetupContainers brings the cluster to the running state. With launch
// enabled the runtime starts the containers; otherwise they must already be
// running under the expected name.
func (c *Container) SetupContainers(ctx context.Context, overrides ...ArgsOverride) error {
	if !c.cfg.Enabled {
		c.logger.Debug("Container mode not enabled, skipping setup")
		return nil
	}
	if c.cfg.Image == "" {
		return fmt.Errorf("%w: container image not specified", ErrConfig)
	}
	name := ContainerName(c.cfg, c.localUser)

	if !c.cfg.Launch {
		return c.verifyContainersRunning(ctx, name)
	}

	c.logger.WithField("container", name).Info("Launching containers")
	args := c.LaunchArgs()
	for _, o := range overrides {
		o(&args)
	}
	spec := runtime.LaunchSpec{
		Name:           name,
		Image:          c.cfg.Image,
		ImageTar:       c.cfg.ImageTar,
		Launch:         true,
		GPUPassthrough: c.cfg.GPUs(),
		Args:           args,
	}
	if err := c.runtime.SetupContainers(ctx, spec); err != nil {
		return fmt.Errorf("setup containers: %w", err)
	}
	c.containerID = name
	return nil
}

func (c *Container) verifyContainersRunning(ctx context.Context, name string) error {
	cmd := fmt.Sprintf("sudo docker ps --filter name=^%s$ --filter status=running --format '{{.Names}}'", name)
	c.logger.WithField("container", name).Debug("Checking container is running on all hosts")

	res, err := c.all.Exec(ctx, cmd, pssh.WithTimeout(verifyTimeout), pssh.Quiet())
	if err != nil {
		return fmt.Errorf("verify containers: %w", err)
	}

	// Hosts pruned by earlier calls have no entry and count as failed.
	var failed []string
	for _, h := range c.hosts {
		r, ok := res[h]
		if !ok || r.ExitCode != 0 || strings.TrimSpace(r.Output) != name {
			failed = append(failed, h)
		}
	}
	if len(failed) > 0 {
		c.logger.WithFields(logrus.Fields{
			"container": name,
			"hosts":     failed,
		}).Error("Container not running")
		return &pssh.HostsError{Op: fmt.Sprintf("container %s check", name), Hosts: failed}
	}

	c.containerID = name
	c.logger.WithField("container", name).Info("Verified container is running on all hosts")
	return nil
}

// Attach adopts containers started by an earlier process so that they can be
// used or torn down. It fails unless the container runs on every host.
func (c *Container) Attach(ctx context.Context) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("%w: container mode not enabled", ErrConfig)
	}
	if c.containerID != "" {
		return nil
	}
	return c.verifyContainersRunning(ctx, ContainerName(c.cfg, c.localUser))
}

// TeardownContainers stops containers this orchestrator launched. Externally
// managed containers are left alone.
func (c *Container) TeardownContainers(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Debug("Container mode not enabled, skipping teardown")
		return nil
	}
	if !c.cfg.Launch {
		c.logger.Debug("Containers are externally managed, not stopping them")
		return nil
	}
	if c.containerID == "" {
		c.logger.Debug("No containers running")
		return nil
	}

	c.logger.WithField("container", c.containerID).Info("Tearing down containers")
	err := c.runtime.TeardownContainers(ctx, c.containerID)
	c.containerID = ""
	return err
}

// RemoveContainers removes the configured container by name on every host,
// whether or not this process launched it. Externally managed containers are
// left alone.
func (c *Container) RemoveContainers(ctx context.Context) error {
	if !c.cfg.Enabled || !c.cfg.Launch {
		c.logger.Debug("Containers not launched by this tool, nothing to remove")
		return nil
	}
	name := ContainerName(c.cfg, c.localUser)
	if err := c.runtime.TeardownContainers(ctx, name); err != nil {
		return err
	}
	c.containerID = ""
	return nil
}

// SetupSSHD copies the mounted SSH keys into each container and starts sshd
// on the container port, then checks the daemon is up everywhere.
func (c *Container) SetupSSHD(ctx context.Context) error {
	if c.containerID == "" {
		return ErrNotLaunched
	}
	c.logger.WithField("container", c.containerID).Info("Setting up SSH daemon in containers")

	for _, cmd := range sshdSetupCommands {
		res, err := c.Exec(ctx, cmd, nil, pssh.WithTimeout(sshdStepTimeout))
		if err != nil {
			return fmt.Errorf("sshd setup: %w", err)
		}
		if failed := res.Failed(); len(failed) > 0 {
			c.logger.WithFields(logrus.Fields{"cmd": cmd, "hosts": failed}).Error("SSH setup command failed")
			return &pssh.HostsError{Op: fmt.Sprintf("sshd setup step %q", cmd), Hosts: failed}
		}
	}

	if c.settle > 0 {
		t := time.NewTimer(c.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	res, err := c.Exec(ctx, sshdCheckCommand, nil, pssh.WithTimeout(sshdStepTimeout))
	if err != nil {
		return fmt.Errorf("sshd check: %w", err)
	}
	if failed := res.Failed(); len(failed) > 0 {
		c.logger.WithField("hosts", failed).Error("SSH daemon validation failed")
		return &pssh.HostsError{Op: "sshd check", Hosts: failed}
	}
	c.logger.Info("SSH daemon started in every container")
	return nil
}

// Exec runs cmd inside the container on hosts, or on every node.
func (c *Container) Exec(ctx context.Context, cmd string, hosts []string, opts ...pssh.ExecOption) (pssh.Results, error) {
	if c.containerID == "" {
		return nil, ErrNotLaunched
	}
	return c.runtime.Exec(ctx, c.containerID, cmd, hosts, opts...)
}

// ExecOnHead runs cmd inside the head node's container.
func (c *Container) ExecOnHead(ctx context.Context, cmd string, opts ...pssh.ExecOption) (pssh.Results, error) {
	if c.containerID == "" {
		return nil, ErrNotLaunched
	}
	return c.runtime.ExecOnHead(ctx, c.containerID, cmd, opts...)
}

// BuildMPICmd writes the hostfile inside the head container and returns the
// mpirun command line.
func (c *Container) BuildMPICmd(ctx context.Context, job MPIJob) (string, error) {
	return buildMPICmd(ctx, job, c.sshPort, c.ExecOnHead)
}

// DistributeUsingMPI launches job inside the head container.
func (c *Container) DistributeUsingMPI(ctx context.Context, job MPIJob) (pssh.Results, error) {
	cmd, err := c.BuildMPICmd(ctx, job)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Launching MPI job in containers")
	c.logger.WithField("cmd", cmd).Debug("MPI command")
	return c.ExecOnHead(ctx, cmd, pssh.WithTimeout(orDefault(job.Timeout, containerMPITimeout)))
}

// Cleanup tears down a running container and forgets it on success.
func (c *Container) Cleanup(ctx context.Context, _ []string) error {
	if c.containerID == "" {
		return nil
	}
	if !c.cfg.Launch {
		c.logger.WithField("container", c.containerID).Info("Containers are externally managed, leaving them running")
		c.containerID = ""
		return nil
	}
	c.logger.WithField("container", c.containerID).Info("Tearing down containers")
	if err := c.runtime.TeardownContainers(ctx, c.containerID); err != nil {
		return err
	}
	c.containerID = ""
	return nil
}

// Package docker runs cluster containers with the docker CLI over SSH.
package docker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
)

// Command timeouts.
const (
	imageCheckTimeout  = 30 * time.Second
	setupLoadTimeout   = 300 * time.Second
	defaultLoadTimeout = 600 * time.Second
	runTimeout         = 60 * time.Second
	removeTimeout      = 30 * time.Second
)

// Runtime implements runtime.Runtime with docker.
type Runtime struct {
	cluster runtime.Cluster
	logger  logrus.FieldLogger
}

// New returns a docker runtime bound to c.
func New(c runtime.Cluster, logger logrus.FieldLogger) runtime.Runtime {
	return &Runtime{
		cluster: c,
		logger:  logger.WithField("runtime", "docker"),
	}
}

// SetupContainers starts a detached container on every host. Any stale
// container with the same name is removed first. If any host fails to start,
// the containers that did start are torn down.
func (r *Runtime) SetupContainers(ctx context.Context, spec runtime.LaunchSpec) error {
	if !spec.Launch {
		r.logger.Info("Container launch disabled, assuming containers are already running")
		return nil
	}
	if err := checkImage(spec.Image); err != nil {
		return err
	}
	if _, err := name.ParseReference(spec.Image); err != nil {
		// docker accepts short local names the registry grammar does not.
		r.logger.WithFields(logrus.Fields{
			"image": spec.Image,
			"error": err,
		}).Warn("Image is not a valid registry reference")
	}

	if spec.ImageTar != "" {
		present, err := r.imageExists(ctx, spec.Image)
		if err != nil {
			return err
		}
		if present {
			r.logger.WithField("image", spec.Image).Info("Image already present, skipping archive load")
		} else {
			r.logger.WithField("archive", spec.ImageTar).Info("Loading image archive")
			res, err := r.LoadImage(ctx, spec.ImageTar, pssh.WithTimeout(setupLoadTimeout))
			if err != nil {
				return fmt.Errorf("load image: %w", err)
			}
			if failed := res.Failed(); len(failed) > 0 {
				r.logger.WithField("hosts", failed).Error("Failed to load image archive")
				return &pssh.HostsError{Op: "image load", Hosts: failed}
			}
		}
	}

	cmd := fmt.Sprintf("sudo docker run -d --name %s %s %s sleep infinity", spec.Name, BuildRunArgs(spec), spec.Image)
	r.logger.WithFields(logrus.Fields{
		"container": spec.Name,
		"hosts":     len(r.cluster.Hosts()),
	}).Info("Starting long-running containers")
	r.logger.WithField("cmd", cmd).Debug("Container start command")

	remove := fmt.Sprintf("sudo docker rm -f %s || true", spec.Name)
	if _, err := r.cluster.All().Exec(ctx, remove, pssh.WithTimeout(removeTimeout), pssh.Quiet()); err != nil {
		return fmt.Errorf("remove stale containers: %w", err)
	}

	res, err := r.cluster.All().Exec(ctx, cmd, pssh.WithTimeout(runTimeout))
	if err != nil {
		r.teardownAfterFailure(ctx, spec.Name)
		return fmt.Errorf("start containers: %w", err)
	}
	if failed := res.Failed(); len(failed) > 0 {
		r.logger.WithField("hosts", failed).Error("Container startup failed")
		r.teardownAfterFailure(ctx, spec.Name)
		return &pssh.HostsError{Op: "container start", Hosts: failed}
	}

	r.logger.WithField("container", spec.Name).Info("Containers started")
	return nil
}

// checkImage rejects images that cannot be passed to docker run as a single
// argument.
func checkImage(image string) error {
	if image == "" {
		return errors.New("container image is required")
	}
	if strings.ContainsFunc(image, unicode.IsSpace) {
		return fmt.Errorf("invalid image %q: contains whitespace", image)
	}
	return nil
}

func (r *Runtime) teardownAfterFailure(ctx context.Context, container string) {
	if err := r.TeardownContainers(ctx, container); err != nil {
		r.logger.WithField("error", err).Warn("Teardown after failed start had issues")
	}
}

func (r *Runtime) imageExists(ctx context.Context, image string) (bool, error) {
	cmd := fmt.Sprintf("sudo docker images --format '{{.Repository}}:{{.Tag}}' | grep -q '^%s$'", image)
	res, err := r.cluster.All().Exec(ctx, cmd, pssh.WithTimeout(imageCheckTimeout), pssh.Quiet())
	if err != nil {
		return false, fmt.Errorf("check image: %w", err)
	}
	return res.OK(), nil
}

// TeardownContainers force-removes the container on every host.
func (r *Runtime) TeardownContainers(ctx context.Context, container string) error {
	if container == "" {
		r.logger.Info("No container to stop")
		return nil
	}
	r.logger.WithField("container", container).Info("Stopping containers")

	cmd := fmt.Sprintf("sudo docker rm -f %s 2>/dev/null || true", container)
	res, err := r.cluster.All().Exec(ctx, cmd, pssh.WithTimeout(removeTimeout), pssh.Quiet())
	if err != nil {
		return fmt.Errorf("remove containers: %w", err)
	}
	if failed := res.Failed(); len(failed) > 0 {
		r.logger.WithField("hosts", failed).Warn("Container removal had issues")
		return &pssh.HostsError{Op: "container removal", Hosts: failed}
	}
	return nil
}

// Exec runs cmd inside the container on hosts, or on every host.
func (r *Runtime) Exec(ctx context.Context, container, cmd string, hosts []string, opts ...pssh.ExecOption) (pssh.Results, error) {
	wrapped := execCmd(container, cmd)
	if len(hosts) > 0 {
		return r.cluster.All().ExecOnHosts(ctx, wrapped, hosts, opts...)
	}
	return r.cluster.All().Exec(ctx, wrapped, opts...)
}

// ExecOnHead runs cmd inside the container on the head host.
func (r *Runtime) ExecOnHead(ctx context.Context, container, cmd string, opts ...pssh.ExecOption) (pssh.Results, error) {
	return r.cluster.Head().Exec(ctx, execCmd(container, cmd), opts...)
}

// LoadImage loads tarPath on every host. The timeout defaults to ten
// minutes.
func (r *Runtime) LoadImage(ctx context.Context, tarPath string, opts ...pssh.ExecOption) (pssh.Results, error) {
	opts = append([]pssh.ExecOption{pssh.WithTimeout(defaultLoadTimeout)}, opts...)
	return r.cluster.All().Exec(ctx, "sudo docker load < "+tarPath, opts...)
}

func execCmd(container, cmd string) string {
	return fmt.Sprintf("sudo docker exec %s %s", container, cmd)
}

// BuildRunArgs renders the docker run flags for spec.
func BuildRunArgs(spec runtime.LaunchSpec) string {
	a := spec.Args
	var args []string
	if spec.GPUPassthrough {
		args = append(args, "--gpus all")
	}
	network := a.Network
	if network == "" {
		network = "host"
	}
	args = append(args, "--network "+network)
	for _, v := range a.Volumes {
		args = append(args, "-v "+v)
	}
	for _, k := range slices.Sorted(maps.Keys(a.Env)) {
		args = append(args, fmt.Sprintf("-e %s=%s", k, a.Env[k]))
	}
	for _, d := range a.Devices {
		args = append(args, "--device "+d)
	}
	for _, c := range a.CapAdd {
		args = append(args, "--cap-add "+c)
	}
	for _, o := range a.SecurityOpt {
		args = append(args, "--security-opt "+o)
	}
	for _, g := range a.GroupAdd {
		args = append(args, "--group-add "+g)
	}
	if a.IPC != "" {
		args = append(args, "--ipc "+a.IPC)
	}
	for _, u := range a.Ulimit {
		args = append(args, "--ulimit "+u)
	}
	if a.Privileged {
		args = append(args, "--privileged")
	}
	if a.DeviceExpansion != "" {
		args = append(args, a.DeviceExpansion)
	}
	return strings.Join(args, " ")
}

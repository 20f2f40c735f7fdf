// Package enroot is a placeholder for an enroot-based container runtime.
// Every operation reports runtime.ErrNotImplemented except teardown, which
// has nothing to remove.
package enroot

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
)

// Runtime implements runtime.Runtime without doing anything.
type Runtime struct {
	cluster runtime.Cluster
	logger  logrus.FieldLogger
}

// New returns an enroot runtime bound to c.
func New(c runtime.Cluster, logger logrus.FieldLogger) runtime.Runtime {
	return &Runtime{cluster: c, logger: logger.WithField("runtime", "enroot")}
}

func (r *Runtime) SetupContainers(context.Context, runtime.LaunchSpec) error {
	r.logger.Warn("Enroot runtime not yet implemented")
	return runtime.ErrNotImplemented
}

func (r *Runtime) TeardownContainers(context.Context, string) error {
	r.logger.Warn("Enroot runtime not yet implemented")
	return nil
}

func (r *Runtime) Exec(context.Context, string, string, []string, ...pssh.ExecOption) (pssh.Results, error) {
	r.logger.Error("Enroot runtime not yet implemented")
	return nil, runtime.ErrNotImplemented
}

func (r *Runtime) ExecOnHead(context.Context, string, string, ...pssh.ExecOption) (pssh.Results, error) {
	r.logger.Error("Enroot runtime not yet implemented")
	return nil, runtime.ErrNotImplemented
}

func (r *Runtime) LoadImage(context.Context, string, ...pssh.ExecOption) (pssh.Results, error) {
	r.logger.Error("Enroot runtime not yet implemented")
	return nil, runtime.ErrNotImplemented
}

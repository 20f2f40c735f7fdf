package enroot_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/runtime"
	"github.com/seantiz/cvs/internal/runtime/enroot"
)

func TestEnrootNotImplemented(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	rt := enroot.New(nil, l)
	ctx := context.Background()

	if err := rt.SetupContainers(ctx, runtime.LaunchSpec{Launch: true}); !errors.Is(err, runtime.ErrNotImplemented) {
		t.Errorf("SetupContainers error = %v, want ErrNotImplemented", err)
	}
	if err := rt.TeardownContainers(ctx, "c"); err != nil {
		t.Errorf("TeardownContainers error = %v, want nil", err)
	}
	if _, err := rt.Exec(ctx, "c", "true", nil); !errors.Is(err, runtime.ErrNotImplemented) {
		t.Errorf("Exec error = %v, want ErrNotImplemented", err)
	}
	if _, err := rt.ExecOnHead(ctx, "c", "true"); !errors.Is(err, runtime.ErrNotImplemented) {
		t.Errorf("ExecOnHead error = %v, want ErrNotImplemented", err)
	}
	if _, err := rt.LoadImage(ctx, "/x.tar"); !errors.Is(err, runtime.ErrNotImplemented) {
		t.Errorf("LoadImage error = %v, want ErrNotImplemented", err)
	}
}

package docker_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
	"github.com/seantiz/cvs/internal/runtime/docker"
)

// fakeExecutor answers commands through a handler and records them.
type fakeExecutor struct {
	mu      sync.Mutex
	hosts   []string
	handler func(host, cmd string) pssh.Result
	cmds    []string
	subsets [][]string
}

func (f *fakeExecutor) Exec(ctx context.Context, cmd string, _ ...pssh.ExecOption) (pssh.Results, error) {
	return f.ExecOnHosts(ctx, cmd, f.hosts)
}

func (f *fakeExecutor) ExecOnHosts(_ context.Context, cmd string, hosts []string, _ ...pssh.ExecOption) (pssh.Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	f.subsets = append(f.subsets, hosts)
	res := make(pssh.Results, len(hosts))
	for _, h := range hosts {
		if f.handler != nil {
			res[h] = f.handler(h, cmd)
			continue
		}
		res[h] = pssh.Result{}
	}
	return res, nil
}

func (f *fakeExecutor) commands(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.cmds {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeCluster struct {
	all  *fakeExecutor
	head *fakeExecutor
}

func (c *fakeCluster) All() runtime.Executor  { return c.all }
func (c *fakeCluster) Head() runtime.Executor { return c.head }
func (c *fakeCluster) Hosts() []string        { return c.all.hosts }

func newCluster(handler func(host, cmd string) pssh.Result) *fakeCluster {
	hosts := []string{"n1", "n2", "n3"}
	return &fakeCluster{
		all:  &fakeExecutor{hosts: hosts, handler: handler},
		head: &fakeExecutor{hosts: hosts[:1], handler: handler},
	}
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSetupContainersLaunchDisabled(t *testing.T) {
	c := newCluster(nil)
	rt := docker.New(c, testLogger())

	if err := rt.SetupContainers(context.Background(), runtime.LaunchSpec{Name: "c", Image: "x"}); err != nil {
		t.Fatalf("SetupContainers: %v", err)
	}
	if len(c.all.cmds) != 0 {
		t.Errorf("ran %d commands, want 0", len(c.all.cmds))
	}
}

func TestSetupContainersStartsEverywhere(t *testing.T) {
	c := newCluster(nil)
	rt := docker.New(c, testLogger())

	spec := runtime.LaunchSpec{Name: "me_x", Image: "rocm/cvs:latest", Launch: true, Args: runtime.Args{Network: "host"}}
	if err := rt.SetupContainers(context.Background(), spec); err != nil {
		t.Fatalf("SetupContainers: %v", err)
	}

	want := []string{
		"sudo docker rm -f me_x || true",
		"sudo docker run -d --name me_x --network host rocm/cvs:latest sleep infinity",
	}
	if diff := cmp.Diff(want, c.all.cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestSetupContainersPartialFailureTearsDown(t *testing.T) {
	c := newCluster(func(host, cmd string) pssh.Result {
		if host == "n2" && strings.HasPrefix(cmd, "sudo docker run") {
			return pssh.Result{Output: "port conflict\n", ExitCode: 125}
		}
		return pssh.Result{}
	})
	rt := docker.New(c, testLogger())

	err := rt.SetupContainers(context.Background(), runtime.LaunchSpec{Name: "me_x", Image: "x", Launch: true})
	var hostsErr *pssh.HostsError
	if !errors.As(err, &hostsErr) {
		t.Fatalf("SetupContainers error = %v, want *pssh.HostsError", err)
	}
	if diff := cmp.Diff([]string{"n2"}, hostsErr.Hosts); diff != "" {
		t.Errorf("failed hosts mismatch (-want +got):\n%s", diff)
	}

	teardown := c.all.commands("sudo docker rm -f me_x 2>/dev/null")
	if len(teardown) != 1 {
		t.Fatalf("teardown ran %d times, want 1", len(teardown))
	}
	if last := c.all.subsets[len(c.all.subsets)-1]; len(last) != 3 {
		t.Errorf("teardown reached %d hosts, want 3", len(last))
	}
}

func TestSetupContainersRejectsInvalidImage(t *testing.T) {
	for _, image := range []string{"", "Bad Image!", "rocm/cvs:latest\n"} {
		c := newCluster(nil)
		rt := docker.New(c, testLogger())

		err := rt.SetupContainers(context.Background(), runtime.LaunchSpec{Name: "c", Image: image, Launch: true})
		if err == nil {
			t.Errorf("SetupContainers(%q) expected error", image)
		}
		if len(c.all.cmds) != 0 {
			t.Errorf("SetupContainers(%q) ran %d commands, want 0", image, len(c.all.cmds))
		}
	}
}

func TestSetupContainersAcceptsShortLocalImage(t *testing.T) {
	c := newCluster(func(string, string) pssh.Result { return pssh.Result{} })
	rt := docker.New(c, testLogger())

	if err := rt.SetupContainers(context.Background(), runtime.LaunchSpec{Name: "me_x", Image: "x", Launch: true}); err != nil {
		t.Fatalf("SetupContainers: %v", err)
	}
	run := c.all.commands("sudo docker run")
	if len(run) != 1 || !strings.HasSuffix(run[0], " x sleep infinity") {
		t.Errorf("docker run commands = %q, want one ending in image x", run)
	}
}

func TestSetupContainersLoadsMissingImage(t *testing.T) {
	tests := []struct {
		name      string
		present   bool
		loadFails bool
		wantLoads int
		wantErr   bool
	}{
		{name: "present", present: true, wantLoads: 0},
		{name: "missing", wantLoads: 1},
		{name: "load fails", loadFails: true, wantLoads: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(func(host, cmd string) pssh.Result {
				switch {
				case strings.HasPrefix(cmd, "sudo docker images") && !tt.present && host == "n3":
					return pssh.Result{ExitCode: 1}
				case strings.HasPrefix(cmd, "sudo docker load") && tt.loadFails && host == "n1":
					return pssh.Result{ExitCode: 1}
				}
				return pssh.Result{}
			})
			rt := docker.New(c, testLogger())

			err := rt.SetupContainers(context.Background(), runtime.LaunchSpec{
				Name: "c", Image: "rocm/cvs:latest", ImageTar: "/images/cvs.tar", Launch: true,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetupContainers error = %v, wantErr %v", err, tt.wantErr)
			}
			loads := c.all.commands("sudo docker load < /images/cvs.tar")
			if len(loads) != tt.wantLoads {
				t.Errorf("image loaded %d times, want %d", len(loads), tt.wantLoads)
			}
			if tt.wantErr && len(c.all.commands("sudo docker run")) != 0 {
				t.Error("containers started after failed image load")
			}
		})
	}
}

func TestTeardownContainers(t *testing.T) {
	c := newCluster(nil)
	rt := docker.New(c, testLogger())

	if err := rt.TeardownContainers(context.Background(), ""); err != nil {
		t.Errorf("TeardownContainers(\"\"): %v", err)
	}
	if len(c.all.cmds) != 0 {
		t.Errorf("empty name ran %d commands, want 0", len(c.all.cmds))
	}
	if err := rt.TeardownContainers(context.Background(), "c"); err != nil {
		t.Errorf("TeardownContainers: %v", err)
	}
	if diff := cmp.Diff([]string{"sudo docker rm -f c 2>/dev/null || true"}, c.all.cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestExecWrapsCommand(t *testing.T) {
	c := newCluster(nil)
	rt := docker.New(c, testLogger())

	if _, err := rt.Exec(context.Background(), "c", "hostname", nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if _, err := rt.Exec(context.Background(), "c", "hostname", []string{"n2"}); err != nil {
		t.Fatalf("Exec subset: %v", err)
	}
	res, err := rt.ExecOnHead(context.Background(), "c", "rocm-smi")
	if err != nil {
		t.Fatalf("ExecOnHead: %v", err)
	}

	if diff := cmp.Diff([]string{"n2"}, c.all.subsets[1]); diff != "" {
		t.Errorf("subset mismatch (-want +got):\n%s", diff)
	}
	if c.all.cmds[0] != "sudo docker exec c hostname" {
		t.Errorf("exec cmd = %q", c.all.cmds[0])
	}
	if c.head.cmds[0] != "sudo docker exec c rocm-smi" {
		t.Errorf("head cmd = %q", c.head.cmds[0])
	}
	if _, ok := res["n1"]; !ok || len(res) != 1 {
		t.Errorf("head results = %v, want only n1", res)
	}
}

func TestBuildRunArgs(t *testing.T) {
	spec := runtime.LaunchSpec{
		GPUPassthrough: true,
		Args: runtime.Args{
			Volumes:         []string{"/home/me:/workspace"},
			Devices:         []string{"/dev/kfd"},
			Env:             map[string]string{"MULTINODE": "true", "GPUS": "8"},
			CapAdd:          []string{"SYS_PTRACE"},
			SecurityOpt:     []string{"seccomp=unconfined"},
			GroupAdd:        []string{"video"},
			Network:         "host",
			IPC:             "host",
			Ulimit:          []string{"memlock=-1"},
			Privileged:      true,
			DeviceExpansion: "$(ib)",
		},
	}
	want := "--gpus all --network host -v /home/me:/workspace -e GPUS=8 -e MULTINODE=true " +
		"--device /dev/kfd --cap-add SYS_PTRACE --security-opt seccomp=unconfined " +
		"--group-add video --ipc host --ulimit memlock=-1 --privileged $(ib)"
	if got := docker.BuildRunArgs(spec); got != want {
		t.Errorf("BuildRunArgs =\n%q\nwant\n%q", got, want)
	}
}

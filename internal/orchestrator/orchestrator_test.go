package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/config"
	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/runtime"
)

// transport is a fake SSH layer shared by every pool an orchestrator builds.
type transport struct {
	mu      sync.Mutex
	handler func(host, cmd string) pssh.Output
	ran     []hostCmd
	builds  [][]string
}

type hostCmd struct {
	Host string
	Cmd  string
}

type transportClient struct{ t *transport }

func (c transportClient) Run(_ context.Context, host, cmd string) (pssh.Output, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.ran = append(c.t.ran, hostCmd{Host: host, Cmd: cmd})
	if c.t.handler != nil {
		return c.t.handler(host, cmd), nil
	}
	return pssh.Output{}, nil
}

func (transportClient) Close() error { return nil }

func (t *transport) factory(hosts []string, _ pssh.Auth) (pssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.builds = append(t.builds, append([]string(nil), hosts...))
	return transportClient{t: t}, nil
}

// commands returns every command run on host, in order.
func (t *transport) commands(host string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, hc := range t.ran {
		if hc.Host == host {
			out = append(out, hc.Cmd)
		}
	}
	return out
}

func (t *transport) count(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, hc := range t.ran {
		if strings.Contains(hc.Cmd, substr) {
			n++
		}
	}
	return n
}

type neverDown struct{}

func (neverDown) Unreachable(context.Context, []string) []string { return nil }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testCluster(container *config.Container) *config.Cluster {
	orch := "baremetal"
	if container != nil {
		orch = "container"
	}
	return &config.Cluster{
		Orchestrator: orch,
		Nodes:        config.NodeList{{Host: "n1"}, {Host: "n2"}, {Host: "n3"}},
		Username:     "cvs",
		PrivKeyFile:  "/k",
		Container:    container,
	}
}

func testOptions(t *transport) []Option {
	return []Option{
		WithPoolOptions(pssh.WithClientFactory(t.factory), pssh.WithProber(neverDown{})),
		WithLocalUser("me"),
	}
}

func newTestBaremetal(t *testing.T, tr *transport) *Baremetal {
	t.Helper()
	b, err := NewBaremetal(testCluster(nil), testLogger(), testOptions(tr)...)
	if err != nil {
		t.Fatalf("NewBaremetal: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestContainer(t *testing.T, tr *transport, cc *config.Container) *Container {
	t.Helper()
	c, err := NewContainer(testCluster(cc), testLogger(), testOptions(tr)...)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	c.settle = 0
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewSelectsImplementation(t *testing.T) {
	tr := &transport{}

	o, err := New(testCluster(nil), testLogger(), testOptions(tr)...)
	if err != nil {
		t.Fatalf("New baremetal: %v", err)
	}
	defer o.Close()
	if _, ok := o.(*Baremetal); !ok {
		t.Errorf("New returned %T, want *Baremetal", o)
	}

	o2, err := New(testCluster(&config.Container{Enabled: true, Image: "x"}), testLogger(), testOptions(tr)...)
	if err != nil {
		t.Fatalf("New container: %v", err)
	}
	defer o2.Close()
	if _, ok := o2.(*Container); !ok {
		t.Errorf("New returned %T, want *Container", o2)
	}
}

func TestNewConfigErrors(t *testing.T) {
	tr := &transport{}

	tests := []struct {
		name    string
		cfg     *config.Cluster
		wantErr error
	}{
		{
			name:    "unknown orchestrator",
			cfg:     &config.Cluster{Orchestrator: "slurm", Nodes: config.NodeList{{Host: "n1"}}, Username: "u"},
			wantErr: ErrConfig,
		},
		{
			name:    "container without container section",
			cfg:     &config.Cluster{Orchestrator: "container", Nodes: config.NodeList{{Host: "n1"}}, Username: "u"},
			wantErr: ErrConfig,
		},
		{
			name:    "container with empty container section",
			cfg:     &config.Cluster{Orchestrator: "container", Nodes: config.NodeList{{Host: "n1"}}, Username: "u", Container: &config.Container{}},
			wantErr: ErrConfig,
		},
		{
			name: "unknown runtime",
			cfg: &config.Cluster{
				Orchestrator: "container",
				Nodes:        config.NodeList{{Host: "n1"}},
				Username:     "u",
				Container:    &config.Container{Runtime: config.ContainerRuntime{Name: "podman"}},
			},
			wantErr: runtime.ErrUnknownRuntime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, testLogger(), testOptions(tr)...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSupportedBackends(t *testing.T) {
	if diff := cmp.Diff([]string{"baremetal", "container"}, SupportedBackends()); diff != "" {
		t.Errorf("SupportedBackends mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsupportedMPI(t *testing.T) {
	var u Unsupported
	if _, err := u.DistributeUsingMPI(context.Background(), MPIJob{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("DistributeUsingMPI error = %v, want ErrUnsupported", err)
	}
}

func TestBaremetalPools(t *testing.T) {
	tr := &transport{}
	b := newTestBaremetal(t, tr)

	if b.HeadNode() != "n1" {
		t.Errorf("HeadNode() = %q, want n1", b.HeadNode())
	}
	if len(tr.builds) != 2 {
		t.Fatalf("built %d pools, want 2", len(tr.builds))
	}

	res, err := b.Exec(context.Background(), "uptime", nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(res) != 3 {
		t.Errorf("Exec reached %d hosts, want 3", len(res))
	}
	if _, err := b.Exec(context.Background(), "uptime", []string{"n3", "n1", "n2"}); err != nil {
		t.Fatalf("Exec full set: %v", err)
	}
	if len(tr.builds) != 2 {
		t.Errorf("full host set built an extra pool")
	}

	res, err = b.Exec(context.Background(), "uptime", []string{"n2", "n3"})
	if err != nil {
		t.Fatalf("Exec subset: %v", err)
	}
	if len(res) != 2 || len(tr.builds) != 3 {
		t.Errorf("subset: %d results, %d pools built; want 2 and 3", len(res), len(tr.builds))
	}

	res, err = b.ExecOnHead(context.Background(), "hostname")
	if err != nil {
		t.Fatalf("ExecOnHead: %v", err)
	}
	if _, ok := res["n1"]; !ok || len(res) != 1 {
		t.Errorf("ExecOnHead results = %v, want only n1", res)
	}
}

func TestBaremetalSetupEnv(t *testing.T) {
	tr := &transport{handler: func(host, cmd string) pssh.Output {
		if host == "n2" && cmd == "bash /opt/env.sh" {
			return pssh.Output{ExitCode: 1}
		}
		return pssh.Output{}
	}}
	b := newTestBaremetal(t, tr)

	if err := b.SetupEnv(context.Background(), b.Hosts(), ""); err != nil {
		t.Errorf("SetupEnv with no script: %v", err)
	}
	if len(tr.ran) != 0 {
		t.Errorf("empty script ran %d commands", len(tr.ran))
	}

	err := b.SetupEnv(context.Background(), b.Hosts(), "/opt/env.sh")
	var hostsErr *pssh.HostsError
	if !errors.As(err, &hostsErr) {
		t.Fatalf("SetupEnv error = %v, want *pssh.HostsError", err)
	}
	if diff := cmp.Diff([]string{"n2"}, hostsErr.Hosts); diff != "" {
		t.Errorf("failed hosts mismatch (-want +got):\n%s", diff)
	}

	if err := b.SetupEnv(context.Background(), []string{"n1"}, "/opt/env.sh"); err != nil {
		t.Errorf("SetupEnv on head: %v", err)
	}
	if err := b.Cleanup(context.Background(), b.Hosts()); err != nil {
		t.Errorf("Cleanup: %v", err)
	}
}

func TestBuildMPICmd(t *testing.T) {
	tests := []struct {
		name      string
		job       MPIJob
		wantRanks string
	}{
		{
			name:      "derived ranks",
			job:       MPIJob{Hosts: []string{"n1", "n2", "n3"}, RanksPerHost: 8},
			wantRanks: "--np 24 ",
		},
		{
			name:      "explicit ranks",
			job:       MPIJob{Hosts: []string{"n1", "n2"}, RanksPerHost: 8, GlobalRanks: 4},
			wantRanks: "--np 4 ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &transport{}
			b := newTestBaremetal(t, tr)
			tt.job.MPIDir = "/opt/ompi/bin"
			tt.job.RankCmd = "/opt/rccl-tests/build/all_reduce_perf -b 8 -e 8G"

			cmd, err := b.BuildMPICmd(context.Background(), tt.job)
			if err != nil {
				t.Fatalf("BuildMPICmd: %v", err)
			}
			if !strings.Contains(cmd, tt.wantRanks) {
				t.Errorf("command %q does not contain %q", cmd, tt.wantRanks)
			}

			head := tr.commands("n1")
			if len(head) != 2 {
				t.Fatalf("head ran %d commands, want 2: %v", len(head), head)
			}
			if head[0] != "sudo rm -f /tmp/mpi_hosts.txt" {
				t.Errorf("first head command = %q", head[0])
			}
			wantWrite := `bash -c 'echo "` + HostfileContent(tt.job.Hosts, tt.job.RanksPerHost) + `" > /tmp/mpi_hosts.txt'`
			if head[1] != wantWrite {
				t.Errorf("hostfile command = %q, want %q", head[1], wantWrite)
			}
			if len(tr.commands("n2")) != 0 {
				t.Error("hostfile written on a non-head node")
			}
		})
	}
}

func TestMPICommand(t *testing.T) {
	got := MPICommand("/opt/ompi/bin", 22,
		[]string{"--np", "16", "--allow-run-as-root", "--hostfile", "/tmp/mpi_hosts.txt", "--bind-to", "numa"},
		map[string]string{"NCCL_DEBUG": "INFO", "LD_LIBRARY_PATH": "/opt/rccl/lib"},
		"/opt/rccl-tests/build/all_reduce_perf")
	want := `/opt/ompi/bin/mpirun --mca plm_rsh_agent ssh --mca plm_rsh_args "-p 22 -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null" ` +
		`--np 16 --allow-run-as-root --hostfile /tmp/mpi_hosts.txt --bind-to numa ` +
		`-x LD_LIBRARY_PATH=/opt/rccl/lib -x NCCL_DEBUG=INFO /opt/rccl-tests/build/all_reduce_perf`
	if got != want {
		t.Errorf("MPICommand =\n%s\nwant\n%s", got, want)
	}
}

func TestHostfileContent(t *testing.T) {
	if got, want := HostfileContent([]string{"a", "b"}, 8), "a slots=8\nb slots=8\n"; got != want {
		t.Errorf("HostfileContent = %q, want %q", got, want)
	}
}

func TestBaremetalDistributeUsingMPI(t *testing.T) {
	tr := &transport{}
	b := newTestBaremetal(t, tr)

	res, err := b.DistributeUsingMPI(context.Background(), MPIJob{
		Hosts: []string{"n1", "n2"}, RanksPerHost: 2, MPIDir: "/mpi", RankCmd: "hostname",
	})
	if err != nil {
		t.Fatalf("DistributeUsingMPI: %v", err)
	}
	if _, ok := res["n1"]; !ok || len(res) != 1 {
		t.Errorf("results = %v, want only the head", res)
	}
	head := tr.commands("n1")
	last := head[len(head)-1]
	if !strings.HasPrefix(last, "/mpi/mpirun ") || !strings.Contains(last, `"-p 22 `) {
		t.Errorf("launch command = %q", last)
	}
}

func TestBuildMPICmdRejectsEmptyJob(t *testing.T) {
	b := newTestBaremetal(t, &transport{})
	if _, err := b.BuildMPICmd(context.Background(), MPIJob{RanksPerHost: 1}); err == nil {
		t.Error("expected error for job without hosts")
	}
	if _, err := b.BuildMPICmd(context.Background(), MPIJob{Hosts: []string{"n1"}}); err == nil {
		t.Error("expected error for zero ranks per host")
	}
}

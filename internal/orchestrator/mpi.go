package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/seantiz/cvs/internal/pssh"
)

// MPIHostfile is where the head node's hostfile is written.
const MPIHostfile = "/tmp/mpi_hosts.txt"

// headExec runs a command on the head node, on the host or inside its
// container depending on the orchestrator.
type headExec func(ctx context.Context, cmd string, opts ...pssh.ExecOption) (pssh.Results, error)

// HostfileContent renders one "<host> slots=<n>" line per host.
func HostfileContent(hosts []string, ranksPerHost int) string {
	var b strings.Builder
	for _, h := range hosts {
		fmt.Fprintf(&b, "%s slots=%d\n", h, ranksPerHost)
	}
	return b.String()
}

func buildMPICmd(ctx context.Context, job MPIJob, sshPort int, onHead headExec) (string, error) {
	if len(job.Hosts) == 0 {
		return "", fmt.Errorf("MPI job has no hosts")
	}
	if job.RanksPerHost <= 0 {
		return "", fmt.Errorf("MPI job needs a positive ranks per host, got %d", job.RanksPerHost)
	}

	if _, err := onHead(ctx, "sudo rm -f "+MPIHostfile, pssh.Quiet()); err != nil {
		return "", fmt.Errorf("remove MPI hostfile: %w", err)
	}
	write := fmt.Sprintf(`bash -c 'echo "%s" > %s'`, HostfileContent(job.Hosts, job.RanksPerHost), MPIHostfile)
	res, err := onHead(ctx, write, pssh.Quiet())
	if err != nil {
		return "", fmt.Errorf("write MPI hostfile: %w", err)
	}
	if failed := res.Failed(); len(failed) > 0 {
		return "", &pssh.HostsError{Op: "write MPI hostfile", Hosts: failed}
	}

	ranks := job.GlobalRanks
	if ranks <= 0 {
		ranks = len(job.Hosts) * job.RanksPerHost
	}
	runner := []string{"--np", strconv.Itoa(ranks), "--allow-run-as-root", "--hostfile", MPIHostfile}
	runner = append(runner, job.ExtraArgs...)
	return MPICommand(job.MPIDir, sshPort, runner, job.Env, job.RankCmd), nil
}

// MPICommand assembles an mpirun command line. Env flags are sorted by key.
func MPICommand(mpiDir string, sshPort int, runnerArgs []string, env map[string]string, rankCmd string) string {
	envArgs := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		envArgs = append(envArgs, fmt.Sprintf("-x %s=%s", k, env[k]))
	}
	sshOpts := fmt.Sprintf(`--mca plm_rsh_agent ssh --mca plm_rsh_args "-p %d -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null"`, sshPort)
	return fmt.Sprintf("%s/mpirun %s %s %s %s", mpiDir, sshOpts, strings.Join(runnerArgs, " "), strings.Join(envArgs, " "), rankCmd)
}

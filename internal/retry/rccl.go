package retry

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/pssh"
)

// Call.Args keys read by RCCLCleanup.
const (
	ArgExec         = "exec"
	ArgRCCLTestsDir = "rccl_tests_dir"
	ArgUserName     = "user_name"
)

// RCCLTestBinaries are the collective-communication test binaries killed
// after a failed attempt.
var RCCLTestBinaries = []string{
	"all_reduce_perf",
	"all_gather_perf",
	"reduce_scatter_perf",
	"broadcast_perf",
	"reduce_perf",
	"alltoall_perf",
	"alltoallv_perf",
	"gather_perf",
	"scatter_perf",
	"sendrecv_perf",
	"hypercube_perf",
}

var rcclTempFiles = []string{
	"/tmp/rccl_*.json",
	"/tmp/rccl_hosts_file.txt",
	"/tmp/ompi.*",
}

// Executor runs a command on every node. *pssh.Pool satisfies it.
type Executor interface {
	Exec(ctx context.Context, cmd string, opts ...pssh.ExecOption) (pssh.Results, error)
}

// RCCLCleanup kills hung collective-communication test and MPI processes and
// removes their temporary files. Hung ranks from fabric congestion otherwise
// block every later attempt.
type RCCLCleanup struct {
	Logger logrus.FieldLogger
}

// AfterFailure needs ArgExec, ArgRCCLTestsDir and ArgUserName in call.Args.
// Cleanup is skipped when any is missing.
func (c RCCLCleanup) AfterFailure(ctx context.Context, call Call, _ *Config) error {
	exec, _ := call.Args[ArgExec].(Executor)
	dir, _ := call.Args[ArgRCCLTestsDir].(string)
	user, _ := call.Args[ArgUserName].(string)
	if exec == nil || dir == "" || user == "" {
		c.Logger.WithField("call", call.Name).Debug("Cleanup arguments missing, skipping RCCL cleanup")
		return nil
	}

	c.Logger.Info("Performing RCCL cleanup after test failure")
	userFlag := "-u " + user

	found := c.census(ctx, exec, userFlag)
	if len(found) == 0 {
		c.Logger.Info("No hung RCCL or MPI processes found")
	} else {
		c.Logger.WithField("processes", strings.Join(found, ", ")).Warn("Found processes requiring cleanup")
	}

	for _, cmd := range KillCommands(dir, userFlag) {
		if _, err := exec.Exec(ctx, cmd, pssh.Quiet()); err != nil {
			c.Logger.WithFields(logrus.Fields{"cmd": cmd, "error": err}).Warn("Cleanup command failed")
		}
	}
	for _, f := range rcclTempFiles {
		cmd := fmt.Sprintf("rm -f %s 2>/dev/null || true", f)
		if _, err := exec.Exec(ctx, cmd, pssh.Quiet()); err != nil {
			c.Logger.WithFields(logrus.Fields{"cmd": cmd, "error": err}).Warn("File cleanup command failed")
		}
	}

	c.Logger.Info("RCCL cleanup finished")
	return nil
}

// census counts test and MPI processes per host for diagnostics.
func (c RCCLCleanup) census(ctx context.Context, exec Executor, userFlag string) []string {
	checks := []struct {
		label string
		cmd   string
	}{
		{
			label: "RCCL test",
			cmd:   fmt.Sprintf("ps aux %s | grep -E '(all_reduce|all_gather|reduce_scatter|broadcast|reduce|alltoall|gather|scatter|sendrecv|hypercube)_perf' | grep -v grep | wc -l", userFlag),
		},
		{
			label: "MPI",
			cmd:   fmt.Sprintf("ps aux %s | grep -E 'mpirun.*rccl|orted' | grep -v grep | wc -l", userFlag),
		},
	}

	var found []string
	for _, check := range checks {
		res, err := exec.Exec(ctx, check.cmd, pssh.Quiet())
		if err != nil {
			c.Logger.WithField("error", err).Warnf("Could not check %s processes", check.label)
			continue
		}
		for host, r := range res {
			count := strings.TrimSpace(r.Output)
			if count != "" && count != "0" {
				found = append(found, fmt.Sprintf("%s %s processes on %s", count, check.label, host))
			}
		}
	}
	return found
}

// KillCommands returns the pkill commands for every test binary under dir
// plus the MPI launcher and daemons.
func KillCommands(dir, userFlag string) []string {
	cmds := make([]string, 0, len(RCCLTestBinaries)+2)
	for _, bin := range RCCLTestBinaries {
		cmds = append(cmds, fmt.Sprintf("pkill -9 %s -f '%s/%s' 2>/dev/null || true", userFlag, dir, bin))
	}
	cmds = append(cmds,
		fmt.Sprintf("pkill -9 %s -f 'mpirun.*rccl' 2>/dev/null || true", userFlag),
		fmt.Sprintf("pkill -9 %s -f 'orted' 2>/dev/null || true", userFlag),
	)
	return cmds
}

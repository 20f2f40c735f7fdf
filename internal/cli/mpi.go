package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/cvs/internal/orchestrator"
	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/retry"
	"github.com/seantiz/cvs/internal/runtime"
)

// clusterExecutor is satisfied by both orchestrators through the embedded
// bare-metal pools.
type clusterExecutor interface {
	All() runtime.Executor
}

func newMPICommand(a *app) *cobra.Command {
	var (
		job          orchestrator.MPIJob
		rcclTestsDir string
	)

	cmd := &cobra.Command{
		Use:   "mpi [flags] -- RANK_COMMAND [ARGS...]",
		Short: "Launch an MPI job with mpirun from the head node.",
		Long: `Write the MPI hostfile on the head node and launch RANK_COMMAND with
mpirun. When the cluster file enables cvs_retry_on_failure, failed launches
are retried after killing hung collective test processes on every node.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			orch, err := s.attached(ctx)
			if err != nil {
				return err
			}

			job.RankCmd = strings.Join(args, " ")
			if len(job.Hosts) == 0 {
				job.Hosts = s.cluster.Hosts()
			}

			call := retry.Call{Name: "mpirun", Args: map[string]any{
				retry.ArgRCCLTestsDir: rcclTestsDir,
				retry.ArgUserName:     s.cluster.Username,
			}}
			if ce, ok := orch.(clusterExecutor); ok {
				call.Args[retry.ArgExec] = ce.All()
			}

			r := retry.New(retry.RCCLCleanup{Logger: a.logger}, a.logger)
			failures := &retry.Failures{}
			res, err := retry.Do(ctx, r, call, s.cluster.Retry, failures,
				func(ctx context.Context, f *retry.Failures) (pssh.Results, error) {
					res, err := orch.DistributeUsingMPI(ctx, job)
					if err != nil {
						return nil, err
					}
					for _, h := range res.Failed() {
						f.Add("mpirun on %s exited with code %d", h, res[h].ExitCode)
					}
					return res, nil
				})
			if err != nil {
				return err
			}
			if failures.Len() > 0 {
				return &pssh.HostsError{Op: "mpirun", Hosts: res.Failed()}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&job.Hosts, "hosts", nil, "Hosts in the hostfile (default every node).")
	f.IntVar(&job.RanksPerHost, "ranks-per-host", 8, "Slots per host in the hostfile.")
	f.IntVar(&job.GlobalRanks, "np", 0, "Total ranks (default hosts * ranks-per-host).")
	f.StringVar(&job.MPIDir, "mpi-dir", "/opt/ompi/bin", "Directory holding mpirun on the head node.")
	f.StringToStringVarP(&job.Env, "env", "x", nil, "Environment exported to every rank (KEY=VALUE).")
	f.StringArrayVar(&job.ExtraArgs, "mpirun-arg", nil, "Extra argument passed to mpirun (repeatable).")
	f.DurationVar(&job.Timeout, "timeout", 0, "mpirun timeout (default depends on the orchestrator).")
	f.StringVar(&rcclTestsDir, "rccl-tests-dir", "", "Directory of the collective test binaries, used to kill hung ranks before a retry.")
	f.SetInterspersed(false)
	return cmd
}

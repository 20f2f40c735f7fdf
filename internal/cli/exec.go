package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/cvs/internal/pssh"
)

func newExecCommand(a *app) *cobra.Command {
	var (
		hosts   []string
		head    bool
		quiet   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] COMMAND [ARGS...]",
		Short: "Run a command on every node, a subset, or the head node.",
		Long: `Run a command in parallel on the cluster. In container mode the command
runs inside the running containers. Exits non-zero when any host does.`,
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

			var opts []pssh.ExecOption
			if timeout > 0 {
				opts = append(opts, pssh.WithTimeout(timeout))
			}
			if quiet {
				opts = append(opts, pssh.Quiet())
			}

			line := strings.Join(args, " ")
			var res pssh.Results
			if head {
				res, err = orch.ExecOnHead(ctx, line, opts...)
			} else {
				res, err = orch.Exec(ctx, line, hosts, opts...)
			}
			if err != nil {
				return err
			}
			if failed := res.Failed(); len(failed) > 0 {
				return &pssh.HostsError{Op: "exec", Hosts: failed}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Run on these hosts only (comma separated).")
	cmd.Flags().BoolVar(&head, "head", false, "Run on the head node only.")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print host headers but not command output.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-host timeout (0 waits forever).")
	// Flags after COMMAND belong to it.
	cmd.Flags().SetInterspersed(false)
	cmd.MarkFlagsMutuallyExclusive("hosts", "head")
	return cmd
}

func newSetupEnvCommand(a *app) *cobra.Command {
	var hosts []string

	cmd := &cobra.Command{
		Use:   "setup-env SCRIPT",
		Short: "Run an environment setup script with bash on the nodes.",
		Long: `Run "bash SCRIPT" on every node, or on --hosts. SCRIPT is a path on the
nodes. Fails unless every host exits 0.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			if len(hosts) == 0 {
				hosts = s.cluster.Hosts()
			}
			return s.orch.SetupEnv(ctx, hosts, args[0])
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Run on these hosts only (comma separated).")
	return cmd
}

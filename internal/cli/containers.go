package cli

import (
	"github.com/spf13/cobra"
)

func newContainersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Manage the long-running containers of a container cluster.",
	}
	cmd.AddCommand(
		newContainersSetupCommand(a),
		newContainersTeardownCommand(a),
		newContainersSSHDCommand(a),
	)
	return cmd
}

func newContainersSetupCommand(a *app) *cobra.Command {
	var sshd bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Launch the containers, or verify externally managed ones are running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.container()
			if err != nil {
				return err
			}
			if err := c.SetupContainers(ctx); err != nil {
				return err
			}
			if sshd {
				return c.SetupSSHD(ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sshd, "sshd", false, "Also start sshd inside the containers for MPI.")
	return cmd
}

func newContainersTeardownCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Remove containers this tool launched. Externally managed containers are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.container()
			if err != nil {
				return err
			}
			return c.RemoveContainers(ctx)
		},
	}
}

func newContainersSSHDCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sshd",
		Short: "Start sshd inside running containers so mpirun can reach every rank.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.container()
			if err != nil {
				return err
			}
			if err := c.Attach(ctx); err != nil {
				return err
			}
			return c.SetupSSHD(ctx)
		},
	}
}

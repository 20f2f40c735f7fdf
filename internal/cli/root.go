// Package cli implements the cvs command line on top of the orchestrators.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/seantiz/cvs/internal/config"
	"github.com/seantiz/cvs/internal/pssh"
)

// app holds the global flags and the dependencies every command shares.
type app struct {
	fs     afero.Fs
	logger *logrus.Logger

	clusterFile  string
	suiteFile    string
	statusAddr   string
	historyDB    string
	logLevel     string
	stopOnErrors bool
	noColor      bool

	// poolOpts are appended to the options of every SSH pool.
	poolOpts []pssh.Option
}

// Execute runs the cvs command line with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the cvs command tree. Flag defaults come from the
// environment.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{fs: afero.NewOsFs()})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cvs",
		Short: "Run and validate workloads across a GPU cluster over SSH.",
		Long: `cvs drives every node of a cluster over parallel SSH, either directly
on the hosts or inside long-running containers, and launches MPI jobs from the
head node. Every fan-out call is recorded in a local history database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.setup(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	bindGlobalFlags(root.PersistentFlags(), a, config.Load())

	root.AddCommand(
		newExecCommand(a),
		newSetupEnvCommand(a),
		newContainersCommand(a),
		newMPICommand(a),
		newHistoryCommand(a),
	)
	return root
}

func bindGlobalFlags(fs *pflag.FlagSet, a *app, cfg config.Config) {
	fs.StringVar(&a.clusterFile, "cluster-file", cfg.ClusterFile, "Cluster description (JSON or YAML). Defaults to $CLUSTER_FILE.")
	fs.StringVar(&a.suiteFile, "suite-file", "", "Test-suite config whose keys override the cluster file.")
	fs.StringVar(&a.statusAddr, "status-addr", cfg.StatusAddr, "Serve health, metrics and history on this address while the command runs.")
	fs.StringVar(&a.historyDB, "history-db", cfg.HistoryDB, "SQLite execution history. Empty disables recording.")
	fs.StringVar(&a.logLevel, "log-level", cfg.LogLevel.String(), "Log level (debug, info, warn, error).")
	fs.BoolVar(&a.stopOnErrors, "stop-on-errors", false, "Abort a fan-out call on the first host error.")
	fs.BoolVar(&a.noColor, "no-color", false, "Disable colored console output.")
}

// setup configures logging and console color once flags are parsed.
func (a *app) setup(out, errOut io.Writer) {
	a.logger = config.NewLogger(errOut, config.ParseLogLevel(a.logLevel))
	if a.noColor || !isTerminal(out) {
		color.NoColor = true
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

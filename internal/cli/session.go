package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/cvs/internal/api"
	"github.com/seantiz/cvs/internal/config"
	"github.com/seantiz/cvs/internal/orchestrator"
	"github.com/seantiz/cvs/internal/pssh"
	"github.com/seantiz/cvs/internal/store"
)

// session is the state one command runs against: the cluster, its
// orchestrator, the history store and the optional status server.
type session struct {
	cluster *config.Cluster
	orch    orchestrator.Orchestrator
	store   *store.SQLiteStore

	stopServer context.CancelFunc
	serverDone chan error
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	if a.historyDB == "" {
		return nil, nil
	}
	db, err := store.NewSQLiteStore(a.historyDB)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return db, nil
}

// open loads the cluster and builds its orchestrator. Pool output is echoed
// to console.
func (a *app) open(ctx context.Context, console io.Writer) (*session, error) {
	if a.clusterFile == "" {
		return nil, errors.New("no cluster file: set --cluster-file or CLUSTER_FILE")
	}
	cluster, err := config.LoadCluster(a.fs, a.clusterFile, a.suiteFile)
	if err != nil {
		return nil, err
	}

	s := &session{cluster: cluster}
	if s.store, err = a.openStore(); err != nil {
		return nil, err
	}

	poolOpts := []pssh.Option{pssh.WithLogger(a.logger), pssh.WithConsole(console)}
	if s.store != nil {
		poolOpts = append(poolOpts, pssh.WithRecorder(store.NewRecorder(s.store, a.logger)))
	}
	poolOpts = append(poolOpts, a.poolOpts...)

	runtimes := orchestrator.DefaultRuntimes()
	s.orch, err = orchestrator.New(cluster, a.logger,
		orchestrator.WithStopOnErrors(a.stopOnErrors),
		orchestrator.WithRuntimes(runtimes),
		orchestrator.WithPoolOptions(poolOpts...),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	if a.statusAddr != "" && s.store != nil {
		srv := api.NewServer(a.statusAddr, s.store, runtimes, a.logger)
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopServer = cancel
		s.serverDone = make(chan error, 1)
		go func() { s.serverDone <- srv.Run(srvCtx) }()
	}
	return s, nil
}

// container returns the container orchestrator, failing for any other kind.
func (s *session) container() (*orchestrator.Container, error) {
	c, ok := s.orch.(*orchestrator.Container)
	if !ok {
		return nil, fmt.Errorf("%w: orchestrator is %q, container commands need \"container\"",
			orchestrator.ErrConfig, s.cluster.Orchestrator)
	}
	return c, nil
}

// attached returns the container orchestrator with containers adopted from
// an earlier run when none are known yet. Other orchestrators pass through.
func (s *session) attached(ctx context.Context) (orchestrator.Orchestrator, error) {
	c, ok := s.orch.(*orchestrator.Container)
	if !ok || c.ContainerID() != "" {
		return s.orch, nil
	}
	if err := c.Attach(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops the status server and releases the pools and the store.
func (s *session) Close() error {
	var merr *multierror.Error
	if s.stopServer != nil {
		s.stopServer()
		merr = multierror.Append(merr, <-s.serverDone)
	}
	if s.orch != nil {
		merr = multierror.Append(merr, s.orch.Close())
	}
	if s.store != nil {
		merr = multierror.Append(merr, s.store.Close())
	}
	return merr.ErrorOrNil()
}

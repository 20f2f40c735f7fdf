package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestExecution(started time.Time) *model.Execution {
	hosts := []model.HostResult{
		{Host: "node1", Command: "hostname", ExitCode: 0, Output: "node1"},
		{Host: "node2", Command: "hostname", ExitCode: -1, Output: "dial tcp: i/o timeout\n\nABORT: Host Unreachable Error", Error: "dial tcp: i/o timeout"},
	}
	return &model.Execution{
		ID:         model.NewID(),
		Pool:       "all",
		Command:    "hostname",
		Status:     model.Summarize(hosts, nil),
		StartedAt:  started,
		FinishedAt: started.Add(250 * time.Millisecond),
		DurationMS: 250,
		Hosts:      hosts,
	}
}

func TestRecordAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution(time.Now().UTC().Truncate(time.Second))

	if err := s.RecordExecution(ctx, e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}

	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("execution mismatch (-want +got):\n%s", diff)
	}
	if got.Status != model.StatusPartial {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusPartial)
	}
}

func TestRecordExecutionAssignsID(t *testing.T) {
	s := newTestStore(t)
	e := makeTestExecution(time.Now().UTC())
	e.ID = ""

	if err := s.RecordExecution(context.Background(), e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if e.ID == "" {
		t.Fatal("ID not assigned")
	}
	if _, err := s.GetExecution(context.Background(), e.ID); err != nil {
		t.Errorf("GetExecution: %v", err)
	}
}

func TestRecordExecutionDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution(time.Now().UTC())

	if err := s.RecordExecution(ctx, e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := s.RecordExecution(ctx, e); err == nil {
		t.Fatal("expected error recording the same ID twice")
	}

	// The failed insert must not leave extra host rows behind.
	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if len(got.Hosts) != 2 {
		t.Errorf("len(Hosts) = %d, want 2", len(got.Hosts))
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution error = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	var ids []string
	for i := range 5 {
		e := makeTestExecution(base.Add(time.Duration(i) * time.Second))
		if err := s.RecordExecution(ctx, e); err != nil {
			t.Fatalf("RecordExecution[%d]: %v", i, err)
		}
		ids = append(ids, e.ID)
	}

	tests := []struct {
		limit, offset int
		want          []string
	}{
		{limit: 2, offset: 0, want: []string{ids[4], ids[3]}},
		{limit: 2, offset: 2, want: []string{ids[2], ids[1]}},
		{limit: 2, offset: 4, want: []string{ids[0]}},
		{limit: 2, offset: 10, want: nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit=%d,offset=%d", tt.limit, tt.offset), func(t *testing.T) {
			got, total, err := s.ListExecutions(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if total != 5 {
				t.Errorf("total = %d, want 5", total)
			}
			var gotIDs []string
			for _, e := range got {
				gotIDs = append(gotIDs, e.ID)
				if len(e.Hosts) != 0 {
					t.Errorf("execution %s listed with %d host results", e.ID, len(e.Hosts))
				}
			}
			if diff := cmp.Diff(tt.want, gotIDs); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListExecutionsEmpty(t *testing.T) {
	s := newTestStore(t)

	got, total, err := s.ListExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 0 || len(got) != 0 {
		t.Errorf("got %d executions (total %d), want none", len(got), total)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	executions := []*model.Execution{
		{Pool: "all", Command: "a", Status: model.StatusSucceeded, DurationMS: 100,
			Hosts: []model.HostResult{{Host: "n1", ExitCode: 0}, {Host: "n2", ExitCode: 0}}},
		{Pool: "all", Command: "b", Status: model.StatusFailed, DurationMS: 200,
			Hosts: []model.HostResult{{Host: "n1", ExitCode: 1}, {Host: "n2", ExitCode: 2}}},
		{Pool: "head", Command: "c", Status: model.StatusSucceeded, DurationMS: 300,
			Hosts: []model.HostResult{{Host: "n1", ExitCode: 0}}},
	}
	for _, e := range executions {
		e.StartedAt, e.FinishedAt = now, now
		if err := s.RecordExecution(ctx, e); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	got, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := &ExecutionStats{
		Total:          3,
		CountByStatus:  map[string]int{model.StatusSucceeded: 2, model.StatusFailed: 1},
		CountByPool:    map[string]int{"all": 2, "head": 1},
		AvgDurationMS:  200,
		FailedHostRuns: 2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	// CREATE ... IF NOT EXISTS must succeed against an existing schema.
	if err := migrate(s.db); err != nil {
		t.Fatalf("Second migration: %v", err)
	}
}

func TestRecorderOutlivesCancelledContext(t *testing.T) {
	s := newTestStore(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewRecorder(s, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := makeTestExecution(time.Now().UTC())
	e.Status = model.StatusAborted
	if err := r.RecordExecution(ctx, e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	got, err := s.GetExecution(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusAborted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusAborted)
	}
}

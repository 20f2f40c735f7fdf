package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/cvs/internal/model"
)

const recordTimeout = 5 * time.Second

// Recorder writes pool executions to a Store. Writes outlive the caller's
// context so that cancelled and timed-out calls are still recorded, bounded
// by a short timeout of their own.
type Recorder struct {
	store  Store
	logger logrus.FieldLogger
}

// NewRecorder returns a Recorder backed by s.
func NewRecorder(s Store, logger logrus.FieldLogger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

// RecordExecution persists e.
func (r *Recorder) RecordExecution(ctx context.Context, e *model.Execution) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := r.store.RecordExecution(ctx, e); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"execution_id": e.ID,
		"pool":         e.Pool,
		"status":       e.Status,
	}).Debug("Execution recorded")
	return nil
}

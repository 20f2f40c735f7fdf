package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Execution status constants.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// NewID returns a ULID for an execution record. ULIDs sort by creation time,
// so listing by id is listing by age.
func NewID() string {
	return ulid.Make().String()
}

// Execution is one fan-out call issued by a parallel execution pool.
type Execution struct {
	ID         string       `json:"id"`
	Pool       string       `json:"pool"`
	Command    string       `json:"command"`
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	DurationMS int64        `json:"duration_ms"`
	Hosts      []HostResult `json:"hosts,omitempty"`
}

// HostResult is the outcome of an execution on a single host.
type HostResult struct {
	Host     string `json:"host"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// Summarize derives the execution status from its host results. An abort
// error always wins; otherwise the status reflects how many hosts exited 0.
func Summarize(hosts []HostResult, abortErr error) string {
	if abortErr != nil {
		return StatusAborted
	}
	ok := 0
	for _, h := range hosts {
		if h.ExitCode == 0 {
			ok++
		}
	}
	switch {
	case ok == len(hosts):
		return StatusSucceeded
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

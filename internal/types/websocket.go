package types

import "time"

// RunEventType classifies progress stream messages
type RunEventType string

const (
	RunEventStatus   RunEventType = "status"
	RunEventProgress RunEventType = "progress"
)

// RunEvent is one message on a run's progress stream
type RunEvent struct {
	Type     RunEventType `json:"type"`
	RunID    string       `json:"run_id"`
	Status   RunStatus    `json:"status"`
	Progress float64      `json:"progress_percent"`
	Message  string       `json:"message,omitempty"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

// Final reports whether no further events follow for the run
func (e RunEvent) Final() bool {
	return e.Type == RunEventStatus && e.Status.IsTerminal()
}

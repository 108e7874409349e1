package orchestrator

import (
	"time"

	"stratlab/internal/types"
)

// Observer receives scheduler lifecycle hooks, typically for metrics
type Observer interface {
	RunQueued(priority types.Priority)
	RunStarted(priority types.Priority, wait time.Duration)
	RunFinished(status types.RunStatus, duration time.Duration)
	QueueDepth(queued, running int)
}

type nopObserver struct{}

func (nopObserver) RunQueued(types.Priority)                 {}
func (nopObserver) RunStarted(types.Priority, time.Duration)  {}
func (nopObserver) RunFinished(types.RunStatus, time.Duration) {}
func (nopObserver) QueueDepth(int, int)                       {}

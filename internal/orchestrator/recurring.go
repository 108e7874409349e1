package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stratlab/internal/logger"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

// Submitter is the part of the scheduler the recurrer needs
type Submitter interface {
	Submit(ctx context.Context, g *graph.Graph, cfg types.RunConfig) (string, error)
}

// RecurringRun resubmits a graph on a cron schedule. With LookbackDays set
// the window is moved to end at the trigger time.
type RecurringRun struct {
	Name         string
	Schedule     string
	Graph        *graph.Graph
	Config       types.RunConfig
	LookbackDays int
}

// RecurringStatus reports the last firing of a recurring run
type RecurringStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type recurringEntry struct {
	spec    RecurringRun
	entryID cron.EntryID
	status  RecurringStatus
}

// Recurrer fires recurring submissions
type Recurrer struct {
	cron      *cron.Cron
	submitter Submitter
	log       logger.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*recurringEntry
}

// NewRecurrer creates a recurrer using standard five-field cron expressions
func NewRecurrer(submitter Submitter, log logger.Logger) *Recurrer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Recurrer{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		submitter: submitter,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]*recurringEntry),
	}
}

// Add registers a recurring run. Names must be unique.
func (r *Recurrer) Add(spec RecurringRun) error {
	if spec.Name == "" {
		return fmt.Errorf("recurring run needs a name")
	}
	if spec.Graph == nil {
		return fmt.Errorf("recurring run %s has no graph", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("recurring run %s already registered", spec.Name)
	}

	entry := &recurringEntry{spec: spec, status: RecurringStatus{Name: spec.Name, Schedule: spec.Schedule}}
	id, err := r.cron.AddFunc(spec.Schedule, func() { r.Fire(context.Background(), spec.Name) })
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", spec.Name, err)
	}
	entry.entryID = id
	r.entries[spec.Name] = entry
	return nil
}

// Fire submits the named recurring run now
func (r *Recurrer) Fire(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("recurring run %s not found", name)
	}

	now := r.now()
	cfg := entry.spec.Config
	if entry.spec.LookbackDays > 0 {
		cfg.End = now
		if step := cfg.Timeframe.Duration(); step > 0 {
			cfg.End = now.Truncate(step)
		}
		cfg.Start = cfg.End.AddDate(0, 0, -entry.spec.LookbackDays)
	}
	if cfg.Priority == "" {
		cfg.Priority = types.PriorityLow
	}

	id, err := r.submitter.Submit(ctx, entry.spec.Graph, cfg)

	r.mu.Lock()
	entry.status.LastRunAt = now
	if err != nil {
		entry.status.Error = err.Error()
	} else {
		entry.status.LastRunID = id
		entry.status.Error = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error("Recurring run submission failed", "name", name, "error", err)
		return "", err
	}
	r.log.Info("Recurring run submitted", "name", name, "run_id", id, "start", cfg.Start, "end", cfg.End)
	return id, nil
}

// Start starts the cron loop
func (r *Recurrer) Start() {
	r.cron.Start()
}

// Stop stops the cron loop and waits for running submissions
func (r *Recurrer) Stop() {
	<-r.cron.Stop().Done()
}

// List returns the status of every recurring run
func (r *Recurrer) List() []RecurringStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RecurringStatus, 0, len(r.entries))
	for _, e := range r.entries {
		st := e.status
		st.NextRunAt = r.cron.Entry(e.entryID).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

const (
	DefaultMaxConcurrentRuns = 4
	defaultPersistTimeout    = 10 * time.Second
)

// Config bounds the scheduler
type Config struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	MaxQueued         int           `yaml:"max_queued"`     // 0 means unbounded
	RetainFinished    int           `yaml:"retain_finished"` // finished jobs kept in memory, 0 keeps all
	PersistTimeout    time.Duration `yaml:"persist_timeout"`
}

// Options wires optional collaborators
type Options struct {
	Store       RunStore
	StatusCache StatusCache
	Events      EventBus
	Observer    Observer
	Logger      logger.Logger
	Clock       func() time.Time
}

// Job is a submitted run. Its record is written by the owning worker until
// terminal; readers take snapshots.
type Job struct {
	id       string
	seq      uint64
	priority types.Priority
	graph    *graph.Graph
	queuedAt time.Time
	index    int // position in the run queue, -1 when not queued

	mu       sync.RWMutex
	run      *types.BacktestRun
	canceled atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// ID returns the run id
func (j *Job) ID() string { return j.id }

// Done is closed once the run is terminal and persisted
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns a copy of the current record
func (j *Job) Snapshot() *types.BacktestRun {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.run.Clone()
}

func (j *Job) setCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
}

// requestCancel flags the job and interrupts its context. It reports false
// when the job was already terminal.
func (j *Job) requestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.run.Status.IsTerminal() {
		return false
	}
	j.canceled.Store(true)
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

type cancelRequest struct {
	job   *Job
	reply chan struct{}
}

// Scheduler queues runs by priority and executes them on a bounded pool.
// A single coordinating goroutine owns the queue and the running count.
type Scheduler struct {
	cfg      Config
	runner   Runner
	store    RunStore
	status   StatusCache
	events   EventBus
	observer Observer
	log      logger.Logger
	now      func() time.Time

	mu       sync.RWMutex
	jobs     map[string]*Job
	finished []string
	seq      atomic.Uint64
	queued   atomic.Int64

	submitCh chan *Job
	cancelCh chan cancelRequest
	doneCh   chan *Job
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewScheduler creates a scheduler and starts its coordinating goroutine
func NewScheduler(cfg Config, runner Runner, opts Options) *Scheduler {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetGlobalLogger()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		runner:     runner,
		store:      opts.Store,
		status:     opts.StatusCache,
		events:     opts.Events,
		observer:   opts.Observer,
		log:        opts.Logger,
		now:        opts.Clock,
		jobs:       make(map[string]*Job),
		submitCh:   make(chan *Job),
		cancelCh:   make(chan cancelRequest),
		doneCh:     make(chan *Job),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	go s.loop()
	return s
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Submit validates and queues a run, returning its id. Configuration errors
// are returned synchronously and nothing is queued.
func (s *Scheduler) Submit(ctx context.Context, g *graph.Graph, cfg types.RunConfig) (string, error) {
	if s.stopped() {
		return "", apperrors.Newf(apperrors.ErrCodeSchedulerStopped, "scheduler is stopped")
	}
	if err := s.runner.Validate(g, cfg); err != nil {
		return "", err
	}
	if s.cfg.MaxQueued > 0 && s.queued.Load() >= int64(s.cfg.MaxQueued) {
		return "", apperrors.Newf(apperrors.ErrCodeQueueFull, "queue is full (%d runs waiting)", s.cfg.MaxQueued)
	}

	graphHash, err := g.Hash()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}

	now := s.now()
	id := uuid.NewString()
	job := &Job{
		id:       id,
		seq:      s.seq.Add(1),
		priority: cfg.Priority,
		graph:    g,
		queuedAt: now,
		index:    -1,
		done:     make(chan struct{}),
		run: &types.BacktestRun{
			ID:          id,
			GraphHash:   graphHash,
			Graph:       raw,
			Config:      cfg,
			Status:      types.RunStatusQueued,
			CreatedAt:   now,
			Transitions: []types.StatusTransition{{To: types.RunStatusQueued, At: now}},
		},
	}

	if err := s.store.Save(ctx, job.run); err != nil {
		return "", apperrors.NewAppError(apperrors.ErrCodePersistence, "failed to persist run", err)
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	s.queued.Add(1)
	s.publish(job.Snapshot(), types.RunEventStatus)

	select {
	case s.submitCh <- job:
	case <-s.stopCh:
		s.queued.Add(-1)
		if snapshot, ok := s.markCanceled(job, "scheduler stopped"); ok {
			s.finalizeCanceled(job, snapshot)
		}
		return "", apperrors.Newf(apperrors.ErrCodeSchedulerStopped, "scheduler is stopped")
	}

	s.observer.RunQueued(job.priority)
	s.log.WithContext(ctx).Info("Run queued",
		"run_id", id, "priority", cfg.Priority, "symbol", cfg.Symbol, "graph_hash", graphHash)
	return id, nil
}

func (s *Scheduler) job(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Job returns the in-memory handle of a run
func (s *Scheduler) Job(id string) (*Job, bool) {
	return s.job(id)
}

// Cancel requests cancellation. A queued run is canceled immediately; a
// running run stops at its next checkpoint. Canceling a terminal run is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	j, ok := s.job(id)
	if !ok {
		run, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}
		return apperrors.Newf(apperrors.ErrCodeRunNotFound, "run %s is not active in this scheduler", id)
	}

	req := cancelRequest{job: j, reply: make(chan struct{})}
	select {
	case s.cancelCh <- req:
	case <-s.loopDone:
		// the loop has already canceled everything it owned
		j.requestCancel()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.reply:
		s.log.WithContext(ctx).Info("Run cancel requested", "run_id", id)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns status and progress, from memory, the status cache or
// the store, in that order.
func (s *Scheduler) GetStatus(ctx context.Context, id string) (types.RunStatusView, error) {
	if j, ok := s.job(id); ok {
		j.mu.RLock()
		defer j.mu.RUnlock()
		return j.run.StatusView(s.now()), nil
	}
	if s.status != nil {
		if view, err := s.status.GetStatus(ctx, id); err == nil {
			return view, nil
		}
	}
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return types.RunStatusView{}, err
	}
	at := run.CreatedAt
	if run.FinishedAt != nil {
		at = *run.FinishedAt
	}
	return run.StatusView(at), nil
}

// Get returns the full run record
func (s *Scheduler) Get(ctx context.Context, id string) (*types.BacktestRun, error) {
	if j, ok := s.job(id); ok {
		return j.Snapshot(), nil
	}
	return s.store.Get(ctx, id)
}

// List returns stored runs matching filter
func (s *Scheduler) List(ctx context.Context, filter types.RunFilter) ([]*types.BacktestRun, error) {
	return s.store.List(ctx, filter)
}

// Wait blocks until the run is terminal or ctx is done
func (s *Scheduler) Wait(ctx context.Context, id string) (*types.BacktestRun, error) {
	j, ok := s.job(id)
	if !ok {
		return s.store.Get(ctx, id)
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels queued and running runs and waits for workers to exit
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		<-s.loopDone
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	var queue runQueue
	running := 0
	for {
		for running < s.cfg.MaxConcurrentRuns {
			j := queue.pop()
			if j == nil {
				break
			}
			s.queued.Add(-1)
			running++
			ctx, cancel := context.WithCancel(s.baseCtx)
			j.setCancel(cancel)
			s.workers.Add(1)
			go s.execute(ctx, j)
		}
		s.observer.QueueDepth(queue.Len(), running)

		select {
		case j := <-s.submitCh:
			queue.push(j)
		case req := <-s.cancelCh:
			if queue.remove(req.job) {
				s.queued.Add(-1)
				s.cancelQueued(req.job, "canceled while queued")
			} else {
				req.job.requestCancel()
			}
			close(req.reply)
		case <-s.doneCh:
			running--
		case <-s.stopCh:
			for j := queue.pop(); j != nil; j = queue.pop() {
				s.queued.Add(-1)
				s.cancelQueued(j, "scheduler stopped")
			}
			s.mu.RLock()
			for _, j := range s.jobs {
				j.requestCancel()
			}
			s.mu.RUnlock()
			s.baseCancel()
			return
		}
	}
}

// cancelQueued moves a run that never started to canceled. The terminal
// write runs on its own goroutine so a slow store does not hold up dispatch.
func (s *Scheduler) cancelQueued(j *Job, reason string) {
	snapshot, ok := s.markCanceled(j, reason)
	if !ok {
		return
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.finalizeCanceled(j, snapshot)
	}()
}

func (s *Scheduler) markCanceled(j *Job, reason string) (*types.BacktestRun, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.canceled.Store(true)
	if err := j.run.Transition(types.RunStatusCanceled, reason, s.now()); err != nil {
		return nil, false
	}
	return j.run.Clone(), true
}

func (s *Scheduler) finalizeCanceled(j *Job, snapshot *types.BacktestRun) {
	s.persistTerminal(j, snapshot)
	s.publish(snapshot, types.RunEventStatus)
	s.observer.RunFinished(types.RunStatusCanceled, 0)
	s.retire(j)
	close(j.done)
}

func (s *Scheduler) execute(ctx context.Context, j *Job) {
	defer s.workers.Done()
	defer func() {
		select {
		case s.doneCh <- j:
		case <-s.loopDone:
		}
	}()

	started := s.now()
	s.observer.RunStarted(j.priority, started.Sub(j.queuedAt))
	log := s.log.WithField("run_id", j.id)

	outcome, err := s.runJob(ctx, j)
	status := s.finish(j, outcome, err)

	s.observer.RunFinished(status, s.now().Sub(started))
	switch status {
	case types.RunStatusFailed:
		log.Warn("Run failed", "error", err, "duration", s.now().Sub(started))
	default:
		log.Info("Run finished", "status", status, "duration", s.now().Sub(started))
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) (outcome *Outcome, err error) {
	if !s.advance(j, types.RunStatusPreparing) || !s.advance(j, types.RunStatusRunning) {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = apperrors.Newf(apperrors.ErrCodeInternal, "run panicked: %v", r)
		}
	}()

	cfg := j.Snapshot().Config
	outcome, err = s.runner.Run(ctx, j.graph, cfg, s.progressFunc(ctx, j))
	if err == nil && cfg.WalkForward != nil {
		s.advance(j, types.RunStatusAggregating)
	}
	return outcome, err
}

// advance moves a live job forward. It reports false when the job has been
// canceled, in which case the state is left for finish.
func (s *Scheduler) advance(j *Job, next types.RunStatus) bool {
	j.mu.Lock()
	if j.canceled.Load() {
		j.mu.Unlock()
		return false
	}
	if err := j.run.Transition(next, "", s.now()); err != nil {
		j.mu.Unlock()
		s.log.Error("Illegal run transition", "run_id", j.id, "error", err)
		return false
	}
	snapshot := j.run.Clone()
	j.mu.Unlock()

	s.persist(snapshot)
	s.publish(snapshot, types.RunEventStatus)
	return true
}

func (s *Scheduler) progressFunc(ctx context.Context, j *Job) graph.ProgressFunc {
	return func(percent float64, message string) error {
		if j.canceled.Load() {
			return apperrors.Newf(apperrors.ErrCodeRunCanceled, "run %s canceled", j.id)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		j.mu.Lock()
		j.run.Progress = percent
		j.run.ProgressMessage = message
		snapshot := &types.BacktestRun{ID: j.id, Status: j.run.Status, Progress: percent, ProgressMessage: message}
		j.mu.Unlock()

		s.publish(snapshot, types.RunEventProgress)
		return nil
	}
}

// finish records the terminal state. A cancel observed before this point
// wins over both completion and failure, and partial results are dropped.
func (s *Scheduler) finish(j *Job, outcome *Outcome, runErr error) types.RunStatus {
	j.mu.Lock()
	now := s.now()
	r := j.run
	var err error
	switch {
	case j.canceled.Load():
		err = r.Transition(types.RunStatusCanceled, "cancel requested", now)
	case runErr != nil:
		r.Error = runErr.Error()
		reason := string(apperrors.ErrCodeInternal)
		if ae := apperrors.GetAppError(runErr); ae != nil {
			reason = string(ae.Code)
		}
		err = r.Transition(types.RunStatusFailed, reason, now)
	case outcome == nil:
		r.Error = "run produced no result"
		err = r.Transition(types.RunStatusFailed, string(apperrors.ErrCodeInternal), now)
	default:
		m := outcome.Metrics
		r.Metrics = &m
		r.EquityCurve = outcome.EquityCurve
		r.Trades = outcome.Trades
		r.Folds = outcome.Folds
		r.MonteCarlo = outcome.MonteCarlo
		r.Warnings = outcome.Warnings
		r.Hashes = outcome.Hashes
		r.Progress = 100
		r.ProgressMessage = ""
		err = r.Transition(types.RunStatusCompleted, "", now)
	}
	if err != nil {
		s.log.Error("Illegal terminal transition", "run_id", j.id, "error", err)
	}
	status := r.Status
	snapshot := r.Clone()
	j.mu.Unlock()

	s.persistTerminal(j, snapshot)
	s.publish(snapshot, types.RunEventStatus)
	s.retire(j)
	close(j.done)
	return status
}

func (s *Scheduler) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
}

func (s *Scheduler) persist(run *types.BacktestRun) {
	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.store.Save(ctx, run); err != nil {
		s.log.Warn("Failed to persist run transition", "run_id", run.ID, "status", run.Status, "error", err)
	}
}

// persistTerminal writes the final record, retrying once without the bulky
// payload. The in-memory record keeps the terminal state either way.
func (s *Scheduler) persistTerminal(j *Job, run *types.BacktestRun) {
	ctx, cancel := s.persistCtx()
	defer cancel()

	err := s.store.Save(ctx, run)
	if err == nil {
		return
	}
	s.log.Warn("Failed to persist run, retrying without payload", "run_id", run.ID, "error", err)

	run.StripPayload()
	run.PersistenceError = err.Error()
	retryErr := s.store.Save(ctx, run)

	msg := err.Error()
	if retryErr != nil {
		msg = fmt.Sprintf("%v; retry: %v", err, retryErr)
		s.log.Error("Failed to persist run", "run_id", run.ID, "status", run.Status, "error", retryErr)
	}
	j.mu.Lock()
	j.run.PersistenceError = msg
	j.mu.Unlock()
}

func (s *Scheduler) publish(run *types.BacktestRun, typ types.RunEventType) {
	if s.status == nil && s.events == nil {
		return
	}
	ctx, cancel := s.persistCtx()
	defer cancel()

	now := s.now()
	if s.status != nil {
		if err := s.status.SetStatus(ctx, run.StatusView(now)); err != nil {
			s.log.Debug("Failed to cache run status", "run_id", run.ID, "error", err)
		}
	}
	if s.events != nil {
		ev := types.RunEvent{
			Type:     typ,
			RunID:    run.ID,
			Status:   run.Status,
			Progress: run.Progress,
			Message:  run.ProgressMessage,
			Error:    run.Error,
			At:       now,
		}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.log.Debug("Failed to publish run event", "run_id", run.ID, "error", err)
		}
	}
}

// retire drops the oldest finished jobs from memory beyond RetainFinished.
// Their records remain in the store.
func (s *Scheduler) retire(j *Job) {
	if s.cfg.RetainFinished <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, j.id)
	for len(s.finished) > s.cfg.RetainFinished {
		delete(s.jobs, s.finished[0])
		s.finished = s.finished[1:]
	}
}

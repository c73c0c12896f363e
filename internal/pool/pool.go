// Package pool admits tasks up to a concurrency limit, runs them on an
// execution backend and queues the rest in submission order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/budget"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/executor"
	"github.com/hochfrequenz/claude-task-pool/internal/taskqueue"
)

// DefaultMaxConcurrent is used when Options.MaxConcurrent is not positive
const DefaultMaxConcurrent = 3

var (
	ErrDuplicateTask = errors.New("task already submitted")
	ErrUnknownTask   = errors.New("unknown task")
	ErrTaskFinished  = errors.New("task already finished")
	ErrClosed        = errors.New("pool is shut down")
)

// Backend runs a single task to completion
type Backend interface {
	RunTask(ctx context.Context, task domain.TaskDefinition, onDelta executor.DeltaFunc) (domain.TaskResult, error)
}

// Recorder receives the cost of every finished task
type Recorder interface {
	RecordTask(result domain.TaskResult, tier domain.Tier) (*budget.Warning, error)
}

// Callbacks are invoked at most once per task and outside the pool lock.
// No ordering is guaranteed between different tasks.
type Callbacks struct {
	OnComplete      func(rec domain.AgentRecord)
	OnFail          func(rec domain.AgentRecord)
	OnBudgetWarning func(w budget.Warning)
	OnOutput        func(taskID, delta string)
}

// Options configures a Pool
type Options struct {
	MaxConcurrent int
	Callbacks     Callbacks
	Store         Store // Optional run history
	Debug         bool
}

// Pool is the single owner of agent records and the task queue
type Pool struct {
	backend Backend
	ledger  Recorder
	opts    Options

	mu      sync.Mutex
	records map[string]*domain.AgentRecord
	order   []string
	queue   *taskqueue.Queue
	cancels map[string]context.CancelFunc
	active  int           // Dispatched tasks whose completion handling has not finished
	changed chan struct{} // Closed and replaced whenever active or the queue shrinks
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	writer *storeWriter
}

// New creates a Pool. ledger may be nil when costs are not tracked.
func New(backend Backend, ledger Recorder, opts Options) *Pool {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		backend:    backend,
		ledger:     ledger,
		opts:       opts,
		records:    make(map[string]*domain.AgentRecord),
		queue:      taskqueue.New(),
		cancels:    make(map[string]context.CancelFunc),
		changed:    make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	if opts.Store != nil {
		p.writer = newStoreWriter(opts.Store)
	}
	return p
}

// MaxConcurrent returns the configured concurrency limit
func (p *Pool) MaxConcurrent() int {
	return p.opts.MaxConcurrent
}

// Submit registers task and either dispatches it or queues it. The returned
// record is a snapshot whose status shows which happened.
func (p *Pool) Submit(task domain.TaskDefinition) (domain.AgentRecord, error) {
	task = task.Clone()
	if task.ID == "" {
		task.ID = domain.NewTaskID()
	}
	if err := task.Validate(); err != nil {
		return domain.AgentRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.AgentRecord{}, ErrClosed
	}
	if _, exists := p.records[task.ID]; exists {
		return domain.AgentRecord{}, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	rec := &domain.AgentRecord{
		ID:          task.ID,
		Tier:        task.Tier,
		Description: task.Description,
		Status:      domain.AgentQueued,
		SubmittedAt: time.Now(),
	}
	p.records[task.ID] = rec
	p.order = append(p.order, task.ID)

	// Queued tasks keep precedence over new submissions
	if p.runningLocked() < p.opts.MaxConcurrent && p.queue.IsEmpty() {
		p.dispatchLocked(task)
	} else {
		p.queue.Enqueue(task)
		p.debugf("queued %s (%d waiting)", task.ID, p.queue.Len())
		p.persist(rec)
	}
	return rec.Clone(), nil
}

// dispatchLocked moves a queued record to running and starts the backend
func (p *Pool) dispatchLocked(task domain.TaskDefinition) {
	rec := p.records[task.ID]
	if !rec.Status.CanTransition(domain.AgentRunning) {
		log.Printf("[pool] refusing to dispatch %s in state %s", task.ID, rec.Status)
		return
	}
	now := time.Now()
	rec.Status = domain.AgentRunning
	rec.StartedAt = &now

	ctx, cancel := context.WithCancel(p.baseCtx)
	p.cancels[task.ID] = cancel
	p.active++
	p.persist(rec)
	p.debugf("dispatching %s (%d/%d running)", task.ID, p.runningLocked(), p.opts.MaxConcurrent)

	go p.run(ctx, task)
}

func (p *Pool) run(ctx context.Context, task domain.TaskDefinition) {
	result := p.invoke(ctx, task)
	p.complete(task, result)
}

// invoke calls the backend and normalizes errors and panics into a failed result
func (p *Pool) invoke(ctx context.Context, task domain.TaskDefinition) (result domain.TaskResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] backend panicked on %s: %v", task.ID, r)
			result = failedResult(task.ID, start, fmt.Sprintf("backend panicked: %v", r))
		}
	}()

	var onDelta executor.DeltaFunc
	if cb := p.opts.Callbacks.OnOutput; cb != nil {
		onDelta = func(delta string) { cb(task.ID, delta) }
	}

	result, err := p.backend.RunTask(ctx, task, onDelta)
	if err != nil {
		return failedResult(task.ID, start, err.Error())
	}
	result.ID = task.ID
	if result.ChangedFiles == nil {
		result.ChangedFiles = []string{}
	}
	return result
}

func failedResult(id string, start time.Time, msg string) domain.TaskResult {
	return domain.TaskResult{
		ID:           id,
		Success:      false,
		ChangedFiles: []string{},
		Duration:     time.Since(start),
		Error:        msg,
	}
}

// complete finalizes the record, records the cost, fires callbacks and then
// admits at most one queued task into the freed slot.
func (p *Pool) complete(task domain.TaskDefinition, result domain.TaskResult) {
	p.mu.Lock()
	rec := p.records[task.ID]
	next := domain.AgentFailed
	if result.Success {
		next = domain.AgentCompleted
	}
	if rec.Status.CanTransition(next) {
		now := time.Now()
		rec.FinishedAt = &now
		res := result.Clone()
		rec.Result = &res
		rec.Status = next
	}
	if cancel, ok := p.cancels[task.ID]; ok {
		cancel()
		delete(p.cancels, task.ID)
	}
	p.persist(rec)
	snapshot := rec.Clone()
	p.mu.Unlock()

	var warning *budget.Warning
	if p.ledger != nil {
		w, err := p.ledger.RecordTask(result, task.Tier)
		if err != nil {
			log.Printf("[pool] recording cost for %s: %v", task.ID, err)
		}
		warning = w
	}

	cb := p.opts.Callbacks
	if snapshot.Status == domain.AgentCompleted {
		if cb.OnComplete != nil {
			cb.OnComplete(snapshot)
		}
	} else if cb.OnFail != nil {
		cb.OnFail(snapshot)
	}
	if warning != nil && cb.OnBudgetWarning != nil {
		cb.OnBudgetWarning(*warning)
	}

	p.mu.Lock()
	p.active--
	if !p.closed && p.runningLocked() < p.opts.MaxConcurrent {
		if next, ok := p.queue.Dequeue(); ok {
			p.dispatchLocked(next)
		}
	}
	p.notifyLocked()
	p.mu.Unlock()
}

// Cancel removes a queued task or signals a running one to stop. A cancelled
// running task still finishes through the backend and is reported as failed.
func (p *Pool) Cancel(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	switch rec.Status {
	case domain.AgentQueued:
		p.queue.Remove(taskID)
		p.forgetLocked(taskID)
		p.notifyLocked()
		return nil
	case domain.AgentRunning:
		if cancel, ok := p.cancels[taskID]; ok {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	}
}

// forgetLocked drops a record that never ran
func (p *Pool) forgetLocked(taskID string) {
	delete(p.records, taskID)
	for i, id := range p.order {
		if id == taskID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.writer != nil {
		p.writer.delete(taskID)
	}
}

// Wait blocks until nothing is queued or running, or ctx is done
func (p *Pool) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.active == 0 && p.queue.IsEmpty() {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown drops queued tasks, cancels running ones and waits for them.
// Once they have all finished the store writer is flushed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, task := range p.queue.All() {
			p.queue.Remove(task.ID)
			p.forgetLocked(task.ID)
		}
		p.notifyLocked()
	}
	p.mu.Unlock()

	p.baseCancel()
	if err := p.Wait(ctx); err != nil {
		return err
	}
	if p.writer != nil {
		p.writer.stop()
	}
	return nil
}

// Get returns a snapshot of one record
func (p *Pool) Get(taskID string) (domain.AgentRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[taskID]
	if !ok {
		return domain.AgentRecord{}, false
	}
	return rec.Clone(), true
}

// All returns snapshots of every record in submission order
func (p *Pool) All() []domain.AgentRecord {
	return p.filter(func(domain.AgentStatus) bool { return true })
}

func (p *Pool) Running() []domain.AgentRecord {
	return p.filter(func(s domain.AgentStatus) bool { return s == domain.AgentRunning })
}

func (p *Pool) Queued() []domain.AgentRecord {
	return p.filter(func(s domain.AgentStatus) bool { return s == domain.AgentQueued })
}

// Completed returns finished records, successful or not
func (p *Pool) Completed() []domain.AgentRecord {
	return p.filter(domain.AgentStatus.IsTerminal)
}

func (p *Pool) filter(keep func(domain.AgentStatus) bool) []domain.AgentRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.AgentRecord, 0, len(p.order))
	for _, id := range p.order {
		rec := p.records[id]
		if keep(rec.Status) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// HasCapacity reports whether a new submission would start immediately
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked() < p.opts.MaxConcurrent && p.queue.IsEmpty()
}

func (p *Pool) runningLocked() int {
	return len(p.cancels)
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) persist(rec *domain.AgentRecord) {
	if p.writer != nil {
		p.writer.save(rec.Clone())
	}
}

func (p *Pool) debugf(format string, args ...any) {
	if p.opts.Debug {
		log.Printf("[pool] "+format, args...)
	}
}

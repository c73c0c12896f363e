// Package app wires configuration, the pool, the ledger, isolation and run
// history into one application context. One App is created per session.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/budget"
	"github.com/hochfrequenz/claude-task-pool/internal/config"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/executor"
	"github.com/hochfrequenz/claude-task-pool/internal/isolation"
	"github.com/hochfrequenz/claude-task-pool/internal/notify"
	"github.com/hochfrequenz/claude-task-pool/internal/observability"
	"github.com/hochfrequenz/claude-task-pool/internal/pool"
	"github.com/hochfrequenz/claude-task-pool/internal/prompts"
	"github.com/hochfrequenz/claude-task-pool/internal/taskstore"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

var (
	ErrNoWorkspace = errors.New("task has no workspace")
	ErrNotFinished = errors.New("task has not completed")
)

const (
	notifyTimeout = 15 * time.Second
	shutdownGrace = 2 * executor.DefaultAbortGrace
)

// Options lets callers replace collaborators built from configuration
type Options struct {
	Runner    executor.Runner  // Defaults to the runner named in [runner]
	Execer    isolation.Execer // Defaults to isolation.OSExecer
	Notifier  notify.Notifier  // Defaults to the [notifications] set
	Callbacks pool.Callbacks   // Invoked after the app's own handling
	NoStore   bool             // Skip the sqlite run history
}

// SpawnOptions controls how a task is placed before submission
type SpawnOptions struct {
	Isolate  bool
	RepoPath string // Repository to isolate from; defaults to general.repo_root
}

// App owns every long-lived collaborator of a session
type App struct {
	cfg       *config.Config
	tiers     tiers.Table
	ledger    *budget.Ledger
	pool      *pool.Pool
	isolation *isolation.Manager
	store     *taskstore.Store
	notifier  notify.Notifier
	callbacks pool.Callbacks

	shutdownTracing func(context.Context) error

	mu         sync.Mutex
	workspaces map[string]domain.WorkspaceInfo

	// Merges touch the primary checkout and must not overlap
	mergeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New builds an App from cfg
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	table, err := cfg.TierTable()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := observability.InitTracing(ctx, "taskpool", cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	a := &App{
		cfg:             cfg,
		tiers:           table,
		notifier:        opts.Notifier,
		callbacks:       opts.Callbacks,
		shutdownTracing: shutdownTracing,
		workspaces:      make(map[string]domain.WorkspaceInfo),
	}
	if a.notifier == nil {
		a.notifier = notify.New(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook)
	}

	a.ledger = budget.NewLedger(cfg.General.LedgerPath, table)
	a.ledger.Load()

	if !opts.NoStore && cfg.General.DatabasePath != "" {
		if err := ensureDir(cfg.General.DatabasePath); err != nil {
			return nil, err
		}
		store, err := taskstore.New(cfg.General.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening run history: %w", err)
		}
		if n, err := store.MarkInterrupted(); err != nil {
			log.Printf("[app] marking interrupted runs: %v", err)
		} else if n > 0 {
			log.Printf("[app] marked %d runs from a previous session as interrupted", n)
		}
		a.store = store
	}

	runner := opts.Runner
	if runner == nil {
		runner = buildRunner(cfg)
	}
	backend := executor.NewBackend(runner, table, executor.Options{
		DefaultTimeout: timeout,
		TrackChanges:   cfg.Runner.TrackChanges,
		Prompts:        prompts.DefaultLoader(cfg.General.RepoRoot),
		Debug:          cfg.General.Debug,
	})

	a.isolation = isolation.NewManager(opts.Execer, isolation.Options{
		RootDir:      cfg.Isolation.RootDir,
		BranchPrefix: cfg.Isolation.BranchPrefix,
		CommitName:   cfg.Isolation.CommitName,
		CommitEmail:  cfg.Isolation.CommitEmail,
		Debug:        cfg.General.Debug,
	})

	poolOpts := pool.Options{
		MaxConcurrent: cfg.General.MaxConcurrent,
		Debug:         cfg.General.Debug,
		Callbacks: pool.Callbacks{
			OnComplete:      a.onFinished,
			OnFail:          a.onFinished,
			OnBudgetWarning: a.onBudgetWarning,
			OnOutput:        opts.Callbacks.OnOutput,
		},
	}
	if a.store != nil {
		poolOpts.Store = a.store
	}
	a.pool = pool.New(backend, a.ledger, poolOpts)

	return a, nil
}

func buildRunner(cfg *config.Config) executor.Runner {
	switch cfg.Runner.Kind {
	case config.RunnerOllama:
		return &executor.OllamaRunner{Host: cfg.Runner.OllamaHost, Model: cfg.Runner.OllamaModel}
	default:
		return &executor.ClaudeRunner{
			Binary:    cfg.Runner.ClaudeBinary,
			ExtraArgs: cfg.Runner.ExtraArgs,
			Debug:     cfg.General.Debug,
		}
	}
}

// Pool returns the scheduler
func (a *App) Pool() *pool.Pool { return a.pool }

// Ledger returns the budget ledger
func (a *App) Ledger() *budget.Ledger { return a.ledger }

// Isolation returns the workspace manager
func (a *App) Isolation() *isolation.Manager { return a.isolation }

// Store returns the run history, or nil when disabled
func (a *App) Store() *taskstore.Store { return a.store }

// Spawn places def (in a fresh workspace when isolating) and submits it
func (a *App) Spawn(ctx context.Context, def domain.TaskDefinition, opts SpawnOptions) (domain.AgentRecord, error) {
	if def.ID == "" {
		def.ID = domain.NewTaskID()
	}
	// Reject a known id before the repository is touched
	if _, ok := a.Workspace(def.ID); ok {
		return domain.AgentRecord{}, fmt.Errorf("%w: %s", pool.ErrDuplicateTask, def.ID)
	}
	if _, ok := a.pool.Get(def.ID); ok {
		return domain.AgentRecord{}, fmt.Errorf("%w: %s", pool.ErrDuplicateTask, def.ID)
	}
	if !opts.Isolate {
		return a.pool.Submit(def)
	}

	repo := opts.RepoPath
	if repo == "" {
		repo = a.cfg.General.RepoRoot
	}
	if repo == "" {
		repo = def.Cwd
	}
	if repo == "" {
		repo = "."
	}

	// Validate before touching the repository
	if err := def.Validate(); err != nil {
		return domain.AgentRecord{}, err
	}

	info, err := a.isolation.CreateWorkspace(ctx, def.ID, repo)
	if err != nil {
		return domain.AgentRecord{}, err
	}
	def.Cwd = info.Path

	rec, err := a.pool.Submit(def)
	if err != nil {
		a.isolation.Cleanup(ctx, info)
		return domain.AgentRecord{}, err
	}

	a.mu.Lock()
	a.workspaces[def.ID] = info
	a.mu.Unlock()
	return rec, nil
}

// Workspace returns the workspace a task runs in
func (a *App) Workspace(taskID string) (domain.WorkspaceInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.workspaces[taskID]
	return info, ok
}

// Workspaces returns every workspace the app still tracks
func (a *App) Workspaces() []domain.WorkspaceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.WorkspaceInfo, 0, len(a.workspaces))
	for _, w := range a.workspaces {
		out = append(out, w)
	}
	return out
}

// Accept merges a completed task's workspace into target. An empty target
// uses isolation.target_branch or the repository default branch. A conflict
// is reported in the result and keeps the workspace.
func (a *App) Accept(ctx context.Context, taskID, target string) (domain.MergeResult, error) {
	info, ok := a.Workspace(taskID)
	if !ok {
		return domain.MergeResult{}, fmt.Errorf("%w: %s", ErrNoWorkspace, taskID)
	}
	rec, ok := a.pool.Get(taskID)
	if !ok || rec.Status != domain.AgentCompleted {
		return domain.MergeResult{}, fmt.Errorf("%w: %s", ErrNotFinished, taskID)
	}
	if target == "" {
		target = a.cfg.Isolation.TargetBranch
	}

	a.mergeMu.Lock()
	result := a.isolation.MergeWorkspace(ctx, info, target)
	a.mergeMu.Unlock()

	if result.Success {
		a.forgetWorkspace(taskID)
	}
	return result, nil
}

// Reject discards a task's workspace and branch
func (a *App) Reject(ctx context.Context, taskID string) error {
	info, ok := a.Workspace(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWorkspace, taskID)
	}
	if rec, ok := a.pool.Get(taskID); ok && !rec.Status.IsTerminal() {
		if err := a.pool.Cancel(taskID); err != nil && !errors.Is(err, pool.ErrTaskFinished) {
			return err
		}
		if rec.Status == domain.AgentRunning {
			// The running task still owns the directory until it returns
			return fmt.Errorf("task %s is still running; reject it once it has stopped", taskID)
		}
	}
	a.isolation.Cleanup(ctx, info)
	a.forgetWorkspace(taskID)
	return nil
}

func (a *App) forgetWorkspace(taskID string) {
	a.mu.Lock()
	delete(a.workspaces, taskID)
	a.mu.Unlock()
}

// Wait blocks until the pool is idle
func (a *App) Wait(ctx context.Context) error {
	return a.pool.Wait(ctx)
}

// Close waits for queued and running work until ctx is done, cancels what
// is left, saves the ledger and releases resources. It is safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.pool.Wait(ctx); err != nil {
			log.Printf("[app] cancelling unfinished tasks: %v", err)
		}
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := a.pool.Shutdown(graceCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down pool: %w", err))
		}
		if err := a.ledger.Save(); err != nil {
			errs = append(errs, fmt.Errorf("saving ledger: %w", err))
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.shutdownTracing(graceCtx); err != nil {
			errs = append(errs, fmt.Errorf("flushing traces: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) onFinished(rec domain.AgentRecord) {
	if err := a.ledger.Save(); err != nil {
		log.Printf("[app] saving ledger after %s: %v", rec.ID, err)
	}

	if rec.Status == domain.AgentFailed || a.cfg.Notifications.NotifyOnSuccess {
		a.send(notify.ForRecord(rec))
	}

	if rec.Status == domain.AgentCompleted {
		if a.callbacks.OnComplete != nil {
			a.callbacks.OnComplete(rec)
		}
	} else if a.callbacks.OnFail != nil {
		a.callbacks.OnFail(rec)
	}
}

func (a *App) onBudgetWarning(w budget.Warning) {
	log.Printf("[budget] %s", w.Message())
	a.send(notify.ForBudgetWarning(w))
	if a.callbacks.OnBudgetWarning != nil {
		a.callbacks.OnBudgetWarning(w)
	}
}

func (a *App) send(n notify.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := a.notifier.Send(ctx, n); err != nil {
		log.Printf("[app] notification failed: %v", err)
	}
}

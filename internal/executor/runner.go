// Package executor runs one task to completion on a unit-of-work runner,
// enforcing its timeout and capturing its output.
package executor

import (
	"context"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

// DeltaFunc receives output increments as they are produced
type DeltaFunc func(delta string)

// SessionOptions scopes a session to a profile and a directory
type SessionOptions struct {
	Profile      tiers.Profile
	Cwd          string
	SystemPrompt string
}

// RunStats is what a finished prompt reports back
type RunStats struct {
	Usage        domain.Usage
	CostUSD      float64
	CostReported bool     // CostUSD came from the provider rather than an estimate
	ChangedFiles []string // Files the provider reports as touched, relative to Cwd
}

// Session is one execution context on a runner. Close must be safe to call
// while Prompt is still running and must release everything the session holds.
type Session interface {
	Prompt(ctx context.Context, prompt string, onDelta DeltaFunc) (RunStats, error)
	// Abort asks a running Prompt to stop. It does not wait for it.
	Abort()
	Close() error
}

// Runner opens sessions on a unit-of-work provider
type Runner interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// FuncRunner adapts a function to the Runner interface. Each session runs fn
// with a context that is cancelled on Abort or Close.
type FuncRunner func(ctx context.Context, opts SessionOptions, prompt string, onDelta DeltaFunc) (RunStats, error)

// Open implements Runner
func (f FuncRunner) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &funcSession{fn: f, opts: opts, ctx: sctx, cancel: cancel}, nil
}

type funcSession struct {
	fn     FuncRunner
	opts   SessionOptions
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *funcSession) Prompt(ctx context.Context, prompt string, onDelta DeltaFunc) (RunStats, error) {
	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()
	return s.fn(ctx, s.opts, prompt, onDelta)
}

func (s *funcSession) Abort()       { s.cancel() }
func (s *funcSession) Close() error { s.cancel(); return nil }

// mergeCancel returns a context cancelled when either parent is done
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

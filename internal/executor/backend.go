package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/observability"
	"github.com/hochfrequenz/claude-task-pool/internal/prompts"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

const (
	// DefaultTimeout applies when a task does not set its own
	DefaultTimeout = 600_000 * time.Millisecond
	// MaxOutputLen is the number of trailing runes kept from a task's output
	MaxOutputLen = 5000
	// DefaultAbortGrace is how long RunTask waits for an aborted prompt to return
	DefaultAbortGrace = 5 * time.Second
)

// ProfileSource resolves a tier to its runtime profile
type ProfileSource interface {
	Profile(tier domain.Tier) (tiers.Profile, error)
}

// Options configures a Backend
type Options struct {
	DefaultTimeout time.Duration
	AbortGrace     time.Duration
	TrackChanges   bool            // Watch the task directory with fsnotify for changed files
	Prompts        *prompts.Loader // Defaults to the embedded templates
	Debug          bool
}

// Backend runs one task at a time per call; calls may run concurrently.
type Backend struct {
	runner   Runner
	profiles ProfileSource
	opts     Options
}

// NewBackend creates a Backend
func NewBackend(runner Runner, profiles ProfileSource, opts Options) *Backend {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = DefaultAbortGrace
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.NewLoader()
	}
	return &Backend{runner: runner, profiles: profiles, opts: opts}
}

// RunTask runs task to completion and returns a fully populated result.
// An unknown tier is returned as a *domain.ConfigError; every other failure,
// including a timeout or cancellation of ctx, is reported in the result.
func (b *Backend) RunTask(ctx context.Context, task domain.TaskDefinition, onDelta DeltaFunc) (domain.TaskResult, error) {
	profile, err := b.profiles.Profile(task.Tier)
	if err != nil {
		return domain.TaskResult{}, err
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "executor.run_task",
		attribute.String("task.id", task.ID),
		attribute.String("task.tier", string(task.Tier)),
		attribute.String("task.model", profile.Model),
	)
	defer span.End()

	cwd := task.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return b.failed(task, start, "", fmt.Sprintf("resolving working directory: %v", err)), nil
		}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = b.opts.DefaultTimeout
	}

	var tracker *ChangeTracker
	if b.opts.TrackChanges {
		if tracker, err = NewChangeTracker(cwd); err != nil {
			b.debugf("change tracking disabled for %s: %v", task.ID, err)
		} else {
			defer tracker.Close()
		}
	}

	systemPrompt, err := BuildSystemPrompt(b.opts.Prompts, task, cwd, profile)
	if err != nil {
		return b.failed(task, start, "", fmt.Sprintf("building system prompt: %v", err)), nil
	}

	session, err := b.runner.Open(ctx, SessionOptions{
		Profile:      profile,
		Cwd:          cwd,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return b.failed(task, start, "", fmt.Sprintf("opening session: %v", err)), nil
	}
	defer func() {
		if err := session.Close(); err != nil {
			b.debugf("closing session for %s: %v", task.ID, err)
		}
	}()

	out := &outputBuffer{}
	fin := newFinalizer()
	gate := &deltaGate{}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	stop := func() {
		session.Abort()
		cancelRun()
	}

	promptDone := make(chan struct{})
	go func() {
		defer close(promptDone)
		stats, err := b.prompt(runCtx, session, task.Prompt, func(d string) {
			gate.forward(func() {
				out.Write(d)
				if onDelta != nil {
					onDelta(d)
				}
			})
		})
		if err != nil {
			fin.finalize(b.failed(task, start, out.String(), err.Error()))
			return
		}
		fin.finalize(b.succeeded(task, start, out.String(), profile, stats))
	}()

	timer := time.AfterFunc(timeout, func() {
		msg := fmt.Sprintf("task timed out after %s", timeout)
		if fin.finalize(b.failed(task, start, out.String(), msg)) {
			b.debugf("%s: %s, aborting", task.ID, msg)
			stop()
		}
	})
	defer timer.Stop()

	select {
	case <-fin.done:
	case <-ctx.Done():
		if fin.finalize(b.failed(task, start, out.String(), fmt.Sprintf("task cancelled: %v", ctx.Err()))) {
			stop()
		}
	}

	// Output after finalization belongs to no result
	gate.close()

	// A prompt that lost the race still gets a bounded chance to return before Close
	select {
	case <-promptDone:
	case <-time.After(b.opts.AbortGrace):
		b.debugf("%s: prompt did not return within %s of abort", task.ID, b.opts.AbortGrace)
	}

	result := fin.result()
	if tracker != nil {
		result.ChangedFiles = mergeFiles(result.ChangedFiles, tracker.Changed())
	}

	span.SetAttributes(
		attribute.Bool("task.success", result.Success),
		attribute.Float64("task.cost_usd", result.CostUSD),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	return result, nil
}

// prompt converts a panicking session into an error
func (b *Backend) prompt(ctx context.Context, s Session, prompt string, onDelta DeltaFunc) (stats RunStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()
	return s.Prompt(ctx, prompt, onDelta)
}

func (b *Backend) succeeded(task domain.TaskDefinition, start time.Time, output string, profile tiers.Profile, stats RunStats) domain.TaskResult {
	cost := stats.CostUSD
	if !stats.CostReported {
		cost = profile.EstimateCost(stats.Usage)
	}
	return domain.TaskResult{
		ID:           task.ID,
		Success:      true,
		Output:       truncateTail(output, MaxOutputLen),
		ChangedFiles: mergeFiles(nil, stats.ChangedFiles),
		Usage:        stats.Usage,
		CostUSD:      cost,
		Duration:     time.Since(start),
	}
}

func (b *Backend) failed(task domain.TaskDefinition, start time.Time, output, errMsg string) domain.TaskResult {
	return domain.TaskResult{
		ID:           task.ID,
		Success:      false,
		Output:       truncateTail(output, MaxOutputLen),
		ChangedFiles: []string{},
		Duration:     time.Since(start),
		Error:        errMsg,
	}
}

func (b *Backend) debugf(format string, args ...any) {
	if b.opts.Debug {
		log.Printf("[executor] "+format, args...)
	}
}

// finalizer stores the first result handed to it and ignores the rest
type finalizer struct {
	once sync.Once
	res  domain.TaskResult
	done chan struct{}
}

func newFinalizer() *finalizer {
	return &finalizer{done: make(chan struct{})}
}

// finalize reports whether r became the result
func (f *finalizer) finalize(r domain.TaskResult) bool {
	won := false
	f.once.Do(func() {
		f.res = r
		won = true
		close(f.done)
	})
	return won
}

func (f *finalizer) result() domain.TaskResult {
	<-f.done
	return f.res
}

// deltaGate forwards deltas until it is closed. close waits for a delta
// that is being forwarded.
type deltaGate struct {
	mu     sync.Mutex
	closed bool
}

func (g *deltaGate) forward(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		fn()
	}
}

func (g *deltaGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

type outputBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (o *outputBuffer) Write(s string) {
	o.mu.Lock()
	o.sb.WriteString(s)
	o.mu.Unlock()
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sb.String()
}

// truncateTail keeps the last n runes of s
func truncateTail(s string, n int) string {
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}

func mergeFiles(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			f = strings.TrimSpace(f)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

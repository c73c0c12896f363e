package app

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/budget"
	"github.com/hochfrequenz/claude-task-pool/internal/config"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/executor"
	"github.com/hochfrequenz/claude-task-pool/internal/notify"
	"github.com/hochfrequenz/claude-task-pool/internal/pool"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	for _, args := range [][]string{
		{"init"},
		{"symbolic-ref", "HEAD", "refs/heads/main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
	} {
		runGit(t, dir, args...)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// recordingNotifier keeps every notification
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

func testConfig(t *testing.T, repo string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.General.RepoRoot = repo
	cfg.General.LedgerPath = filepath.Join(dir, "budget.jsonl")
	cfg.General.DatabasePath = filepath.Join(dir, "runs.db")
	cfg.Runner.TrackChanges = false
	return cfg
}

// writingRunner writes files[name]=content into the task directory and
// reports a fixed cost
func writingRunner(files map[string]string, cost float64) executor.Runner {
	return executor.FuncRunner(func(_ context.Context, opts executor.SessionOptions, _ string, onDelta executor.DeltaFunc) (executor.RunStats, error) {
		var changed []string
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(opts.Cwd, name), []byte(content), 0644); err != nil {
				return executor.RunStats{}, err
			}
			changed = append(changed, name)
		}
		onDelta("wrote files")
		return executor.RunStats{CostUSD: cost, CostReported: true, ChangedFiles: changed}, nil
	})
}

func newTestApp(t *testing.T, cfg *config.Config, runner executor.Runner, notifier notify.Notifier) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, Options{Runner: runner, Notifier: notifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestApp_SpawnIsolatedAndAccept(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := testConfig(t, repo)
	a := newTestApp(t, cfg, writingRunner(map[string]string{"feature.txt": "new\n"}, 0.1), notify.NoopNotifier{})

	ctx := context.Background()
	rec, err := a.Spawn(ctx, domain.TaskDefinition{ID: "feat", Prompt: "add feature", Tier: domain.TierLight}, SpawnOptions{Isolate: true})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if rec.Status != domain.AgentRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
	info, ok := a.Workspace("feat")
	if !ok {
		t.Fatal("workspace not tracked")
	}

	if err := a.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); !os.IsNotExist(err) {
		t.Fatal("task wrote into the primary checkout")
	}

	result, err := a.Accept(ctx, "feat", "")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !result.Success {
		t.Fatalf("merge failed: %+v", result)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Errorf("merged file missing from main: %v", err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Error("workspace left behind after merge")
	}
	if _, ok := a.Workspace("feat"); ok {
		t.Error("workspace still tracked after merge")
	}
	if a.Ledger().Len() != 1 {
		t.Errorf("ledger entries = %d, want 1", a.Ledger().Len())
	}

	// The store writer is asynchronous
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := a.Store().GetRun("feat")
		if err == nil && stored.Status == domain.AgentCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored run = %+v, err %v", stored, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_AcceptConflictKeepsWorkspace(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := testConfig(t, repo)
	a := newTestApp(t, cfg, writingRunner(map[string]string{"README.md": "# From task\n"}, 0), notify.NoopNotifier{})

	ctx := context.Background()
	if _, err := a.Spawn(ctx, domain.TaskDefinition{ID: "clash", Prompt: "p", Tier: domain.TierLight}, SpawnOptions{Isolate: true}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := a.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(repo, "README.md"), []byte("# From main\n"), 0644)
	runGit(t, repo, "commit", "-am", "diverge")
	before := runGit(t, repo, "rev-parse", "main")

	result, err := a.Accept(ctx, "clash", "main")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if result.Success || len(result.Conflicts) == 0 {
		t.Fatalf("result = %+v, want conflict", result)
	}
	if after := runGit(t, repo, "rev-parse", "main"); after != before {
		t.Errorf("main moved from %s to %s", before, after)
	}
	if _, ok := a.Workspace("clash"); !ok {
		t.Error("workspace should be kept after a conflict")
	}

	if err := a.Reject(ctx, "clash"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, ok := a.Workspace("clash"); ok {
		t.Error("workspace still tracked after reject")
	}
}

func TestApp_AcceptRequiresCompletedTask(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := testConfig(t, repo)
	failing := executor.FuncRunner(func(context.Context, executor.SessionOptions, string, executor.DeltaFunc) (executor.RunStats, error) {
		return executor.RunStats{}, errors.New("nope")
	})
	notifier := &recordingNotifier{}
	a := newTestApp(t, cfg, failing, notifier)

	ctx := context.Background()
	a.Spawn(ctx, domain.TaskDefinition{ID: "bad", Prompt: "p", Tier: domain.TierLight}, SpawnOptions{Isolate: true})
	a.Wait(ctx)

	if _, err := a.Accept(ctx, "bad", ""); !errors.Is(err, ErrNotFinished) {
		t.Errorf("Accept err = %v, want ErrNotFinished", err)
	}
	if _, err := a.Accept(ctx, "unknown", ""); !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("Accept err = %v, want ErrNoWorkspace", err)
	}

	sent := notifier.all()
	if len(sent) != 1 || sent[0].Type != notify.NotifyError || sent[0].TaskID != "bad" {
		t.Errorf("notifications = %+v, want one failure", sent)
	}
}

func TestApp_SpawnNotARepository(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a := newTestApp(t, cfg, writingRunner(nil, 0), notify.NoopNotifier{})

	_, err := a.Spawn(context.Background(), domain.TaskDefinition{ID: "x", Prompt: "p", Tier: domain.TierLight}, SpawnOptions{Isolate: true})
	if !errors.Is(err, domain.ErrNotRepository) {
		t.Errorf("err = %v, want ErrNotRepository", err)
	}
	if _, ok := a.Pool().Get("x"); ok {
		t.Error("task submitted despite isolation failure")
	}
}

func TestApp_BudgetWarningsAndLedgerPersistence(t *testing.T) {
	cfg := testConfig(t, "")
	notifier := &recordingNotifier{}

	var mu sync.Mutex
	var warnings []budget.Warning
	a, err := New(context.Background(), cfg, Options{
		Runner:   writingRunner(nil, 3.0),
		Notifier: notifier,
		NoStore:  true,
		Callbacks: pool.Callbacks{
			OnBudgetWarning: func(w budget.Warning) {
				mu.Lock()
				warnings = append(warnings, w)
				mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	cwd := t.TempDir()
	if _, err := a.Spawn(context.Background(), domain.TaskDefinition{ID: "costly", Prompt: "p", Tier: domain.TierStandard, Cwd: cwd}, SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.Store() != nil {
		t.Error("store should be disabled")
	}

	mu.Lock()
	if len(warnings) != 1 || warnings[0].Level != budget.LevelHard {
		t.Errorf("warnings = %+v, want one hard warning", warnings)
	}
	mu.Unlock()

	found := false
	for _, n := range notifier.all() {
		if n.TaskID == "costly" && strings.Contains(n.Title, "Budget") {
			found = true
		}
	}
	if !found {
		t.Error("no budget notification sent")
	}

	reloaded := budget.NewLedger(cfg.General.LedgerPath, nil)
	reloaded.Load()
	if reloaded.Len() != 1 {
		t.Errorf("persisted entries = %d, want 1", reloaded.Len())
	}
}

func TestApp_DuplicateSpawnKeepsLiveWorkspace(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := testConfig(t, repo)
	release := make(chan struct{})
	blocking := executor.FuncRunner(func(ctx context.Context, opts executor.SessionOptions, _ string, _ executor.DeltaFunc) (executor.RunStats, error) {
		if err := os.WriteFile(filepath.Join(opts.Cwd, "progress.txt"), []byte("working\n"), 0644); err != nil {
			return executor.RunStats{}, err
		}
		select {
		case <-release:
			return executor.RunStats{}, nil
		case <-ctx.Done():
			return executor.RunStats{}, ctx.Err()
		}
	})
	a := newTestApp(t, cfg, blocking, notify.NoopNotifier{})

	ctx := context.Background()
	def := domain.TaskDefinition{ID: "dup", Prompt: "p", Tier: domain.TierLight}
	if _, err := a.Spawn(ctx, def, SpawnOptions{Isolate: true}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	info, ok := a.Workspace("dup")
	if !ok {
		t.Fatal("workspace not tracked")
	}

	if _, err := a.Spawn(ctx, def, SpawnOptions{Isolate: true}); !errors.Is(err, pool.ErrDuplicateTask) {
		t.Fatalf("second Spawn err = %v, want ErrDuplicateTask", err)
	}
	if _, err := os.Stat(info.Path); err != nil {
		t.Fatalf("live workspace removed by rejected spawn: %v", err)
	}
	if out := runGit(t, repo, "branch", "--list", info.Branch); out == "" {
		t.Errorf("branch %s deleted by rejected spawn", info.Branch)
	}
	if got, ok := a.Workspace("dup"); !ok || got.Path != info.Path {
		t.Errorf("tracked workspace = %+v, %v", got, ok)
	}

	close(release)
	if err := a.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if rec, _ := a.Pool().Get("dup"); rec.Status != domain.AgentCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
}

// Package isolation gives every task its own git worktree on its own branch
// and reintegrates finished branches into a target branch.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

const (
	// DefaultRootDir is the isolation root, relative to the repository top level
	DefaultRootDir = ".taskpool-worktrees"
	// DefaultBranchPrefix prefixes every task branch
	DefaultBranchPrefix = "taskpool/"
	// FallbackBranch is used when no default branch can be detected
	FallbackBranch = "main"
)

// ErrWorkspaceInUse is returned when a workspace for the task is still live
var ErrWorkspaceInUse = errors.New("workspace is in use")

// Options configures a Manager
type Options struct {
	RootDir      string
	BranchPrefix string
	// Identity used for commits made on behalf of a task
	CommitName  string
	CommitEmail string
	Debug       bool
}

// Manager creates, inspects, merges and removes task workspaces.
// Every git invocation goes through the Execer.
type Manager struct {
	execer Execer
	opts   Options

	mu   sync.Mutex
	live map[string]bool // Branches of workspaces created here and not yet cleaned up
}

// NewManager creates a Manager
func NewManager(execer Execer, opts Options) *Manager {
	if execer == nil {
		execer = OSExecer{}
	}
	if opts.RootDir == "" {
		opts.RootDir = DefaultRootDir
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = DefaultBranchPrefix
	}
	if opts.CommitName == "" {
		opts.CommitName = "taskpool"
	}
	if opts.CommitEmail == "" {
		opts.CommitEmail = "taskpool@local"
	}
	return &Manager{execer: execer, opts: opts, live: make(map[string]bool)}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// BranchName returns the branch name for a task
func (m *Manager) BranchName(taskID string) string {
	return m.opts.BranchPrefix + sanitize(taskID)
}

// WorkspacePath returns the worktree path for a task inside repoRoot
func (m *Manager) WorkspacePath(repoRoot, taskID string) string {
	return filepath.Join(repoRoot, m.opts.RootDir, sanitize(taskID))
}

// IsGitRepo reports whether path is inside a git work tree. It never fails.
func (m *Manager) IsGitRepo(ctx context.Context, path string) bool {
	res, err := m.execer.Execute(ctx, Command{Name: "git", Args: []string{"rev-parse", "--is-inside-work-tree"}, Dir: path})
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "true"
}

// CreateWorkspace creates a worktree for taskID on a fresh branch cut from
// the repository's current HEAD. A leftover worktree from an earlier process
// is replaced; one this Manager created and has not cleaned up is refused
// with ErrWorkspaceInUse.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID, repoPath string) (info domain.WorkspaceInfo, err error) {
	if err := domain.ValidateTaskID(taskID); err != nil {
		return domain.WorkspaceInfo{}, err
	}
	if !m.IsGitRepo(ctx, repoPath) {
		return domain.WorkspaceInfo{}, domain.NotRepositoryError(repoPath)
	}

	top, err := m.git(ctx, repoPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return domain.WorkspaceInfo{}, err
	}
	repoRoot := strings.TrimSpace(top)

	if err := os.MkdirAll(filepath.Join(repoRoot, m.opts.RootDir), 0755); err != nil {
		return domain.WorkspaceInfo{}, fmt.Errorf("creating isolation root: %w", err)
	}
	m.ensureExcluded(ctx, repoRoot)

	branch := m.BranchName(taskID)
	wtPath := m.WorkspacePath(repoRoot, taskID)

	if !m.reserve(branch) {
		return domain.WorkspaceInfo{}, fmt.Errorf("%w: %s", ErrWorkspaceInUse, taskID)
	}
	defer func() {
		if err != nil {
			m.release(branch)
		}
	}()

	// A previous run for the same task may have left its worktree or branch behind
	m.removeStale(ctx, repoRoot, wtPath, branch)

	head, err := m.git(ctx, repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return domain.WorkspaceInfo{}, fmt.Errorf("resolving HEAD: %w", err)
	}
	base := strings.TrimSpace(head)

	if _, err := m.git(ctx, repoRoot, "worktree", "add", "-b", branch, wtPath, base); err != nil {
		return domain.WorkspaceInfo{}, fmt.Errorf("git worktree add: %w", err)
	}

	m.debugf("created workspace for %s at %s (branch %s, base %s)", taskID, wtPath, branch, shortHash(base))
	return domain.WorkspaceInfo{
		TaskID:     taskID,
		Path:       wtPath,
		Branch:     branch,
		RepoPath:   repoRoot,
		BaseCommit: base,
	}, nil
}

func (m *Manager) reserve(branch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[branch] {
		return false
	}
	m.live[branch] = true
	return true
}

func (m *Manager) release(branch string) {
	m.mu.Lock()
	delete(m.live, branch)
	m.mu.Unlock()
}

// removeStale removes a leftover worktree and branch with the same name
func (m *Manager) removeStale(ctx context.Context, repoRoot, wtPath, branch string) {
	m.run(ctx, repoRoot, "worktree", "prune")
	if _, err := os.Stat(wtPath); err == nil {
		m.run(ctx, repoRoot, "worktree", "remove", "--force", wtPath)
	}
	m.run(ctx, repoRoot, "branch", "-D", branch)
}

// ensureExcluded keeps the isolation root out of the primary checkout's status
func (m *Manager) ensureExcluded(ctx context.Context, repoRoot string) {
	out, err := m.git(ctx, repoRoot, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return
	}
	excludePath := strings.TrimSpace(out)
	if !filepath.IsAbs(excludePath) {
		excludePath = filepath.Join(repoRoot, excludePath)
	}

	entry := "/" + m.opts.RootDir + "/"
	data, err := os.ReadFile(excludePath)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == entry {
				return
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		f.WriteString("\n")
	}
	f.WriteString(entry + "\n")
}

// GetDiff returns the workspace's changes relative to the commit it was created from,
// including uncommitted edits to tracked files.
func (m *Manager) GetDiff(ctx context.Context, info domain.WorkspaceInfo) (string, error) {
	out, err := m.git(ctx, info.Path, "diff", m.baseRef(info))
	if err != nil {
		return "", fmt.Errorf("diff for %s: %w", info.TaskID, err)
	}
	return out, nil
}

// GetChangedFiles lists tracked files changed since the base commit plus untracked files
func (m *Manager) GetChangedFiles(ctx context.Context, info domain.WorkspaceInfo) ([]string, error) {
	var tracked, untracked string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := m.git(gctx, info.Path, "diff", "--name-only", m.baseRef(info))
		tracked = out
		return err
	})
	g.Go(func() error {
		out, err := m.git(gctx, info.Path, "ls-files", "--others", "--exclude-standard")
		untracked = out
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("listing changes for %s: %w", info.TaskID, err)
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(tracked+"\n"+untracked, "\n") {
		f := strings.TrimSpace(line)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func (m *Manager) baseRef(info domain.WorkspaceInfo) string {
	if info.BaseCommit != "" {
		return info.BaseCommit
	}
	return "HEAD"
}

// CommitAll stages and commits every change in the workspace.
// It returns false when there was nothing to commit.
func (m *Manager) CommitAll(ctx context.Context, info domain.WorkspaceInfo, message string) (bool, error) {
	status, err := m.git(ctx, info.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status in workspace %s: %w", info.Path, err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := m.git(ctx, info.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes in workspace %s: %w", info.Path, err)
	}
	if message == "" {
		message = fmt.Sprintf("taskpool: changes from task %s", info.TaskID)
	}
	if _, err := m.git(ctx, info.Path,
		"-c", "user.name="+m.opts.CommitName,
		"-c", "user.email="+m.opts.CommitEmail,
		"commit", "--no-verify", "-m", message,
	); err != nil {
		return false, fmt.Errorf("committing workspace %s: %w", info.Path, err)
	}
	return true, nil
}

// Cleanup removes the worktree and deletes its branch. It never fails:
// a workspace or branch that is already gone is a normal outcome.
func (m *Manager) Cleanup(ctx context.Context, info domain.WorkspaceInfo) {
	if res, err := m.run(ctx, info.RepoPath, "worktree", "remove", "--force", info.Path); err != nil || res.ExitCode != 0 {
		m.debugf("worktree remove %s ignored: %s", info.Path, strings.TrimSpace(res.Stderr))
	}
	m.run(ctx, info.RepoPath, "worktree", "prune")
	if res, err := m.run(ctx, info.RepoPath, "branch", "-D", info.Branch); err != nil || res.ExitCode != 0 {
		m.debugf("branch delete %s ignored: %s", info.Branch, strings.TrimSpace(res.Stderr))
	}
	m.release(info.Branch)
}

// GetDefaultBranch resolves the integration target: origin's HEAD pointer,
// else a local main, else a local master, else FallbackBranch.
func (m *Manager) GetDefaultBranch(ctx context.Context, repoPath string) string {
	if res, err := m.run(ctx, repoPath, "symbolic-ref", "--quiet", "refs/remotes/origin/HEAD"); err == nil && res.ExitCode == 0 {
		ref := strings.TrimSpace(res.Stdout)
		if name := strings.TrimPrefix(ref, "refs/remotes/origin/"); name != "" && name != ref {
			return name
		}
	}
	for _, name := range []string{"main", "master"} {
		if res, err := m.run(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+name); err == nil && res.ExitCode == 0 {
			return name
		}
	}
	return FallbackBranch
}

// ListWorkspaces returns the worktrees under the isolation root of repoPath
func (m *Manager) ListWorkspaces(ctx context.Context, repoPath string) ([]domain.WorkspaceInfo, error) {
	top, err := m.git(ctx, repoPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, domain.NotRepositoryError(repoPath)
	}
	repoRoot := strings.TrimSpace(top)

	out, err := m.git(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	base := filepath.Join(repoRoot, m.opts.RootDir) + string(filepath.Separator)
	var result []domain.WorkspaceInfo
	var current domain.WorkspaceInfo
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Path, base) {
			current.RepoPath = repoRoot
			current.TaskID = strings.TrimPrefix(current.Branch, m.opts.BranchPrefix)
			if current.TaskID == "" {
				current.TaskID = filepath.Base(current.Path)
			}
			result = append(result, current)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = domain.WorkspaceInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result, nil
}

// CleanupAll removes every workspace under the isolation root and returns how many there were
func (m *Manager) CleanupAll(ctx context.Context, repoPath string) (int, error) {
	active, err := m.ListWorkspaces(ctx, repoPath)
	if err != nil {
		return 0, err
	}
	for _, info := range active {
		m.Cleanup(ctx, info)
	}
	return len(active), nil
}

// run executes git in dir and returns the raw result
func (m *Manager) run(ctx context.Context, dir string, args ...string) (ExecResult, error) {
	return m.execer.Execute(ctx, Command{Name: "git", Args: args, Dir: dir})
}

// git executes git in dir and turns a non-zero exit into an error
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := m.run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (m *Manager) debugf(format string, args ...any) {
	if m.opts.Debug {
		log.Printf("[isolation] "+format, args...)
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

package isolation

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/observability"
)

// MergeWorkspace integrates the workspace branch into targetBranch with a
// non-fast-forward merge. An empty targetBranch resolves to GetDefaultBranch.
//
// On success the workspace and its branch are removed and the target branch
// contains the task's commits. On failure the merge is aborted, the primary
// checkout is returned to the ref it was on, and the workspace is left in
// place for manual follow-up. Uncommitted workspace changes are committed to
// the task branch before merging; that commit stays on the branch when the
// merge fails, and the target branch is left untouched.
//
// Callers must serialize merges that share a target branch.
func (m *Manager) MergeWorkspace(ctx context.Context, info domain.WorkspaceInfo, targetBranch string) (result domain.MergeResult) {
	if targetBranch == "" {
		targetBranch = m.GetDefaultBranch(ctx, info.RepoPath)
	}

	ctx, span := observability.StartSpan(ctx, "isolation.merge",
		attribute.String("task.id", info.TaskID),
		attribute.String("merge.branch", info.Branch),
		attribute.String("merge.target", targetBranch),
	)
	defer func() {
		span.SetAttributes(attribute.Int("merge.conflicts", len(result.Conflicts)))
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
	}()

	fail := func(format string, args ...any) domain.MergeResult {
		return domain.MergeResult{Branch: info.Branch, Error: fmt.Sprintf(format, args...)}
	}

	if _, err := m.CommitAll(ctx, info, ""); err != nil {
		return fail("committing workspace changes: %v", err)
	}

	original, err := m.currentRef(ctx, info.RepoPath)
	if err != nil {
		return fail("resolving current ref: %v", err)
	}

	if original != targetBranch {
		if _, err := m.git(ctx, info.RepoPath, "checkout", targetBranch); err != nil {
			return fail("checking out %s: %v", targetBranch, err)
		}
	}

	message := fmt.Sprintf("Merge task %s (%s) into %s", info.TaskID, info.Branch, targetBranch)
	res, err := m.run(ctx, info.RepoPath, "merge", "--no-ff", "--no-edit", "-m", message, info.Branch)
	if err != nil || res.ExitCode != 0 {
		conflicts := m.conflictedPaths(ctx, info.RepoPath)
		m.run(ctx, info.RepoPath, "merge", "--abort")
		m.restore(ctx, info.RepoPath, original, targetBranch)

		if len(conflicts) > 0 {
			m.debugf("merge of %s into %s conflicted on %d paths", info.Branch, targetBranch, len(conflicts))
			return domain.MergeResult{
				Branch:    info.Branch,
				Conflicts: conflicts,
				Error:     fmt.Sprintf("merge conflict in %s", strings.Join(conflicts, ", ")),
			}
		}
		if err != nil {
			return fail("merging %s: %v", info.Branch, err)
		}
		return fail("merging %s: exit %d: %s", info.Branch, res.ExitCode, strings.TrimSpace(res.Stderr+res.Stdout))
	}

	m.restore(ctx, info.RepoPath, original, targetBranch)
	m.Cleanup(ctx, info)
	m.debugf("merged %s into %s", info.Branch, targetBranch)
	return domain.MergeResult{Success: true, Branch: info.Branch}
}

// currentRef returns the checked-out branch name, or the commit when HEAD is detached
func (m *Manager) currentRef(ctx context.Context, repoPath string) (string, error) {
	if res, err := m.run(ctx, repoPath, "symbolic-ref", "--quiet", "--short", "HEAD"); err == nil && res.ExitCode == 0 {
		return strings.TrimSpace(res.Stdout), nil
	}
	out, err := m.git(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) restore(ctx context.Context, repoPath, original, target string) {
	if original == "" || original == target {
		return
	}
	if _, err := m.git(ctx, repoPath, "checkout", original); err != nil {
		m.debugf("restoring checkout of %s failed: %v", original, err)
	}
}

func (m *Manager) conflictedPaths(ctx context.Context, repoPath string) []string {
	out, err := m.git(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

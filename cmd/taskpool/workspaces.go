package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-task-pool/internal/config"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/isolation"
)

var (
	workspacesRepo   string
	workspacesTarget string
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Inspect and clean up task worktrees",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task worktrees of the repository",
	RunE:  runWorkspacesList,
}

var workspacesDiffCmd = &cobra.Command{
	Use:   "diff TASK",
	Short: "Show the changes a task made in its worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesDiff,
}

var workspacesMergeCmd = &cobra.Command{
	Use:   "merge TASK",
	Short: "Merge a kept worktree into the target branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesMerge,
}

var workspacesDiscardCmd = &cobra.Command{
	Use:   "discard TASK",
	Short: "Remove a task's worktree and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesDiscard,
}

var workspacesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove every task worktree and branch",
	RunE:  runWorkspacesCleanup,
}

func init() {
	workspacesCmd.PersistentFlags().StringVar(&workspacesRepo, "repo", "", "repository path (default general.repo_root or .)")
	workspacesMergeCmd.Flags().StringVar(&workspacesTarget, "target", "", "branch to merge into")
	workspacesCmd.AddCommand(workspacesListCmd, workspacesDiffCmd, workspacesMergeCmd, workspacesDiscardCmd, workspacesCleanupCmd)
	rootCmd.AddCommand(workspacesCmd)
}

func newManager(cfg *config.Config) *isolation.Manager {
	return isolation.NewManager(nil, isolation.Options{
		RootDir:      cfg.Isolation.RootDir,
		BranchPrefix: cfg.Isolation.BranchPrefix,
		CommitName:   cfg.Isolation.CommitName,
		CommitEmail:  cfg.Isolation.CommitEmail,
		Debug:        cfg.General.Debug,
	})
}

func workspaceRepo(cfg *config.Config) string {
	switch {
	case workspacesRepo != "":
		return workspacesRepo
	case cfg.General.RepoRoot != "":
		return cfg.General.RepoRoot
	default:
		return "."
	}
}

func findWorkspace(ctx context.Context, m *isolation.Manager, repo, taskID string) (domain.WorkspaceInfo, error) {
	list, err := m.ListWorkspaces(ctx, repo)
	if err != nil {
		return domain.WorkspaceInfo{}, err
	}
	for _, info := range list {
		if info.TaskID == taskID {
			return info, nil
		}
	}
	return domain.WorkspaceInfo{}, fmt.Errorf("no workspace for task %s", taskID)
}

func runWorkspacesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	list, err := newManager(cfg).ListWorkspaces(cmd.Context(), workspaceRepo(cfg))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No workspaces")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tBRANCH\tPATH")
	for _, info := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.TaskID, info.Branch, info.Path)
	}
	return w.Flush()
}

func runWorkspacesDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := newManager(cfg)
	info, err := findWorkspace(cmd.Context(), m, workspaceRepo(cfg), args[0])
	if err != nil {
		return err
	}
	diff, err := m.GetDiff(cmd.Context(), info)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No changes")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), diff)
	return nil
}

func runWorkspacesMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := newManager(cfg)
	info, err := findWorkspace(cmd.Context(), m, workspaceRepo(cfg), args[0])
	if err != nil {
		return err
	}
	target := workspacesTarget
	if target == "" {
		target = cfg.Isolation.TargetBranch
	}

	res := m.MergeWorkspace(cmd.Context(), info, target)
	switch {
	case res.Success:
		m.Cleanup(cmd.Context(), info)
		fmt.Fprintf(cmd.OutOrStdout(), "%s merged %s\n", paint(styleOK, "✓"), res.Branch)
		return nil
	case len(res.Conflicts) > 0:
		return fmt.Errorf("merge conflicts in %s", strings.Join(res.Conflicts, ", "))
	default:
		return fmt.Errorf("merge failed: %s", res.Error)
	}
}

func runWorkspacesDiscard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := newManager(cfg)
	info, err := findWorkspace(cmd.Context(), m, workspaceRepo(cfg), args[0])
	if err != nil {
		return err
	}
	m.Cleanup(cmd.Context(), info)
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", info.Branch)
	return nil
}

func runWorkspacesCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := newManager(cfg).CleanupAll(cmd.Context(), workspaceRepo(cfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d workspaces\n", n)
	return nil
}

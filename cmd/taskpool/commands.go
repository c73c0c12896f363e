package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-task-pool/internal/app"
	"github.com/hochfrequenz/claude-task-pool/internal/budget"
	"github.com/hochfrequenz/claude-task-pool/internal/config"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/pool"
	"github.com/hochfrequenz/claude-task-pool/internal/prompts"
	"github.com/hochfrequenz/claude-task-pool/internal/taskfile"
	"github.com/hochfrequenz/claude-task-pool/internal/taskstore"
)

var (
	runIsolate bool
	runMerge   bool
	runTarget  string
	runMax     int
	runStream  bool

	budgetTier string

	historyStatus string
	historyTier   string
	historyLimit  int

	configForce bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run TASKS",
		Short: "Run tasks from a YAML or markdown file or directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runIsolate, "isolate", false, "run every task in its own git worktree")
	runCmd.Flags().BoolVar(&runMerge, "merge", false, "merge completed workspaces back (requires --isolate)")
	runCmd.Flags().StringVar(&runTarget, "target", "", "branch to merge into")
	runCmd.Flags().IntVar(&runMax, "max", 0, "maximum concurrent tasks (overrides config)")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "print agent output while tasks run")
	rootCmd.AddCommand(runCmd)

	// budget command
	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Show spending per tier",
		RunE:  runBudget,
	}
	budgetCmd.Flags().StringVar(&budgetTier, "tier", "", "show a single tier")
	rootCmd.AddCommand(budgetCmd)

	// tiers command
	tiersCmd := &cobra.Command{
		Use:   "tiers",
		Short: "Show the tier table and known strategies",
		RunE:  runTiers,
	}
	rootCmd.AddCommand(tiersCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status")
	historyCmd.Flags().StringVar(&historyTier, "tier", "", "filter by tier")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum runs to show")
	rootCmd.AddCommand(historyCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs TASK",
		Short: "Show the result and output tail of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	// config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE:  runConfigInit,
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}

func resolvedConfigPath() string {
	if configPath == "" {
		return config.DefaultConfigPath()
	}
	return configPath
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolvedConfigPath())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openApp builds an App whose completions feed the returned tracker. A
// non-nil stream receives agent output prefixed by task ID.
func openApp(ctx context.Context, cfg *config.Config, stream io.Writer) (*app.App, *tracker, *prefixWriter, error) {
	t := newTracker()
	cb := pool.Callbacks{
		OnComplete: t.finished,
		OnFail:     t.finished,
	}
	var pw *prefixWriter
	if stream != nil {
		pw = newPrefixWriter(stream)
		cb.OnOutput = pw.write
	}
	a, err := app.New(ctx, cfg, app.Options{Callbacks: cb})
	if err != nil {
		return nil, nil, nil, err
	}
	return a, t, pw, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if runMerge && !runIsolate {
		return errors.New("--merge requires --isolate")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMax > 0 {
		cfg.General.MaxConcurrent = runMax
	}

	defs, err := taskfile.Load(args[0])
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found")
		return nil
	}

	ctx, stop := signalContext()
	defer stop()

	var stream io.Writer
	if runStream {
		stream = cmd.OutOrStdout()
	}
	a, t, pw, err := openApp(ctx, cfg, stream)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Running %d tasks (max %d concurrent)\n", len(defs), a.Pool().MaxConcurrent())
	out, runErr := runBatch(ctx, a, t, defs, batchOptions{
		Isolate: runIsolate,
		Merge:   runMerge,
		Target:  runTarget,
	})

	// Cleanup must finish even after an interrupt
	closeErr := a.Close(context.WithoutCancel(ctx))
	pw.flush()
	if len(out.IDs) > 0 {
		out.Records = collect(a, out.IDs)
	}
	printOutcome(cmd.OutOrStdout(), out)

	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}
	if n := countFailed(out.Records); n > 0 {
		return fmt.Errorf("%d of %d tasks failed", n, len(out.Records))
	}
	return nil
}

func countFailed(records []domain.AgentRecord) int {
	var n int
	for _, rec := range records {
		if rec.Status == domain.AgentFailed {
			n++
		}
	}
	return n
}

func runBudget(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := cfg.TierTable()
	if err != nil {
		return err
	}

	ledger := budget.NewLedger(cfg.General.LedgerPath, table)
	ledger.Load()

	if budgetTier == "" {
		fmt.Fprint(cmd.OutOrStdout(), ledger.FormatReport())
		return nil
	}

	tier, err := domain.ParseTier(budgetTier)
	if err != nil {
		return err
	}
	th, err := table.Thresholds(tier)
	if err != nil {
		return err
	}
	s := ledger.TierSummary(tier)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tasks, $%.4f total, $%.4f average, %d over soft ($%.2f soft / $%.2f hard)\n",
		s.Tier, s.Count, s.TotalCost, s.AverageCost, s.OverSoftCount, th.Soft, th.Hard)
	return nil
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := cfg.TierTable()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tMODEL\tSTRATEGY\tMAX TURNS\tSOFT\tHARD")
	for _, tier := range domain.AllTiers() {
		e, err := table.Lookup(tier)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t$%.2f\n",
			tier, e.Profile.Model, e.Profile.Strategy, e.Profile.MaxTurns, e.Thresholds.Soft, e.Thresholds.Hard)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	strategies, err := prompts.DefaultLoader(cfg.General.RepoRoot).ListStrategies()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "\nStrategies:")
	for _, m := range strategies {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s\n", m.ID, paint(styleMuted, m.Description))
	}
	return nil
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if _, err := os.Stat(cfg.General.DatabasePath); err != nil {
		return nil, fmt.Errorf("no run history at %s", cfg.General.DatabasePath)
	}
	return taskstore.New(cfg.General.DatabasePath)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := taskstore.ListOptions{
		Status: domain.AgentStatus(historyStatus),
		Limit:  historyLimit,
	}
	if historyTier != "" {
		if opts.Tier, err = domain.ParseTier(historyTier); err != nil {
			return err
		}
	}

	runs, err := store.ListRuns(opts)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tSTATUS\tSUBMITTED\tDURATION\tCOST\tDESCRIPTION")
	for _, rec := range runs {
		var duration, cost string
		if rec.Result != nil {
			duration = rec.Result.Duration.Round(time.Second).String()
			cost = fmt.Sprintf("$%.4f", rec.Result.CostUSD)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Tier, rec.Status, rec.SubmittedAt.Local().Format("2006-01-02 15:04"),
			duration, cost, truncate(rec.Description, 50))
	}
	return w.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetRun(args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s [%s]\n", paint(styleHeader, rec.ID), statusText(rec.Status), rec.Tier)
	if rec.Description != "" {
		fmt.Fprintf(w, "%s\n", rec.Description)
	}
	res := rec.Result
	if res == nil {
		fmt.Fprintln(w, paint(styleMuted, "no result recorded"))
		return nil
	}
	fmt.Fprintf(w, "Duration: %s  Cost: $%.4f  Tokens: %d in / %d out\n",
		res.Duration.Round(time.Second), res.CostUSD, res.Usage.InputTokens, res.Usage.OutputTokens)
	if len(res.ChangedFiles) > 0 {
		fmt.Fprintf(w, "Changed: %s\n", strings.Join(res.ChangedFiles, ", "))
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", paint(styleFailed, res.Error))
	}
	if res.Output != "" {
		fmt.Fprintf(w, "\n%s\n", res.Output)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-task-pool/internal/batch"
	"github.com/hochfrequenz/claude-task-pool/internal/taskfile"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the [[schedule]] batches from the config on their cron expressions",
	RunE:  runSchedule,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled batches and their next run",
	RunE:  runScheduleList,
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := batch.NewScheduler(cfg.Schedule)
	if err != nil {
		return err
	}
	entries := s.Entries()
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled batches")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tTASKS\tISOLATE\tMERGE\tNEXT RUN")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
			e.Name, e.Cron, e.TasksFile, e.Isolate, e.Merge, s.NextRun(e.Name).Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Schedule) == 0 {
		return errors.New("no [[schedule]] entries configured")
	}
	s, err := batch.NewScheduler(cfg.Schedule)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	// One app for every batch so the ledger and run history have one writer
	a, t, _, err := openApp(ctx, cfg, nil)
	if err != nil {
		return err
	}

	for _, e := range s.Entries() {
		log.Printf("[schedule] %s next run %s", e.Name, s.NextRun(e.Name).Format(time.RFC3339))
	}

	s.Run(ctx, func(ctx context.Context, e batch.Entry) error {
		defs, err := taskfile.Load(e.TasksFile)
		if err != nil {
			return err
		}
		log.Printf("[schedule] %s starting %d tasks", e.Name, len(defs))
		out, err := runBatch(ctx, a, t, defs, batchOptions{
			Isolate:  e.Isolate,
			Merge:    e.Merge,
			Target:   cfg.Isolation.TargetBranch,
			MaxTasks: e.MaxTasks,
			Suffix:   time.Now().UTC().Format("20060102T150405"),
		})
		log.Printf("[schedule] %s finished: %d tasks, %d failed, %d merged",
			e.Name, len(out.Records), countFailed(out.Records), countMerged(out))
		return err
	})

	log.Printf("[schedule] stopping")
	return a.Close(context.WithoutCancel(ctx))
}

func countMerged(out batchOutcome) int {
	var n int
	for _, res := range out.Merges {
		if res.Success {
			n++
		}
	}
	return n
}

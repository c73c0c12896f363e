package batch

import (
	"fmt"
	"time"
)

// Entry is one [[schedule]] block: a tasks file submitted on a cron schedule
type Entry struct {
	Name        string `toml:"name"`
	Cron        string `toml:"cron"`
	TasksFile   string `toml:"tasks_file"`
	MaxTasks    int    `toml:"max_tasks"`
	MaxDuration string `toml:"max_duration"` // Go duration; bounds one batch run
	Isolate     bool   `toml:"isolate"`
	Merge       bool   `toml:"merge"`
}

// Validate checks the entry and fills in defaults
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.TasksFile == "" {
		return fmt.Errorf("schedule %s: tasks_file is required", e.Name)
	}
	if e.MaxTasks <= 0 {
		e.MaxTasks = 10 // Default
	}
	if e.MaxDuration == "" {
		e.MaxDuration = "4h" // Default
	}
	if _, err := time.ParseDuration(e.MaxDuration); err != nil {
		return fmt.Errorf("schedule %s: invalid max_duration: %w", e.Name, err)
	}
	if e.Merge && !e.Isolate {
		return fmt.Errorf("schedule %s: merge requires isolate", e.Name)
	}
	return nil
}

// Duration returns MaxDuration parsed; call after Validate
func (e Entry) Duration() time.Duration {
	d, _ := time.ParseDuration(e.MaxDuration)
	return d
}

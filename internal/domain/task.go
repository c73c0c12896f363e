package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// TaskDefinition describes a unit of work submitted to the pool.
// It is treated as immutable once submitted.
type TaskDefinition struct {
	ID           string
	Prompt       string
	Tier         Tier
	Description  string
	Cwd          string        // Working directory; empty means the process working directory
	Timeout      time.Duration // Zero means the backend default
	ContextHints []string
}

// NewTaskID returns a fresh task identifier
func NewTaskID() string {
	return "task-" + uuid.NewString()[:8]
}

// ValidateTaskID reports whether id can be used to derive a branch and directory name
func ValidateTaskID(id string) error {
	if !taskIDRegex.MatchString(id) {
		return fmt.Errorf("invalid task ID %q (allowed: letters, digits, '.', '_', '-')", id)
	}
	return nil
}

// Validate checks the fields required before submission
func (t *TaskDefinition) Validate() error {
	if err := ValidateTaskID(t.ID); err != nil {
		return err
	}
	if t.Prompt == "" {
		return fmt.Errorf("task %s has no prompt", t.ID)
	}
	if !t.Tier.Valid() {
		return UnknownTierError(t.Tier)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("task %s has negative timeout", t.ID)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a submitted definition
func (t TaskDefinition) Clone() TaskDefinition {
	if t.ContextHints != nil {
		t.ContextHints = append([]string(nil), t.ContextHints...)
	}
	return t
}

package domain

import "time"

// AgentStatus represents the scheduler state of a task
type AgentStatus string

const (
	AgentQueued    AgentStatus = "queued"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal edge
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	switch s {
	case AgentQueued:
		return next == AgentRunning
	case AgentRunning:
		return next == AgentCompleted || next == AgentFailed
	default:
		return false
	}
}

// IsTerminal returns true for completed and failed
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// AgentRecord is the pool's view of one submitted task
type AgentRecord struct {
	ID          string
	Tier        Tier
	Description string
	Status      AgentStatus
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Result      *TaskResult
}

// Clone returns a copy that shares no pointers with r
func (r AgentRecord) Clone() AgentRecord {
	if r.StartedAt != nil {
		t := *r.StartedAt
		r.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	if r.Result != nil {
		res := r.Result.Clone()
		r.Result = &res
	}
	return r
}

// Usage holds token counters reported by a unit of work
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens"`
	CacheWriteTokens int `json:"cache_creation_input_tokens"`
}

// Total returns the sum of all counters
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// TaskResult is produced once per task by the execution backend
type TaskResult struct {
	ID           string
	Success      bool
	Output       string
	ChangedFiles []string
	Usage        Usage
	CostUSD      float64
	Duration     time.Duration
	Error        string
}

// Clone returns a copy with its own ChangedFiles slice
func (r TaskResult) Clone() TaskResult {
	if r.ChangedFiles != nil {
		r.ChangedFiles = append([]string(nil), r.ChangedFiles...)
	}
	return r
}

// BudgetRecord is one ledger line
type BudgetRecord struct {
	TaskID       string  `json:"taskId"`
	Tier         Tier    `json:"tier"`
	CostEstimate float64 `json:"costEstimate"`
	TimestampMs  int64   `json:"timestampMs"`
}

// WorkspaceInfo describes an isolated worktree bound to its own branch
type WorkspaceInfo struct {
	TaskID     string
	Path       string
	Branch     string
	RepoPath   string
	BaseCommit string // Commit the branch was created from
}

// MergeResult is the outcome of reintegrating a workspace branch
type MergeResult struct {
	Success   bool
	Branch    string
	Conflicts []string
	Error     string
}

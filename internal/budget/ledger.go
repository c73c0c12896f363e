// Package budget records per-task cost against tier thresholds and
// persists the records as an append-only JSON lines file.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

// ThresholdSource resolves the cost thresholds of a tier
type ThresholdSource interface {
	Thresholds(tier domain.Tier) (tiers.Thresholds, error)
}

// Level is the severity of a budget warning
type Level string

const (
	LevelSoft Level = "soft"
	LevelHard Level = "hard"
)

// Warning is returned when a task's cost exceeds one of its tier's thresholds
type Warning struct {
	Level     Level
	TaskID    string
	Tier      domain.Tier
	Cost      float64
	Threshold float64
}

// Message returns a one-line human readable description
func (w Warning) Message() string {
	return fmt.Sprintf("task %s (%s) cost $%.4f exceeds %s threshold $%.4f",
		w.TaskID, w.Tier, w.Cost, w.Level, w.Threshold)
}

// Summary aggregates the records of one tier
type Summary struct {
	Tier          domain.Tier
	Count         int
	TotalCost     float64
	AverageCost   float64
	OverSoftCount int
}

// Ledger is the in-memory record sequence plus its backing file
type Ledger struct {
	path       string
	thresholds ThresholdSource
	now        func() time.Time

	mu      sync.Mutex
	records []domain.BudgetRecord
	saved   int // records[:saved] are known to be on disk
}

// NewLedger creates a ledger persisted at path. An empty path keeps the ledger in memory only.
func NewLedger(path string, thresholds ThresholdSource) *Ledger {
	return &Ledger{
		path:       path,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Path returns the backing file path
func (l *Ledger) Path() string {
	return l.path
}

// RecordTask appends a record for result and evaluates it against the tier thresholds.
// A hard warning takes precedence over a soft one.
func (l *Ledger) RecordTask(result domain.TaskResult, tier domain.Tier) (*Warning, error) {
	th, err := l.thresholds.Thresholds(tier)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.records = append(l.records, domain.BudgetRecord{
		TaskID:       result.ID,
		Tier:         tier,
		CostEstimate: result.CostUSD,
		TimestampMs:  l.now().UnixMilli(),
	})
	l.mu.Unlock()

	switch {
	case result.CostUSD > th.Hard:
		return &Warning{Level: LevelHard, TaskID: result.ID, Tier: tier, Cost: result.CostUSD, Threshold: th.Hard}, nil
	case result.CostUSD > th.Soft:
		return &Warning{Level: LevelSoft, TaskID: result.ID, Tier: tier, Cost: result.CostUSD, Threshold: th.Soft}, nil
	default:
		return nil, nil
	}
}

// Records returns a copy of all records in insertion order
func (l *Ledger) Records() []domain.BudgetRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.BudgetRecord(nil), l.records...)
}

// Len returns the number of records
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// TotalCost returns the sum of all recorded costs
func (l *Ledger) TotalCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, r := range l.records {
		total += r.CostEstimate
	}
	return total
}

// TierSummary aggregates the records of tier. A tier without records yields a zero summary.
func (l *Ledger) TierSummary(tier domain.Tier) Summary {
	l.mu.Lock()
	records := append([]domain.BudgetRecord(nil), l.records...)
	l.mu.Unlock()
	return l.summarize(tier, records)
}

// AllSummaries returns one summary per tier with at least one record, in tier order
func (l *Ledger) AllSummaries() []Summary {
	l.mu.Lock()
	records := append([]domain.BudgetRecord(nil), l.records...)
	l.mu.Unlock()

	present := make(map[domain.Tier]bool)
	for _, r := range records {
		present[r.Tier] = true
	}

	var out []Summary
	for _, tier := range domain.AllTiers() {
		if present[tier] {
			out = append(out, l.summarize(tier, records))
		}
	}
	return out
}

func (l *Ledger) summarize(tier domain.Tier, records []domain.BudgetRecord) Summary {
	s := Summary{Tier: tier}
	soft, hasSoft := 0.0, false
	if th, err := l.thresholds.Thresholds(tier); err == nil {
		soft, hasSoft = th.Soft, true
	}

	for _, r := range records {
		if r.Tier != tier {
			continue
		}
		s.Count++
		s.TotalCost += r.CostEstimate
		if hasSoft && r.CostEstimate > soft {
			s.OverSoftCount++
		}
	}
	if s.Count > 0 {
		s.AverageCost = s.TotalCost / float64(s.Count)
	}
	return s
}

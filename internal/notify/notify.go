// Package notify delivers task and budget events to people.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/claude-task-pool/internal/budget"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string      // Optional task reference
	Tier    domain.Tier // Optional
	CostUSD float64
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// New builds the notifier set enabled by configuration
func New(desktop bool, slackWebhook string) Notifier {
	var ns []Notifier
	if desktop {
		ns = append(ns, NewDesktopNotifier(true))
	}
	if slackWebhook != "" {
		ns = append(ns, NewSlackNotifier(slackWebhook))
	}
	switch len(ns) {
	case 0:
		return NoopNotifier{}
	case 1:
		return ns[0]
	default:
		return NewMultiNotifier(ns...)
	}
}

// ForRecord describes a finished task
func ForRecord(rec domain.AgentRecord) Notification {
	n := Notification{TaskID: rec.ID, Tier: rec.Tier}
	desc := rec.Description
	if desc == "" {
		desc = rec.ID
	}
	if rec.Result != nil {
		n.CostUSD = rec.Result.CostUSD
	}
	if rec.Status == domain.AgentCompleted {
		n.Type = NotifySuccess
		n.Title = "Task completed"
		n.Message = fmt.Sprintf("%s finished ($%.2f)", desc, n.CostUSD)
		return n
	}
	n.Type = NotifyError
	n.Title = "Task failed"
	n.Message = desc
	if rec.Result != nil && rec.Result.Error != "" {
		n.Message = fmt.Sprintf("%s: %s", desc, rec.Result.Error)
	}
	return n
}

// ForBudgetWarning describes a threshold crossing
func ForBudgetWarning(w budget.Warning) Notification {
	typ := NotifyWarning
	if w.Level == budget.LevelHard {
		typ = NotifyError
	}
	return Notification{
		Title:   fmt.Sprintf("Budget %s threshold exceeded", w.Level),
		Message: w.Message(),
		Type:    typ,
		TaskID:  w.TaskID,
		Tier:    w.Tier,
		CostUSD: w.Cost,
	}
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

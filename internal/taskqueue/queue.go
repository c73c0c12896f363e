// Package taskqueue holds the backlog of tasks waiting for a free slot.
package taskqueue

import "github.com/hochfrequenz/claude-task-pool/internal/domain"

// Queue is a FIFO of task definitions.
// It is not safe for concurrent use; the pool is its only writer.
type Queue struct {
	items []domain.TaskDefinition
}

// New creates an empty Queue
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a task to the back of the queue
func (q *Queue) Enqueue(task domain.TaskDefinition) {
	q.items = append(q.items, task)
}

// Dequeue removes and returns the oldest task.
// Returns false if the queue is empty.
func (q *Queue) Dequeue() (domain.TaskDefinition, bool) {
	if len(q.items) == 0 {
		return domain.TaskDefinition{}, false
	}
	task := q.items[0]
	q.items[0] = domain.TaskDefinition{} // release references held by the backing array
	q.items = q.items[1:]
	return task, true
}

// Peek returns the oldest task without removing it
func (q *Queue) Peek() (domain.TaskDefinition, bool) {
	if len(q.items) == 0 {
		return domain.TaskDefinition{}, false
	}
	return q.items[0], true
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	return len(q.items)
}

// IsEmpty returns true if nothing is queued
func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

// All returns a copy of the queued tasks in order
func (q *Queue) All() []domain.TaskDefinition {
	out := make([]domain.TaskDefinition, len(q.items))
	for i, t := range q.items {
		out[i] = t.Clone()
	}
	return out
}

// Remove deletes the task with the given ID. Returns false if it was not queued.
func (q *Queue) Remove(id string) bool {
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

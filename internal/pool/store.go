package pool

import (
	"log"
	"sync"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// Store persists agent records as they change
type Store interface {
	UpsertRun(rec domain.AgentRecord) error
	DeleteRun(id string) error
}

// storeOp is one queued write
type storeOp struct {
	record *domain.AgentRecord // nil for a delete
	id     string
}

// storeWriter serializes store writes on one goroutine so the pool lock is
// never held across a database call.
type storeWriter struct {
	store Store
	ops   chan storeOp
	done  chan struct{}
	once  sync.Once
}

func newStoreWriter(store Store) *storeWriter {
	w := &storeWriter{
		store: store,
		ops:   make(chan storeOp, 100),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *storeWriter) loop() {
	defer close(w.done)
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *storeWriter) apply(op storeOp) {
	var err error
	if op.record != nil {
		err = w.store.UpsertRun(*op.record)
	} else {
		err = w.store.DeleteRun(op.id)
	}
	if err != nil {
		log.Printf("[pool] store write for %s failed: %v", op.id, err)
	}
}

// queue blocks when the buffer is full. Writes must stay ordered per task, so
// there is no synchronous fallback.
func (w *storeWriter) queue(op storeOp) {
	w.ops <- op
}

func (w *storeWriter) save(rec domain.AgentRecord) {
	w.queue(storeOp{record: &rec, id: rec.ID})
}

func (w *storeWriter) delete(id string) {
	w.queue(storeOp{id: id})
}

// stop drains pending writes and waits for the goroutine to exit
func (w *storeWriter) stop() {
	w.once.Do(func() { close(w.ops) })
	<-w.done
}

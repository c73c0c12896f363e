package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/app"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// batchOptions controls how one set of task definitions is run
type batchOptions struct {
	Isolate  bool
	Merge    bool
	Target   string
	MaxTasks int    // Zero means all
	Suffix   string // Appended to every task ID so repeated runs stay unique
}

// batchOutcome is what a finished batch reports back
type batchOutcome struct {
	IDs     []string
	Records []domain.AgentRecord
	Merges  map[string]domain.MergeResult
}

// tracker turns pool callbacks into per-task completion signals
type tracker struct {
	mu   sync.Mutex
	done map[string]chan struct{}
}

func newTracker() *tracker {
	return &tracker{done: make(map[string]chan struct{})}
}

// watch registers id and returns the channel closed when it finishes.
// created is false when id was already being watched.
func (t *tracker) watch(id string) (ch <-chan struct{}, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watchLocked(id)
}

func (t *tracker) watchLocked(id string) (chan struct{}, bool) {
	if ch, ok := t.done[id]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	t.done[id] = ch
	return ch, true
}

// finished signals a watched task. Tasks nobody watches are ignored.
func (t *tracker) finished(rec domain.AgentRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.done[rec.ID]
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// forget drops the entries for ids
func (t *tracker) forget(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.done, id)
	}
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done)
}

// runBatch submits defs to a, waits for them and merges the workspaces of
// completed tasks when asked to. When ctx ends first, the batch's tasks are
// cancelled and the records seen so far are returned with ctx's error.
func runBatch(ctx context.Context, a *app.App, t *tracker, defs []domain.TaskDefinition, opts batchOptions) (batchOutcome, error) {
	if opts.MaxTasks > 0 && len(defs) > opts.MaxTasks {
		log.Printf("[batch] limiting %d tasks to %d", len(defs), opts.MaxTasks)
		defs = defs[:opts.MaxTasks]
	}

	var ids []string
	var waits []<-chan struct{}
	defer func() { t.forget(ids...) }()
	for _, def := range defs {
		if opts.Suffix != "" {
			def.ID = def.ID + "-" + opts.Suffix
		}
		// Watch before submitting so a fast task cannot finish unseen
		wait, created := t.watch(def.ID)
		rec, err := a.Spawn(ctx, def, app.SpawnOptions{Isolate: opts.Isolate})
		if err != nil {
			// Another batch may own the entry for a duplicate id
			if created {
				t.forget(def.ID)
			}
			cancelAll(a, ids)
			return batchOutcome{}, fmt.Errorf("submitting %s: %w", def.ID, err)
		}
		ids = append(ids, rec.ID)
		waits = append(waits, wait)
	}

	out := batchOutcome{IDs: ids, Merges: make(map[string]domain.MergeResult)}
	for _, wait := range waits {
		select {
		case <-wait:
		case <-ctx.Done():
			cancelAll(a, ids)
			out.Records = collect(a, ids)
			return out, ctx.Err()
		}
	}

	if opts.Merge {
		for _, id := range ids {
			if _, ok := a.Workspace(id); !ok {
				continue
			}
			if rec, ok := a.Pool().Get(id); !ok || rec.Status != domain.AgentCompleted {
				continue
			}
			res, err := a.Accept(ctx, id, opts.Target)
			if err != nil {
				log.Printf("[batch] merging %s: %v", id, err)
				continue
			}
			out.Merges[id] = res
		}
	}

	out.Records = collect(a, ids)
	return out, nil
}

func cancelAll(a *app.App, ids []string) {
	for _, id := range ids {
		_ = a.Pool().Cancel(id)
	}
}

func collect(a *app.App, ids []string) []domain.AgentRecord {
	out := make([]domain.AgentRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := a.Pool().Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// printOutcome writes a table of records followed by merge results
func printOutcome(w io.Writer, out batchOutcome) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIER\tSTATUS\tDURATION\tCOST\tFILES\tERROR")
	var total float64
	for _, rec := range out.Records {
		var duration, cost, errMsg string
		var files int
		if rec.Result != nil {
			duration = rec.Result.Duration.Round(time.Second).String()
			cost = fmt.Sprintf("$%.4f", rec.Result.CostUSD)
			files = len(rec.Result.ChangedFiles)
			errMsg = firstLine(rec.Result.Error)
			total += rec.Result.CostUSD
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Tier, rec.Status, duration, cost, files, errMsg)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%s\n", paint(styleHeader, fmt.Sprintf("%d tasks, $%.4f", len(out.Records), total)))

	for _, rec := range out.Records {
		res, ok := out.Merges[rec.ID]
		if !ok {
			continue
		}
		switch {
		case res.Success:
			fmt.Fprintf(w, "%s merged %s\n", paint(styleOK, "✓"), res.Branch)
		case len(res.Conflicts) > 0:
			fmt.Fprintf(w, "%s %s conflicts in %s (workspace kept)\n",
				paint(styleFailed, "✗"), res.Branch, strings.Join(res.Conflicts, ", "))
		default:
			fmt.Fprintf(w, "%s %s: %s\n", paint(styleFailed, "✗"), res.Branch, res.Error)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// prefixWriter prints streamed agent output line by line, each line tagged
// with its task ID. Partial lines are held until their newline arrives.
type prefixWriter struct {
	mu      sync.Mutex
	w       io.Writer
	pending map[string]*bytes.Buffer
}

func newPrefixWriter(w io.Writer) *prefixWriter {
	return &prefixWriter{w: w, pending: make(map[string]*bytes.Buffer)}
}

func (p *prefixWriter) write(taskID, delta string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.pending[taskID]
	if !ok {
		buf = &bytes.Buffer{}
		p.pending[taskID] = buf
	}
	buf.WriteString(delta)
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			// Put the partial line back
			rest := line
			buf.Reset()
			buf.WriteString(rest)
			return
		}
		fmt.Fprintf(p.w, "%s %s", paint(styleMuted, "["+taskID+"]"), line)
	}
}

// flush prints whatever partial lines remain
func (p *prefixWriter) flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, buf := range p.pending {
		if buf.Len() > 0 {
			fmt.Fprintf(p.w, "%s %s\n", paint(styleMuted, "["+id+"]"), buf.String())
		}
		delete(p.pending, id)
	}
}

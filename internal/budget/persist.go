package budget

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// Load reads the ledger file into memory. A missing file yields an empty
// ledger; a corrupt or unreadable file is logged and also yields an empty
// ledger. Records appended before Load and not yet saved are kept.
func (l *Ledger) Load() {
	loaded := l.readFile()

	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.records[l.saved:]
	l.records = append(loaded, pending...)
	l.saved = len(loaded)
}

func (l *Ledger) readFile() []domain.BudgetRecord {
	if l.path == "" {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[budget] cannot read ledger %s, starting empty: %v", l.path, err)
		}
		return nil
	}

	var records []domain.BudgetRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec domain.BudgetRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("[budget] ledger %s is corrupt at line %d, starting empty: %v", l.path, lineNo, err)
			return nil
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[budget] cannot scan ledger %s, starting empty: %v", l.path, err)
		return nil
	}
	return records
}

// Save appends the records added since the last successful save.
// Calling it repeatedly without new records writes nothing.
func (l *Ledger) Save() error {
	if l.path == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pending := l.records[l.saved:]
	if len(pending) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range pending {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding ledger record %s: %w", rec.TaskID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing ledger: %w", err)
	}

	l.saved += len(pending)
	return nil
}

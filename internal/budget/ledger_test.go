package budget

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

func testTable() tiers.Table {
	return tiers.Table{
		domain.TierStandard: {Thresholds: tiers.Thresholds{Soft: 0.50, Hard: 1.00}},
		domain.TierLight:    {Thresholds: tiers.Thresholds{Soft: 0.10, Hard: 0.20}},
	}
}

func result(id string, cost float64) domain.TaskResult {
	return domain.TaskResult{ID: id, Success: true, CostUSD: cost}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		n++
	}
	return n
}

func TestRecordTask_Thresholds(t *testing.T) {
	tests := []struct {
		name string
		cost float64
		want Level
	}{
		{"below soft", 0.25, ""},
		{"at soft", 0.50, ""},
		{"above soft", 0.75, LevelSoft},
		{"at hard", 1.00, LevelSoft},
		{"above hard", 1.50, LevelHard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger("", testTable())
			w, err := l.RecordTask(result("t", tt.cost), domain.TierStandard)
			if err != nil {
				t.Fatal(err)
			}
			if tt.want == "" {
				if w != nil {
					t.Errorf("got %s warning, want none", w.Level)
				}
				return
			}
			if w == nil {
				t.Fatalf("got no warning, want %s", tt.want)
			}
			if w.Level != tt.want {
				t.Errorf("Level = %s, want %s", w.Level, tt.want)
			}
			if !strings.Contains(w.Message(), "t (standard)") {
				t.Errorf("Message() = %q", w.Message())
			}
		})
	}
}

func TestRecordTask_UnknownTier(t *testing.T) {
	l := NewLedger("", testTable())
	_, err := l.RecordTask(result("t", 0.1), domain.TierDeep)
	if !errors.Is(err, domain.ErrUnknownTier) {
		t.Fatalf("error = %v, want ErrUnknownTier", err)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after rejected record", l.Len())
	}
}

func TestTierSummary(t *testing.T) {
	l := NewLedger("", testTable())
	l.RecordTask(result("a", 0.25), domain.TierStandard)
	l.RecordTask(result("b", 0.75), domain.TierStandard)
	l.RecordTask(result("c", 1.50), domain.TierStandard)
	l.RecordTask(result("d", 0.05), domain.TierLight)

	s := l.TierSummary(domain.TierStandard)
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if s.TotalCost != 2.50 {
		t.Errorf("TotalCost = %f, want 2.50", s.TotalCost)
	}
	if diff := s.AverageCost - 2.50/3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AverageCost = %f, want %f", s.AverageCost, 2.50/3)
	}
	if s.OverSoftCount != 2 {
		t.Errorf("OverSoftCount = %d, want 2", s.OverSoftCount)
	}

	empty := l.TierSummary(domain.TierComplex)
	if empty.Count != 0 || empty.TotalCost != 0 || empty.AverageCost != 0 {
		t.Errorf("empty tier summary = %+v, want zero values", empty)
	}
}

func TestAllSummaries_TierOrder(t *testing.T) {
	l := NewLedger("", testTable())
	l.RecordTask(result("a", 0.1), domain.TierStandard)
	l.RecordTask(result("b", 0.1), domain.TierLight)

	got := l.AllSummaries()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Tier != domain.TierLight || got[1].Tier != domain.TierStandard {
		t.Errorf("order = %s, %s, want light, standard", got[0].Tier, got[1].Tier)
	}
}

func TestFormatReport(t *testing.T) {
	l := NewLedger("", testTable())
	if got := l.FormatReport(); !strings.Contains(got, "No tasks recorded") {
		t.Errorf("empty report = %q", got)
	}

	l.RecordTask(result("a", 0.75), domain.TierStandard)
	report := l.FormatReport()
	for _, want := range []string{"standard", "$0.7500", "Total: 1 tasks"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.jsonl")

	l := NewLedger(path, testTable())
	l.RecordTask(result("a", 0.25), domain.TierStandard)
	l.RecordTask(result("b", 0.75), domain.TierStandard)
	l.RecordTask(result("c", 0.15), domain.TierLight)
	if err := l.Save(); err != nil {
		t.Fatal(err)
	}

	fresh := NewLedger(path, testTable())
	fresh.Load()

	for _, tier := range []domain.Tier{domain.TierStandard, domain.TierLight} {
		if got, want := fresh.TierSummary(tier), l.TierSummary(tier); got != want {
			t.Errorf("%s summary = %+v, want %+v", tier, got, want)
		}
	}
}

func TestSave_NoDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l := NewLedger(path, testTable())
	l.RecordTask(result("a", 0.25), domain.TierStandard)

	if err := l.Save(); err != nil {
		t.Fatal(err)
	}
	if err := l.Save(); err != nil {
		t.Fatal(err)
	}
	if n := countLines(t, path); n != 1 {
		t.Fatalf("line count = %d after two saves, want 1", n)
	}

	l.RecordTask(result("b", 0.25), domain.TierStandard)
	if err := l.Save(); err != nil {
		t.Fatal(err)
	}
	if n := countLines(t, path); n != 2 {
		t.Errorf("line count = %d, want 2", n)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	l := NewLedger(filepath.Join(t.TempDir(), "absent.jsonl"), testTable())
	l.Load()
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	content := `{"taskId":"a","tier":"standard","costEstimate":0.1,"timestampMs":1}
not json at all
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLedger(path, testTable())
	l.Load()
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for corrupt file", l.Len())
	}
}

func TestLoad_KeepsUnsavedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	first := NewLedger(path, testTable())
	first.RecordTask(result("persisted", 0.1), domain.TierLight)
	if err := first.Save(); err != nil {
		t.Fatal(err)
	}

	l := NewLedger(path, testTable())
	l.RecordTask(result("pending", 0.1), domain.TierLight)
	l.Load()
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	if err := l.Save(); err != nil {
		t.Fatal(err)
	}
	if n := countLines(t, path); n != 2 {
		t.Errorf("line count = %d, want 2", n)
	}
}

func TestSave_SurfacesErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// The parent "directory" is a regular file, so creating it must fail
	l := NewLedger(filepath.Join(blocker, "ledger.jsonl"), testTable())
	l.RecordTask(result("a", 0.1), domain.TierLight)
	if err := l.Save(); err == nil {
		t.Fatal("Save() should fail when the directory cannot be created")
	}

	// A failed save must not advance the high-water mark
	l.path = filepath.Join(dir, "ok", "ledger.jsonl")
	if err := l.Save(); err != nil {
		t.Fatal(err)
	}
	if n := countLines(t, l.path); n != 1 {
		t.Errorf("line count = %d, want 1", n)
	}
}

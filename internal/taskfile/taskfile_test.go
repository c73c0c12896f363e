package taskfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

func TestParse(t *testing.T) {
	content := `
tasks:
  - id: fix-typo
    prompt: Fix the typo in README
    tier: trivial-simple
  - id: refactor
    prompt: |
      Split the parser into smaller functions.
    tier: standard
    description: Parser refactor
    cwd: sub
    timeout: 15m
    hints:
      - parser.go is the entry point
`
	defs, err := Parse([]byte(content), "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d tasks, want 2", len(defs))
	}

	r := defs[1]
	if r.Tier != domain.TierStandard || r.Description != "Parser refactor" {
		t.Errorf("refactor = %+v", r)
	}
	if r.Prompt != "Split the parser into smaller functions." {
		t.Errorf("Prompt = %q", r.Prompt)
	}
	if r.Cwd != filepath.Join("/repo", "sub") {
		t.Errorf("Cwd = %q, want resolved against base dir", r.Cwd)
	}
	if r.Timeout != 15*time.Minute {
		t.Errorf("Timeout = %v", r.Timeout)
	}
	if len(r.ContextHints) != 1 {
		t.Errorf("hints = %v", r.ContextHints)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown tier", "tasks:\n  - {id: a, prompt: p, tier: enormous}\n"},
		{"missing prompt", "tasks:\n  - {id: a, tier: light}\n"},
		{"bad timeout", "tasks:\n  - {id: a, prompt: p, tier: light, timeout: soon}\n"},
		{"bad id", "tasks:\n  - {id: 'a b', prompt: p, tier: light}\n"},
		{"duplicate", "tasks:\n  - {id: a, prompt: p, tier: light}\n  - {id: a, prompt: q, tier: light}\n"},
		{"not yaml", "tasks: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content), ""); err == nil {
				t.Error("expected error")
			}
		})
	}

	_, err := Parse([]byte("tasks:\n  - {id: a, prompt: p, tier: enormous}\n"), "")
	if !errors.Is(err, domain.ErrUnknownTier) {
		t.Errorf("err = %v, want ErrUnknownTier", err)
	}
}

func TestParse_GeneratesIDs(t *testing.T) {
	defs, err := Parse([]byte("tasks:\n  - {prompt: p, tier: light}\n"), "")
	if err != nil {
		t.Fatal(err)
	}
	if defs[0].ID == "" {
		t.Error("expected a generated id")
	}
}

func TestParseMarkdown(t *testing.T) {
	content := []byte(`---
tier: complex
description: Add caching
hints: [cache.go]
---

Add an LRU cache in front of the lookup.
`)
	def, err := ParseMarkdown(content, "/repo", "cache")
	if err != nil {
		t.Fatal(err)
	}
	if def.ID != "cache" || def.Tier != domain.TierComplex {
		t.Errorf("def = %+v", def)
	}
	if def.Prompt != "Add an LRU cache in front of the lookup." {
		t.Errorf("Prompt = %q", def.Prompt)
	}
}

func TestParseMarkdown_NoFrontmatter(t *testing.T) {
	if _, err := ParseMarkdown([]byte("just a prompt"), "", "x"); err == nil {
		t.Error("expected error: no tier without frontmatter")
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("b.yaml", "tasks:\n  - {id: from-yaml, prompt: p, tier: light}\n")
	write("a.md", "---\ntier: trivial-code\n---\nDo the thing\n")
	write("notes.txt", "ignored")

	defs, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 || defs[0].ID != "a" || defs[1].ID != "from-yaml" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

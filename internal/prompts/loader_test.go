package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderBuildSystemPrompt(t *testing.T) {
	loader := NewLoader() // No override dirs

	result, err := loader.BuildSystemPrompt(SystemData{
		TaskID:   "t1",
		Name:     "fix the parser",
		Cwd:      "/work/t1",
		Strategy: "make the change directly, keep it minimal.",
		Hints:    []string{"parser.go", "see issue 12"},
	})
	if err != nil {
		t.Fatalf("failed to build system prompt: %v", err)
	}

	for _, want := range []string{
		"task t1 (fix the parser)",
		"Working directory: /work/t1",
		"Approach: make the change directly",
		"- parser.go\n- see issue 12",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("missing %q in:\n%s", want, result)
		}
	}
}

func TestLoaderBuildSystemPromptOmitsEmptySections(t *testing.T) {
	loader := NewLoader()

	result, err := loader.BuildSystemPrompt(SystemData{TaskID: "t1", Name: "light", Cwd: "/w"})
	if err != nil {
		t.Fatalf("failed to build system prompt: %v", err)
	}
	if strings.Contains(result, "Approach:") || strings.Contains(result, "Context:") {
		t.Errorf("empty sections should be omitted, got:\n%s", result)
	}
}

func TestLoaderStrategyHint(t *testing.T) {
	loader := NewLoader()

	hint, err := loader.StrategyHint("plan-first")
	if err != nil {
		t.Fatalf("StrategyHint: %v", err)
	}
	if !strings.HasPrefix(hint, "outline a short plan") {
		t.Errorf("plan-first hint = %q", hint)
	}

	// Unknown strategies pass through
	hint, err = loader.StrategyHint("pair with the reviewer")
	if err != nil || hint != "pair with the reviewer" {
		t.Errorf("free-form hint = %q, %v", hint, err)
	}

	hint, err = loader.StrategyHint("../system")
	if err != nil || hint != "../system" {
		t.Errorf("path-like hint = %q, %v", hint, err)
	}

	if hint, _ := loader.StrategyHint(""); hint != "" {
		t.Errorf("empty strategy = %q", hint)
	}
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()

	customContent := `CUSTOM prompt for {{.TaskID}} in {{.Cwd}}`
	if err := os.WriteFile(filepath.Join(tmpDir, "system.md"), []byte(customContent), 0644); err != nil {
		t.Fatalf("failed to write override file: %v", err)
	}

	loader := NewLoader(tmpDir)

	result, err := loader.BuildSystemPrompt(SystemData{TaskID: "t9", Cwd: "/w"})
	if err != nil {
		t.Fatalf("failed to build system prompt: %v", err)
	}
	if result != "CUSTOM prompt for t9 in /w" {
		t.Errorf("override was not used, got: %s", result)
	}
}

func TestLoaderOverridePrecedence(t *testing.T) {
	projectDir := t.TempDir()
	userDir := t.TempDir()

	for dir, content := range map[string]string{
		projectDir: "---\nid: direct\nname: Project Direct\n---\nPROJECT OVERRIDE\n",
		userDir:    "USER OVERRIDE\n",
	} {
		if err := os.MkdirAll(filepath.Join(dir, "strategies"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "strategies", "direct.md"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	// Project dir first (higher priority)
	loader := NewLoader(projectDir, userDir)

	hint, err := loader.StrategyHint("direct")
	if err != nil {
		t.Fatalf("StrategyHint: %v", err)
	}
	if hint != "PROJECT OVERRIDE" {
		t.Errorf("project override should take precedence, got: %q", hint)
	}
}

func TestLoaderFallbackToEmbedded(t *testing.T) {
	loader := NewLoader(t.TempDir())

	hint, err := loader.StrategyHint("research")
	if err != nil {
		t.Fatalf("StrategyHint: %v", err)
	}
	if !strings.Contains(hint, "investigate the codebase") {
		t.Errorf("should fall back to embedded template, got: %q", hint)
	}
}

func TestLoaderBadOverride(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "system.md"), []byte("{{.Title}}"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(tmpDir)
	if _, err := loader.BuildSystemPrompt(SystemData{TaskID: "t1"}); err == nil {
		t.Error("expected error for unknown template field")
	}
}

func TestListStrategies(t *testing.T) {
	loader := NewLoader()

	metas, err := loader.ListStrategies()
	if err != nil {
		t.Fatalf("ListStrategies: %v", err)
	}

	var ids []string
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "direct,plan-first,research" {
		t.Errorf("ids = %v", ids)
	}
	if metas[1].Name != "Plan First" {
		t.Errorf("name = %q", metas[1].Name)
	}
}

func TestLoaderCache(t *testing.T) {
	tmpDir := t.TempDir()
	override := filepath.Join(tmpDir, "system.md")
	if err := os.WriteFile(override, []byte("first"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(tmpDir)
	if got, _ := loader.BuildSystemPrompt(SystemData{}); got != "first" {
		t.Fatalf("got %q", got)
	}

	if err := os.WriteFile(override, []byte("second"), 0644); err != nil {
		t.Fatal(err)
	}
	if got, _ := loader.BuildSystemPrompt(SystemData{}); got != "first" {
		t.Errorf("cached template should be reused, got %q", got)
	}

	loader.ClearCache()
	if got, _ := loader.BuildSystemPrompt(SystemData{}); got != "second" {
		t.Errorf("after ClearCache got %q", got)
	}
}

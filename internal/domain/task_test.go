package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		input   string
		want    Tier
		wantErr bool
	}{
		{"trivial-simple", TierTrivialSimple, false},
		{"Standard", TierStandard, false},
		{" deep ", TierDeep, false},
		{"heroic", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownTier) {
				t.Errorf("error %v does not wrap ErrUnknownTier", err)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTier_RankOrder(t *testing.T) {
	tiers := AllTiers()
	if len(tiers) != 6 {
		t.Fatalf("AllTiers() returned %d tiers, want 6", len(tiers))
	}
	for i, tier := range tiers {
		if tier.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", tier, tier.Rank(), i)
		}
	}
	if Tier("bogus").Rank() != -1 {
		t.Error("unknown tier should rank -1")
	}

	// Mutating the returned slice must not affect the canonical order
	tiers[0] = "bogus"
	if AllTiers()[0] != TierTrivialSimple {
		t.Error("AllTiers() exposed internal slice")
	}
}

func TestAgentStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to AgentStatus
		want     bool
	}{
		{AgentQueued, AgentRunning, true},
		{AgentQueued, AgentCompleted, false},
		{AgentQueued, AgentFailed, false},
		{AgentRunning, AgentCompleted, true},
		{AgentRunning, AgentFailed, true},
		{AgentRunning, AgentQueued, false},
		{AgentCompleted, AgentFailed, false},
		{AgentFailed, AgentRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskDefinition_Validate(t *testing.T) {
	valid := TaskDefinition{ID: "fix-login", Prompt: "fix it", Tier: TierLight}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	noPrompt := valid
	noPrompt.Prompt = ""
	if err := noPrompt.Validate(); err == nil {
		t.Error("task without prompt should be rejected")
	}

	badTier := valid
	badTier.Tier = "legendary"
	err := badTier.Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	badID := valid
	badID.ID = "../escape"
	if err := badID.Validate(); err == nil {
		t.Error("task ID with path separators should be rejected")
	}
}

func TestTaskDefinition_CloneIsolatesHints(t *testing.T) {
	orig := TaskDefinition{ID: "a", ContextHints: []string{"one"}}
	c := orig.Clone()
	c.ContextHints[0] = "changed"
	if orig.ContextHints[0] != "one" {
		t.Error("Clone shares ContextHints with the original")
	}
}

func TestNewTaskID(t *testing.T) {
	id := NewTaskID()
	if !strings.HasPrefix(id, "task-") {
		t.Errorf("NewTaskID() = %q, want task- prefix", id)
	}
	if err := ValidateTaskID(id); err != nil {
		t.Errorf("generated ID is invalid: %v", err)
	}
	if NewTaskID() == id {
		t.Error("NewTaskID() returned the same ID twice")
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	err := NotRepositoryError("/tmp/x")
	if !errors.Is(err, ErrNotRepository) {
		t.Error("NotRepositoryError should wrap ErrNotRepository")
	}
	if !strings.Contains(err.Error(), "/tmp/x") {
		t.Errorf("error %q should mention the path", err.Error())
	}
}

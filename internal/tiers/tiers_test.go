package tiers

import (
	"errors"
	"math"
	"testing"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

func TestDefault_CoversAllTiers(t *testing.T) {
	table := Default()
	for _, tier := range domain.AllTiers() {
		e, err := table.Lookup(tier)
		if err != nil {
			t.Errorf("Lookup(%s) failed: %v", tier, err)
			continue
		}
		if e.Profile.Model == "" {
			t.Errorf("%s has no model", tier)
		}
		if e.Thresholds.Soft >= e.Thresholds.Hard {
			t.Errorf("%s soft %.2f should be below hard %.2f", tier, e.Thresholds.Soft, e.Thresholds.Hard)
		}
	}
}

func TestLookup_UnknownTier(t *testing.T) {
	_, err := Default().Lookup("mythic")
	if !errors.Is(err, domain.ErrUnknownTier) {
		t.Fatalf("Lookup(mythic) error = %v, want ErrUnknownTier", err)
	}
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Error("error should be a ConfigError")
	}
}

func TestMerge_OverridesNonZeroFields(t *testing.T) {
	base := Default()
	merged := base.Merge(Table{
		domain.TierStandard: {Thresholds: Thresholds{Soft: 0.75}},
		domain.TierLight:    {Profile: Profile{Model: "local-model"}},
	})

	std := merged[domain.TierStandard]
	if std.Thresholds.Soft != 0.75 {
		t.Errorf("Soft = %.2f, want 0.75", std.Thresholds.Soft)
	}
	if std.Thresholds.Hard != base[domain.TierStandard].Thresholds.Hard {
		t.Error("Hard threshold should keep its default")
	}
	if merged[domain.TierLight].Profile.Model != "local-model" {
		t.Errorf("Model = %q, want local-model", merged[domain.TierLight].Profile.Model)
	}
	if base[domain.TierStandard].Thresholds.Soft == 0.75 {
		t.Error("Merge mutated the receiver")
	}
}

func TestProfile_EstimateCost(t *testing.T) {
	p := Profile{InputPricePerMTok: 3, OutputPricePerMTok: 15}
	got := p.EstimateCost(domain.Usage{InputTokens: 1_000_000, OutputTokens: 100_000, CacheReadTokens: 1_000_000})
	want := 3.0 + 1.5 + 0.3
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("EstimateCost = %f, want %f", got, want)
	}
}

// Package tiers maps task tiers to runtime profiles and budget thresholds.
package tiers

import (
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// Profile selects how a unit of work runs
type Profile struct {
	Model    string
	Strategy string // Free-form hint passed to the runner, e.g. "plan-first"
	MaxTurns int

	// Prices in USD per million tokens, used when the runner does not report a cost
	InputPricePerMTok  float64
	OutputPricePerMTok float64
}

// EstimateCost prices a usage snapshot with the profile's rates
func (p Profile) EstimateCost(u domain.Usage) float64 {
	in := float64(u.InputTokens+u.CacheWriteTokens) * p.InputPricePerMTok
	// Cache reads are billed at a tenth of the input rate
	in += float64(u.CacheReadTokens) * p.InputPricePerMTok / 10
	out := float64(u.OutputTokens) * p.OutputPricePerMTok
	return (in + out) / 1_000_000
}

// Thresholds are the per-tier cost limits in USD
type Thresholds struct {
	Soft float64
	Hard float64
}

// Entry is one row of the lookup table
type Entry struct {
	Profile    Profile
	Thresholds Thresholds
}

// Table maps every tier to its entry
type Table map[domain.Tier]Entry

// Default returns the built-in tier table
func Default() Table {
	haiku := Profile{Model: "claude-haiku-4-5", InputPricePerMTok: 1, OutputPricePerMTok: 5}
	sonnet := Profile{Model: "claude-sonnet-4-5", InputPricePerMTok: 3, OutputPricePerMTok: 15}
	opus := Profile{Model: "claude-opus-4-1", InputPricePerMTok: 15, OutputPricePerMTok: 75}

	withStrategy := func(p Profile, strategy string, turns int) Profile {
		p.Strategy = strategy
		p.MaxTurns = turns
		return p
	}

	return Table{
		domain.TierTrivialSimple: {withStrategy(haiku, "direct", 3), Thresholds{Soft: 0.02, Hard: 0.05}},
		domain.TierTrivialCode:   {withStrategy(haiku, "direct", 8), Thresholds{Soft: 0.05, Hard: 0.10}},
		domain.TierLight:         {withStrategy(sonnet, "direct", 15), Thresholds{Soft: 0.25, Hard: 0.50}},
		domain.TierStandard:      {withStrategy(sonnet, "plan-first", 30), Thresholds{Soft: 0.50, Hard: 1.00}},
		domain.TierComplex:       {withStrategy(opus, "plan-first", 60), Thresholds{Soft: 2.00, Hard: 5.00}},
		domain.TierDeep:          {withStrategy(opus, "research", 120), Thresholds{Soft: 5.00, Hard: 15.00}},
	}
}

// Lookup returns the entry for tier or a ConfigError wrapping domain.ErrUnknownTier
func (t Table) Lookup(tier domain.Tier) (Entry, error) {
	e, ok := t[tier]
	if !ok {
		return Entry{}, domain.UnknownTierError(tier)
	}
	return e, nil
}

// Profile returns only the runtime profile for tier
func (t Table) Profile(tier domain.Tier) (Profile, error) {
	e, err := t.Lookup(tier)
	return e.Profile, err
}

// Thresholds returns only the budget thresholds for tier
func (t Table) Thresholds(tier domain.Tier) (Thresholds, error) {
	e, err := t.Lookup(tier)
	return e.Thresholds, err
}

// Merge returns a copy of t with the non-zero fields of overrides applied
func (t Table) Merge(overrides Table) Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	for tier, o := range overrides {
		e := out[tier]
		if o.Profile.Model != "" {
			e.Profile.Model = o.Profile.Model
		}
		if o.Profile.Strategy != "" {
			e.Profile.Strategy = o.Profile.Strategy
		}
		if o.Profile.MaxTurns > 0 {
			e.Profile.MaxTurns = o.Profile.MaxTurns
		}
		if o.Profile.InputPricePerMTok > 0 {
			e.Profile.InputPricePerMTok = o.Profile.InputPricePerMTok
		}
		if o.Profile.OutputPricePerMTok > 0 {
			e.Profile.OutputPricePerMTok = o.Profile.OutputPricePerMTok
		}
		if o.Thresholds.Soft > 0 {
			e.Thresholds.Soft = o.Thresholds.Soft
		}
		if o.Thresholds.Hard > 0 {
			e.Thresholds.Hard = o.Thresholds.Hard
		}
		out[tier] = e
	}
	return out
}

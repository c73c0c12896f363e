package domain

import "strings"

// Tier is the complexity class of a task. It selects the runtime profile
// and the budget thresholds.
type Tier string

const (
	TierTrivialSimple Tier = "trivial-simple"
	TierTrivialCode   Tier = "trivial-code"
	TierLight         Tier = "light"
	TierStandard      Tier = "standard"
	TierComplex       Tier = "complex"
	TierDeep          Tier = "deep"
)

var allTiers = []Tier{
	TierTrivialSimple,
	TierTrivialCode,
	TierLight,
	TierStandard,
	TierComplex,
	TierDeep,
}

// AllTiers returns the tiers in ascending complexity order
func AllTiers() []Tier {
	return append([]Tier(nil), allTiers...)
}

// Rank returns the ordinal of the tier, or -1 for unknown tiers
func (t Tier) Rank() int {
	for i, tier := range allTiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// Valid returns true if the tier is a known value
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// ParseTier converts user input into a Tier
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", UnknownTierError(t)
	}
	return t, nil
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTier is returned when a tier has no entry in the lookup table
	ErrUnknownTier = errors.New("unknown tier")
	// ErrNotRepository is returned when a path is not inside a git repository
	ErrNotRepository = errors.New("not a git repository")
)

// ConfigError is a fatal configuration problem raised at the point of use
type ConfigError struct {
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// UnknownTierError builds the ConfigError for an unresolvable tier
func UnknownTierError(t Tier) error {
	return &ConfigError{Err: ErrUnknownTier, Detail: fmt.Sprintf("%q", string(t))}
}

// NotRepositoryError builds the ConfigError for a path outside git
func NotRepositoryError(path string) error {
	return &ConfigError{Err: ErrNotRepository, Detail: path}
}

// Package profile resolves credential profiles and per-phase fallback
// chains into concrete worker environments. The credential store itself is
// an external collaborator; this package owns the chain-walking logic that
// rotates through (profile, model) pairs when the provider rate-limits.
package profile

import (
	"context"
	"time"
)

// Environment variable names consumed by the worker.
const (
	EnvBaseURL   = "ANTHROPIC_BASE_URL"
	EnvAuthToken = "ANTHROPIC_AUTH_TOKEN"
	EnvModel     = "ANTHROPIC_MODEL"
)

// Defaults for local inference endpoints (LM Studio style).
const (
	DefaultLocalBaseURL = "http://localhost:1234/v1"
	DefaultLocalAPIKey  = "lm-studio"
)

// RefKind tags a profile reference with its resolution strategy.
type RefKind string

const (
	// KindAccount is a linked account: activation re-establishes the
	// account's own stored session, so the environment carries only a
	// model override.
	KindAccount RefKind = "account"

	// KindAPI is an explicit API profile: base URL, key, and model are
	// emitted as environment variables.
	KindAPI RefKind = "api"

	// KindLocal is a local inference endpoint with a fixed base URL and a
	// placeholder key.
	KindLocal RefKind = "local"
)

// Ref is a tagged reference to a credential profile.
type Ref struct {
	Kind RefKind `mapstructure:"kind" json:"kind"`
	ID   string  `mapstructure:"id" json:"id"`
}

// ChainEntry is one (profile reference, model) pair in a fallback chain.
// Index 0 of a chain is the primary; later entries are tried only after a
// rate limit is observed for the current one.
type ChainEntry struct {
	Ref   Ref    `mapstructure:"ref" json:"ref"`
	Model string `mapstructure:"model" json:"model"`
}

// Profile holds the connection parameters resolved from the store.
type Profile struct {
	BaseURL      string
	APIKey       string
	ModelDefault string
}

// AutoSwitchSettings mirrors the store's automatic account switching
// configuration.
type AutoSwitchSettings struct {
	Enabled    bool
	Thresholds map[string]int
	Interval   time.Duration
}

// Store is the credential/profile store collaborator.
type Store interface {
	// ResolveProfile returns connection parameters for an API profile.
	ResolveProfile(ctx context.Context, id string) (Profile, error)

	// ActivateAccount re-activates a linked account so its stored session
	// supplies credentials implicitly.
	ActivateAccount(ctx context.Context, id string) error

	// ActiveDefault returns a chain entry for the currently active default
	// profile, used when no phase-specific chain is configured.
	ActiveDefault(ctx context.Context) (ChainEntry, error)

	// AutoSwitchSettings returns the store's auto-switch configuration.
	AutoSwitchSettings(ctx context.Context) (AutoSwitchSettings, error)
}

// LocalSettings overrides the defaults for local inference endpoints.
type LocalSettings struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

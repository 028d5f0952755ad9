package config

import (
	"context"
	"fmt"
	"time"

	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/profile"
)

// ProfileConfig declares one API credential profile in the config file.
type ProfileConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// ProfileStore adapts configured profiles onto the profile.Store
// collaborator. Linked-account activation is a no-op here: accounts manage
// their own stored sessions outside the config file.
type ProfileStore struct {
	profiles map[string]ProfileConfig
	active   string
}

// NewProfileStore builds a store from the loaded configuration.
func NewProfileStore(cfg *Config) *ProfileStore {
	return &ProfileStore{
		profiles: cfg.Profiles,
		active:   cfg.ActiveProfile,
	}
}

// ResolveProfile implements profile.Store.
func (s *ProfileStore) ResolveProfile(ctx context.Context, id string) (profile.Profile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, fmt.Errorf("%q: %w", id, errors.ErrProfileNotFound)
	}
	return profile.Profile{
		BaseURL:      p.BaseURL,
		APIKey:       p.APIKey,
		ModelDefault: p.Model,
	}, nil
}

// ActivateAccount implements profile.Store.
func (s *ProfileStore) ActivateAccount(ctx context.Context, id string) error {
	return nil
}

// ActiveDefault implements profile.Store.
func (s *ProfileStore) ActiveDefault(ctx context.Context) (profile.ChainEntry, error) {
	if s.active == "" {
		return profile.ChainEntry{}, errors.ErrNoActiveProfile
	}
	p, ok := s.profiles[s.active]
	if !ok {
		return profile.ChainEntry{}, fmt.Errorf("active_profile %q: %w", s.active, errors.ErrProfileNotFound)
	}
	return profile.ChainEntry{
		Ref:   profile.Ref{Kind: profile.KindAPI, ID: s.active},
		Model: p.Model,
	}, nil
}

// AutoSwitchSettings implements profile.Store. Config-backed stores hold no
// linked-account inventory of their own, so rotation stays enabled and
// account entries defer to ActivateAccount.
func (s *ProfileStore) AutoSwitchSettings(ctx context.Context) (profile.AutoSwitchSettings, error) {
	return profile.AutoSwitchSettings{Enabled: true, Interval: time.Minute}, nil
}

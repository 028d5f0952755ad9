package profile

import (
	"context"
	"fmt"

	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/logging"
	"github.com/autoclaude/autoclaude/internal/phase"
)

// Resolver resolves per-phase fallback chains and individual chain entries
// into worker environment variables. It is constructed once per run with
// its collaborators injected; it holds no global state.
type Resolver struct {
	store  Store
	chains map[phase.Phase][]ChainEntry
	local  LocalSettings
	logger *logging.Logger
}

// NewResolver creates a Resolver over the given store and configured
// per-phase chains. chains may be nil.
func NewResolver(store Store, chains map[phase.Phase][]ChainEntry, local LocalSettings, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Resolver{
		store:  store,
		chains: chains,
		local:  local,
		logger: logger,
	}
}

// Chain resolves the ordered fallback chain for a phase. A non-empty
// phase-specific configuration wins; otherwise the chain is a single entry
// built from the store's currently active default profile.
func (r *Resolver) Chain(ctx context.Context, p phase.Phase) ([]ChainEntry, error) {
	if chain, ok := r.chains[p]; ok && len(chain) > 0 {
		out := make([]ChainEntry, len(chain))
		copy(out, chain)
		return out, nil
	}

	entry, err := r.store.ActiveDefault(ctx)
	if err != nil {
		return nil, errors.NewProfileError("no chain configured and no active default", err)
	}
	return []ChainEntry{entry}, nil
}

// Next returns the index of the next entry to try after current. Entries
// referencing linked accounts are skipped when the store's automatic
// account switching is disabled, since trying one would activate a
// different account behind the user's back. It returns ErrChainExhausted
// when no eligible entry remains.
func (r *Resolver) Next(ctx context.Context, chain []ChainEntry, current int) (int, error) {
	for next := current + 1; next < len(chain); next++ {
		if chain[next].Ref.Kind == KindAccount && !r.accountSwitchAllowed(ctx) {
			r.logger.Info("skipping linked account entry, auto-switch disabled",
				"profile", chain[next].Ref.ID)
			continue
		}
		return next, nil
	}
	return 0, fmt.Errorf("chain of length %d: %w", len(chain), errors.ErrChainExhausted)
}

// accountSwitchAllowed consults the store's auto-switch settings. A missing
// store or a failed settings lookup never blocks rotation.
func (r *Resolver) accountSwitchAllowed(ctx context.Context) bool {
	if r.store == nil {
		return true
	}
	settings, err := r.store.AutoSwitchSettings(ctx)
	if err != nil {
		return true
	}
	return settings.Enabled
}

// Env resolves a single chain entry into environment variables, dispatching
// on the reference kind. Empty values are always filtered out so unset
// fields never clobber a more specific source in the later merge.
func (r *Resolver) Env(ctx context.Context, entry ChainEntry) (map[string]string, error) {
	switch entry.Ref.Kind {
	case KindAccount:
		if err := r.store.ActivateAccount(ctx, entry.Ref.ID); err != nil {
			return nil, errors.NewProfileError("activate account", err).WithProfile(entry.Ref.ID)
		}
		// Credentials come from the account's own stored session; only the
		// model override travels through the environment.
		return filterEmpty(map[string]string{
			EnvModel: entry.Model,
		}), nil

	case KindAPI:
		p, err := r.store.ResolveProfile(ctx, entry.Ref.ID)
		if err != nil {
			return nil, errors.NewProfileError("resolve profile", err).WithProfile(entry.Ref.ID)
		}
		model := entry.Model
		if model == "" {
			model = p.ModelDefault
		}
		return filterEmpty(map[string]string{
			EnvBaseURL:   p.BaseURL,
			EnvAuthToken: p.APIKey,
			EnvModel:     model,
		}), nil

	case KindLocal:
		baseURL := r.local.BaseURL
		if baseURL == "" {
			baseURL = DefaultLocalBaseURL
		}
		apiKey := r.local.APIKey
		if apiKey == "" {
			apiKey = DefaultLocalAPIKey
		}
		return filterEmpty(map[string]string{
			EnvBaseURL:   baseURL,
			EnvAuthToken: apiKey,
			EnvModel:     entry.Model,
		}), nil
	}

	return nil, errors.NewProfileError(
		fmt.Sprintf("unknown profile kind %q", entry.Ref.Kind),
		errors.ErrProfileNotFound,
	).WithProfile(entry.Ref.ID)
}

// filterEmpty drops empty values from an environment map.
func filterEmpty(env map[string]string) map[string]string {
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sternelee/reforge-sub005/pkg/persistence"
)

// CredentialLookup finds stored provider credentials.
type CredentialLookup interface {
	Get(ctx context.Context, provider string) (persistence.Credential, error)
}

// DefaultAPIKeyEnv returns the environment variable holding kind's API key.
func DefaultAPIKeyEnv(kind string) string {
	switch kind {
	case ProviderAnthropic:
		return EnvAnthropicAPIKey
	case ProviderOpenAI:
		return EnvOpenAIAPIKey
	case ProviderGoogle:
		return EnvGoogleAPIKey
	}
	return ""
}

// ResolveCredential returns the secret used to reach provider name. The
// environment wins over the credential store. For Ollama the host URL is
// returned instead of a key.
//
// A stored credential whose login has begun but not completed yields
// ErrAuthInProgress.
func ResolveCredential(ctx context.Context, name string, p Provider, store CredentialLookup) (string, error) {
	if p.Kind == ProviderOllama {
		if p.BaseURL != "" {
			return p.BaseURL, nil
		}
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		return DefaultOllamaHost, nil
	}

	envVar := p.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(p.Kind)
	}
	if envVar != "" {
		if key := os.Getenv(envVar); key != "" {
			return key, nil
		}
	}

	if store != nil {
		cred, err := store.Get(ctx, name)
		switch {
		case errors.Is(err, persistence.ErrCredentialNotFound):
		case err != nil:
			return "", fmt.Errorf("credential for %s: %w", name, err)
		case cred.State == persistence.CredentialPending:
			return "", fmt.Errorf("%w: %s", ErrAuthInProgress, name)
		case cred.Secret != "":
			return cred.Secret, nil
		}
	}
	if envVar == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, name)
	}
	return "", fmt.Errorf("%w: %s (set %s or run 'reforge auth set %s')", ErrNoCredential, name, envVar, name)
}

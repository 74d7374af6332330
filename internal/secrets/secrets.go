// Package secrets resolves connection credentials from an ordered list of read-only sources.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when no source holds a value for the key.
var ErrNotFound = errors.New("secret not found")

// Provider is a source of secrets keyed by environment-style names such as AZURE_COSMOSDB_KEY.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config selects the sources. The environment is always consulted; a file, when set, only
// fills in what the environment leaves empty.
type Config struct {
	FilePath string
}

// Manager asks each provider in turn and caches the first non-empty answer.
type Manager struct {
	providers []Provider
	cache     map[string]string
	cacheMu   sync.RWMutex
}

// NewManager builds a manager over the environment and, optionally, a JSON secrets file.
func NewManager(cfg *Config) (*Manager, error) {
	providers := []Provider{NewEnvProvider()}
	if cfg != nil && cfg.FilePath != "" {
		fp, err := NewFileProvider(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
		providers = append(providers, fp)
	}
	return NewManagerWith(providers...), nil
}

// NewManagerWith builds a manager over the given providers, asked in order.
func NewManagerWith(providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		cache:     make(map[string]string),
	}
}

// Get returns the first non-empty value any provider holds for key.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.cacheMu.RLock()
	if val, ok := m.cache[key]; ok {
		m.cacheMu.RUnlock()
		return val, nil
	}
	m.cacheMu.RUnlock()

	for _, p := range m.providers {
		val, err := p.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%s provider: %w", p.Name(), err)
		}
		if strings.TrimSpace(val) == "" {
			continue
		}
		m.cacheMu.Lock()
		m.cache[key] = val
		m.cacheMu.Unlock()
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// GetOrDefault returns the secret or defaultVal when no provider has it.
func (m *Manager) GetOrDefault(ctx context.Context, key, defaultVal string) string {
	val, err := m.Get(ctx, key)
	if err != nil {
		return defaultVal
	}
	return val
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	if val := os.Getenv(key); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

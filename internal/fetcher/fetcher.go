package fetcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quota-watch/internal/config"
	"quota-watch/internal/model"
)

// Result is what an adapter returns for one source.
type Result struct {
	Samples    []model.Sample
	RawPayload string
	HTTPStatus int
}

// Adapter translates one vendor contract into normalized samples.
type Adapter interface {
	Fetch(ctx context.Context, src config.SourceConfig) (Result, error)
}

// AdapterFunc lets plain functions act as adapters.
type AdapterFunc func(ctx context.Context, src config.SourceConfig) (Result, error)

// Fetch implements Adapter.
func (f AdapterFunc) Fetch(ctx context.Context, src config.SourceConfig) (Result, error) {
	return f(ctx, src)
}

// Registry resolves adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// DefaultRegistry registers the adapters shipped with the binary.
func DefaultRegistry(timeout time.Duration, logger zerolog.Logger) *Registry {
	r := NewRegistry()
	r.Register(AdapterHTTPJSON, NewHTTPJSON(HTTPJSONOptions{Timeout: timeout}, logger))
	r.Register(AdapterStatic, NewStatic())
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalize(name)] = a
}

// Resolve finds the adapter named by a source config.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalize(name)]
	if !ok {
		return nil, model.ConfigurationError(fmt.Errorf("unknown adapter %q (registered: %s)", name, strings.Join(r.namesLocked(), ", ")))
	}
	return a, nil
}

// Names lists registered adapters.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests by caller key.
// Keys are character names, or "gm" for the arbiter.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // key -> providerID
	fallbacks map[string][]string // key -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind routes requests for key to a specific provider.
func (r *Router) Bind(key, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = providerID
}

// SetFallbacks configures the providers tried, in order, when key's primary fails.
func (r *Router) SetFallbacks(key string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[key] = providerIDs
}

// Route sends a chat request through the provider bound to key, then its fallbacks.
func (r *Router) Route(ctx context.Context, key string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.getProvider(key)
	var chain []Provider
	for _, id := range r.fallbacks[key] {
		if p, ok := r.providers[id]; ok {
			chain = append(chain, p)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for %s", key)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("key", key), zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range chain {
		if ctx.Err() != nil {
			break
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for %s: %w", key, err)
}

func (r *Router) getProvider(key string) Provider {
	if pid, ok := r.bindings[key]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// ListProviders returns all registered providers sorted by ID.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

package router

import (
	"log/slog"
	"sort"

	"github.com/yourorg/checkout-fallback/internal/registry"
)

// HealthChecker reports whether a provider may receive traffic.
type HealthChecker interface {
	IsHealthy(providerName string) bool
}

// Router picks the providers a failed attempt may fall back to.
type Router struct {
	registry registry.Registry
	priority []string
	health   HealthChecker
	logger   *slog.Logger
}

// NewRouter creates a Router. health may be nil, in which case every
// registered provider counts as healthy.
func NewRouter(reg registry.Registry, priority []string, health HealthChecker, logger *slog.Logger) *Router {
	if reg == nil {
		panic("provider registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		priority: append([]string(nil), priority...),
		health:   health,
		logger:   logger,
	}
}

// Candidates returns every known provider once: the priority list first, in
// its order, then the remaining registry providers in lexical order.
func (r *Router) Candidates() []string {
	seen := make(map[string]bool, len(r.priority))
	out := make([]string, 0, len(r.priority))
	for _, p := range r.priority {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	var rest []string
	for _, p := range r.registry.AvailableProviders() {
		if !seen[p] {
			seen[p] = true
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Alternatives returns the candidates that are neither failedProvider nor in
// exclude, are registered, support methodType and are healthy. A provider
// the registry cannot resolve is skipped, never reported as an error.
func (r *Router) Alternatives(failedProvider string, exclude []string, methodType string) []string {
	skip := make(map[string]bool, len(exclude)+1)
	skip[failedProvider] = true
	for _, p := range exclude {
		skip[p] = true
	}

	var out []string
	for _, p := range r.Candidates() {
		if skip[p] {
			continue
		}
		f, err := r.registry.Get(p)
		if err != nil {
			r.logger.Debug("fallback_candidate_unresolved", "provider", p, "error", err)
			continue
		}
		if !f.SupportsMethod(methodType) {
			continue
		}
		if r.health != nil && !r.health.IsHealthy(p) {
			r.logger.Info("fallback_candidate_unhealthy", "provider", p)
			continue
		}
		out = append(out, p)
	}
	return out
}

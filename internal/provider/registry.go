package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"banana-mixer/internal/models"
)

// ErrUnknownModel indicates no routing rule matches the requested model.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateRoute indicates an attempt to register the same provider twice.
var ErrDuplicateRoute = errors.New("provider already registered")

// Provider defines the behaviour required to serve image edit requests.
type Provider interface {
	Name() string
	Edit(ctx context.Context, req models.EditRequest) (*models.VendorResult, error)
}

// TextGenerator is implemented by providers that turn a prompt into text.
type TextGenerator interface {
	Name() string
	Generate(ctx context.Context, model, prompt string) (*models.VendorResult, error)
}

// Rule decides whether a model id belongs to a provider.
type Rule struct {
	Prefixes []string
	Contains []string
}

// Matches reports whether modelID starts with a prefix or contains a marker.
func (r Rule) Matches(modelID string) bool {
	for _, p := range r.Prefixes {
		if strings.HasPrefix(modelID, p) {
			return true
		}
	}
	for _, c := range r.Contains {
		if strings.Contains(modelID, c) {
			return true
		}
	}
	return false
}

type routeEntry struct {
	rule         Rule
	provider     Provider
	aliases      map[string]string
	defaultModel string
}

// Registry is an ordered list of routing rules; the first matching rule wins.
// New vendors are added by appending a rule.
type Registry struct {
	mu     sync.RWMutex
	routes []routeEntry
	byName map[string]int
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
	}
}

// RegisterProvider appends a routing rule for p, wiring optional aliases. Aliases
// are matched exactly before rules and rewrite the id sent upstream.
func (r *Registry) RegisterProvider(p Provider, rule Rule, defaultModel string, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}
	if len(rule.Prefixes) == 0 && len(rule.Contains) == 0 {
		return fmt.Errorf("provider %q: routing rule must not be empty", p.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, p.Name())
	}

	for alias := range aliases {
		for _, existing := range r.routes {
			if _, clash := existing.aliases[alias]; clash {
				return fmt.Errorf("alias %q conflicts with provider %q", alias, existing.provider.Name())
			}
		}
	}

	r.byName[p.Name()] = len(r.routes)
	r.routes = append(r.routes, routeEntry{
		rule:         rule,
		provider:     p,
		aliases:      cloneAliases(aliases),
		defaultModel: defaultModel,
	})
	return nil
}

// LookupModel returns the provider serving modelID and the id to send upstream.
func (r *Registry) LookupModel(modelID string) (models.Model, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.routes {
		if target, ok := entry.aliases[modelID]; ok {
			return models.Model{ID: target, Requested: modelID, Provider: entry.provider.Name()}, entry.provider, nil
		}
	}

	for _, entry := range r.routes {
		if entry.rule.Matches(modelID) {
			return models.Model{ID: modelID, Requested: modelID, Provider: entry.provider.Name()}, entry.provider, nil
		}
	}
	return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
}

// Supports reports whether any rule or alias routes modelID.
func (r *Registry) Supports(modelID string) bool {
	_, _, err := r.LookupModel(modelID)
	return err == nil
}

// DefaultModel returns the configured default model of the named provider.
func (r *Registry) DefaultModel(providerName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byName[providerName]
	if !ok {
		return "", false
	}
	return r.routes[idx].defaultModel, true
}

// Routes describes the registered rules in match order.
func (r *Registry) Routes() []models.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Route, 0, len(r.routes))
	for _, entry := range r.routes {
		out = append(out, models.Route{
			Provider:     entry.provider.Name(),
			Prefixes:     append([]string(nil), entry.rule.Prefixes...),
			Contains:     append([]string(nil), entry.rule.Contains...),
			DefaultModel: entry.defaultModel,
		})
	}
	return out
}

func cloneAliases(aliases map[string]string) map[string]string {
	if len(aliases) == 0 {
		return nil
	}
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}

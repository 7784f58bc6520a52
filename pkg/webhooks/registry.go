package webhooks

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/forgenet/core-go/pkg/scopes"
)

// EventDescriptor declares one event a resource can emit and the scope a
// token must hold to subscribe to it.
type EventDescriptor struct {
	Name  string
	Scope string
}

// ExtraColumn declares a resource-specific subscription column used for
// delivery filtering, e.g. a repo id on repository webhooks.
type ExtraColumn struct {
	Name string
	// Type is the SQL column type, e.g. "INTEGER NOT NULL".
	Type string
}

var resourceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Resource is a webhook-capable entity: a validated event set with scope
// requirements and deterministic table names. Resources are declared once
// at startup; there is no runtime type synthesis.
type Resource struct {
	name   string
	events map[string]scopes.Scope
	extras []ExtraColumn
	// clientID binds event scopes to the registering service, so wildcard
	// tokens issued for other services cannot subscribe.
	clientID string
}

// NewResource declares a webhook resource and adds it to the process-wide
// registry. name must be snake_case; it determines the subscription and
// delivery table names.
func NewResource(name string, events []EventDescriptor, extras ...ExtraColumn) (*Resource, error) {
	if !resourceNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid resource name %q", name)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("resource %s declares no events", name)
	}

	parsed := make(map[string]scopes.Scope, len(events))
	for _, ev := range events {
		if ev.Name == "" {
			return nil, fmt.Errorf("resource %s declares an unnamed event", name)
		}
		if _, dup := parsed[ev.Name]; dup {
			return nil, fmt.Errorf("resource %s declares event %s twice", name, ev.Name)
		}
		scope, err := scopes.Parse(ev.Scope)
		if err != nil {
			return nil, fmt.Errorf("resource %s event %s: %w", name, ev.Name, err)
		}
		scope.Description = name + " webhook events"
		parsed[ev.Name] = scope
	}
	for _, col := range extras {
		if !resourceNamePattern.MatchString(col.Name) {
			return nil, fmt.Errorf("resource %s: invalid extra column %q", name, col.Name)
		}
	}

	r := &Resource{
		name:   name,
		events: parsed,
		extras: extras,
	}
	if err := register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// BindClient binds event scope requirements to a service client id.
// Wildcard tokens issued for a different client will not authorize
// subscriptions on this resource.
func (r *Resource) BindClient(clientID string) {
	r.clientID = clientID
	for name, scope := range r.events {
		scope.ClientID = clientID
		r.events[name] = scope
	}
}

// Name returns the resource name.
func (r *Resource) Name() string {
	return r.name
}

// SubscriptionTable returns the subscription table name.
func (r *Resource) SubscriptionTable() string {
	return r.name + "_subscription"
}

// DeliveryTable returns the delivery table name.
func (r *Resource) DeliveryTable() string {
	return r.name + "_delivery"
}

// Events returns the sorted event names the resource can emit.
func (r *Resource) Events() []string {
	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidEvent reports whether the resource can emit the named event.
func (r *Resource) ValidEvent(event string) bool {
	_, ok := r.events[event]
	return ok
}

// ScopeFor returns the scope a token must hold to subscribe to the event.
func (r *Resource) ScopeFor(event string) (scopes.Scope, bool) {
	scope, ok := r.events[event]
	return scope, ok
}

// process-wide resource registry
var registryState struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

func register(r *Resource) error {
	registryState.mu.Lock()
	defer registryState.mu.Unlock()
	if registryState.resources == nil {
		registryState.resources = make(map[string]*Resource)
	}
	if _, exists := registryState.resources[r.name]; exists {
		return fmt.Errorf("resource %s already registered", r.name)
	}
	registryState.resources[r.name] = r
	return nil
}

// LookupResource returns a registered resource by name.
func LookupResource(name string) (*Resource, bool) {
	registryState.mu.RLock()
	defer registryState.mu.RUnlock()
	r, ok := registryState.resources[name]
	return r, ok
}

// Resources returns the names of all registered resources, sorted.
func Resources() []string {
	registryState.mu.RLock()
	defer registryState.mu.RUnlock()
	names := make([]string, 0, len(registryState.resources))
	for name := range registryState.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScopeResolver returns a scopes.Resolver that recognizes the event scopes
// of every registered resource, attaching a description naming the resource.
// Unknown scopes pass through untouched so non-webhook grants still parse.
func ScopeResolver() scopes.Resolver {
	return registryResolver{}
}

type registryResolver struct{}

func (registryResolver) GetAlias(clientID string) string { return "" }

func (registryResolver) ResolveScope(s *scopes.Scope) error {
	registryState.mu.RLock()
	defer registryState.mu.RUnlock()
	for _, r := range registryState.resources {
		for _, scope := range r.events {
			if scope.Name == s.Name && scope.ClientID == s.ClientID {
				s.Description = scope.Description
				return nil
			}
		}
	}
	return nil
}

// resetRegistry clears the process-wide registry. Tests only.
func resetRegistry() {
	registryState.mu.Lock()
	defer registryState.mu.Unlock()
	registryState.resources = nil
}

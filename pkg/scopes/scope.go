package scopes

import (
	"fmt"
	"strings"
)

// Access is the access level granted by a scope.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// Wildcard is the name of the scope granting full access.
const Wildcard = "*"

// Scope is a single permission unit. Scopes are immutable value types; two
// scopes are equal iff client id, name, and access all match.
type Scope struct {
	// ClientID identifies the application the scope is bound to. Empty
	// means the scope belongs to the service evaluating it.
	ClientID string
	// Name is the permission name, or "*" for the wildcard.
	Name string
	// Access is the access level, read or write.
	Access Access
	// Description is an optional human-friendly description attached by a
	// Resolver. It does not participate in equality.
	Description string
}

// Resolver lets the embedding service validate scopes against its own
// registry. GetAlias maps a client id alias to the canonical client id (or
// returns "" if no alias exists). ResolveScope validates a parsed scope and
// may attach a description; an error fails the parse.
type Resolver interface {
	GetAlias(clientID string) string
	ResolveScope(s *Scope) error
}

// Parse parses a scope string of the grammar [client_id "/"] name [":" access].
// Access defaults to read, except the wildcard which is always write.
func Parse(s string) (Scope, error) {
	return ParseWith(s, nil)
}

// ParseWith parses a scope string and resolves it through the given resolver.
// A nil resolver skips alias mapping and resolution.
func ParseWith(s string, resolver Resolver) (Scope, error) {
	var clientID string
	access := AccessRead
	name := s
	if name == Wildcard {
		access = AccessWrite
	}
	if strings.Contains(name, "/") {
		parts := strings.Split(name, "/")
		if len(parts) != 2 {
			return Scope{}, fmt.Errorf("invalid scope syntax: %q", s)
		}
		clientID = parts[0]
		name = parts[1]
	}
	if strings.Contains(name, ":") {
		parts := strings.Split(name, ":")
		if len(parts) != 2 {
			return Scope{}, fmt.Errorf("invalid scope syntax: %q", s)
		}
		name = parts[0]
		access = Access(parts[1])
	}
	if access != AccessRead && access != AccessWrite {
		return Scope{}, fmt.Errorf("invalid scope access %q", access)
	}
	if resolver != nil {
		if alias := resolver.GetAlias(clientID); alias != "" {
			clientID = alias
		}
	}
	scope := Scope{ClientID: clientID, Name: name, Access: access}
	if resolver != nil && name != Wildcard {
		if err := resolver.ResolveScope(&scope); err != nil {
			return Scope{}, fmt.Errorf("unresolvable scope %q: %w", s, err)
		}
	}
	return scope, nil
}

// String renders the scope in its canonical parseable form.
func (s Scope) String() string {
	if s.ClientID != "" {
		return fmt.Sprintf("%s/%s:%s", s.ClientID, s.Name, s.Access)
	}
	return fmt.Sprintf("%s:%s", s.Name, s.Access)
}

// ReadVersion returns the read-access rendering of this scope, used when
// displaying what a grant would look like without write access.
func (s Scope) ReadVersion() string {
	if s.ClientID != "" {
		return fmt.Sprintf("%s/%s:%s", s.ClientID, s.Name, AccessRead)
	}
	return fmt.Sprintf("%s:%s", s.Name, AccessRead)
}

// Equal reports whether two scopes grant the same permission.
func (s Scope) Equal(other Scope) bool {
	return s.ClientID == other.ClientID &&
		s.Name == other.Name &&
		s.Access == other.Access
}

// IsWildcard reports whether this is the full-access scope.
func (s Scope) IsWildcard() bool {
	return s.Name == Wildcard
}

// Friendly returns the resolver-attached description, falling back to the
// scope name.
func (s Scope) Friendly() string {
	if s.Description != "" {
		return s.Description
	}
	return s.Name
}

// Fulfills reports whether a token holding this scope satisfies the
// requirement want. The wildcard satisfies any read requirement, and write
// requirements only when held with write access; wildcard grants are bound
// to the client they were issued for. A write requirement is never satisfied
// by a read grant.
func (s Scope) Fulfills(want Scope) bool {
	if s.Name == Wildcard {
		if s.ClientID != want.ClientID {
			return false
		}
		if want.Access == AccessRead {
			return true
		}
		return s.Access == AccessWrite
	}
	if s.Name != want.Name || s.ClientID != want.ClientID {
		return false
	}
	if want.Access == AccessWrite {
		return s.Access == AccessWrite
	}
	return true
}

// Set is an ordered collection of scopes, serialized as a comma-separated
// string in token and subscription rows.
type Set []Scope

// ParseSet parses a comma-separated scope list.
func ParseSet(s string) (Set, error) {
	return ParseSetWith(s, nil)
}

// ParseSetWith parses a comma-separated scope list through a resolver.
func ParseSetWith(s string, resolver Resolver) (Set, error) {
	if s == "" {
		return nil, nil
	}
	var set Set
	for _, part := range strings.Split(s, ",") {
		scope, err := ParseWith(strings.TrimSpace(part), resolver)
		if err != nil {
			return nil, err
		}
		set = append(set, scope)
	}
	return set, nil
}

// String renders the set in its serialized comma-separated form.
func (set Set) String() string {
	parts := make([]string, len(set))
	for i, s := range set {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// Authorizes reports whether any member of the set fulfills the requirement.
func (set Set) Authorizes(want Scope) bool {
	for _, s := range set {
		if s.Fulfills(want) {
			return true
		}
	}
	return false
}

// Contains reports whether the set holds a scope equal to s.
func (set Set) Contains(s Scope) bool {
	for _, member := range set {
		if member.Equal(s) {
			return true
		}
	}
	return false
}

// HasWildcard reports whether the set holds a wildcard grant.
func (set Set) HasWildcard() bool {
	for _, member := range set {
		if member.IsWildcard() {
			return true
		}
	}
	return false
}

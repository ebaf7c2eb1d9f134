package domain

import "fmt"

// ScopeType is the kind of context a group is bound to.
type ScopeType string

const (
	ScopeCourse       ScopeType = "course"
	ScopeOrganization ScopeType = "organization"
	ScopeInstance     ScopeType = "instance"
)

var scopeTypes = map[ScopeType]struct{}{
	ScopeCourse:       {},
	ScopeOrganization: {},
	ScopeInstance:     {},
}

// ParseScopeType validates and returns a ScopeType.
func ParseScopeType(s string) (ScopeType, error) {
	t := ScopeType(s)
	if _, ok := scopeTypes[t]; !ok {
		return "", fmt.Errorf("unknown scope type: %s", s)
	}
	return t, nil
}

func (t ScopeType) String() string { return string(t) }

// Scope is the bounding context a group and its criteria are defined and
// evaluated within. Resource is the external identifier of the bound object
// (course key, organization slug); it is empty for instance scope.
type Scope struct {
	Type     ScopeType `json:"type"`
	Resource string    `json:"resource,omitempty"`
}

// InstanceScope is the platform-wide scope.
var InstanceScope = Scope{Type: ScopeInstance}

func (s Scope) String() string {
	if s.Resource == "" {
		return string(s.Type)
	}
	return string(s.Type) + ":" + s.Resource
}

// Key returns a stable string usable as a map or lock key.
func (s Scope) Key() string { return s.String() }

func (s Scope) Validate() error {
	if _, ok := scopeTypes[s.Type]; !ok {
		return fmt.Errorf("unknown scope type: %s", s.Type)
	}
	if s.Type != ScopeInstance && s.Resource == "" {
		return fmt.Errorf("scope type %s requires a resource", s.Type)
	}
	return nil
}

package groups

import (
	"encoding/json"
	"fmt"
	"time"

	"cohort/internal/criteria"
	"cohort/pkg/domain"
	pstrings "cohort/pkg/platform/strings"
)

// UpdateMethod restricts which trigger kinds may refresh a group.
type UpdateMethod string

const (
	UpdateAny           UpdateMethod = "any"
	UpdateEventOnly     UpdateMethod = "event"
	UpdateScheduledOnly UpdateMethod = "scheduled"
	UpdateManualOnly    UpdateMethod = "manual"
)

// ParseUpdateMethod validates the string form of an update method.
func ParseUpdateMethod(s string) (UpdateMethod, error) {
	switch m := UpdateMethod(s); m {
	case UpdateAny, UpdateEventOnly, UpdateScheduledOnly, UpdateManualOnly:
		return m, nil
	default:
		return "", fmt.Errorf("unknown update method: %s", s)
	}
}

// Allows reports whether a trigger of the given kind ("event", "scheduled",
// "manual") may refresh the group.
func (m UpdateMethod) Allows(kind string) bool {
	return m == UpdateAny || m == "" || string(m) == kind
}

// Group is a named set of subjects whose population is derived from its rule
// tree. Groups are never hard-deleted while referenced; disabling is the
// supported removal path.
type Group struct {
	ID           domain.GroupID
	Name         string
	Description  string
	Scope        domain.Scope
	Enabled      bool
	Frozen       bool
	UpdateMethod UpdateMethod

	// RefreshInterval overrides the criterion types' default scheduled
	// interval for this group when non-zero.
	RefreshInterval time.Duration

	// CollectionID is zero for the default (unconstrained) collection.
	CollectionID domain.CollectionID

	Rules *Node

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Criterion is a single configured rule instance owned by a group. The
// config payload's schema belongs to the criterion type, not the store.
type Criterion struct {
	Type     string            `json:"type"`
	Operator criteria.Operator `json:"operator"`
	Config   json.RawMessage   `json:"config"`
}

// NodeKind discriminates the rule-tree union.
type NodeKind string

const (
	NodeLeaf NodeKind = "leaf"
	NodeAnd  NodeKind = "and"
	NodeOr   NodeKind = "or"
)

// Node is one node of a group's rule tree: either a leaf criterion or a
// boolean combinator over children. Grouping is explicit in the structure;
// evaluation never re-infers precedence.
type Node struct {
	Kind     NodeKind   `json:"kind"`
	Leaf     *Criterion `json:"leaf,omitempty"`
	Children []*Node    `json:"children,omitempty"`
}

// Leaves returns all leaf criteria in depth-first order.
func (n *Node) Leaves() []*Criterion {
	if n == nil {
		return nil
	}
	if n.Kind == NodeLeaf {
		return []*Criterion{n.Leaf}
	}
	var out []*Criterion
	for _, c := range n.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

// CriterionTypes returns the distinct criterion type names used by the tree.
func (n *Node) CriterionTypes() []string {
	var names []string
	for _, leaf := range n.Leaves() {
		names = append(names, leaf.Type)
	}
	return pstrings.DedupeAndTrim(names)
}

// UsesType reports whether any leaf resolves to one of the given types.
func (n *Node) UsesType(names []string) bool {
	for _, leaf := range n.Leaves() {
		for _, name := range names {
			if leaf.Type == name {
				return true
			}
		}
	}
	return false
}

// ValidateShape checks structural well-formedness: leaves carry a criterion
// and no children, combinators carry at least one child.
func (n *Node) ValidateShape() error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case NodeLeaf:
		if n.Leaf == nil {
			return fmt.Errorf("leaf node without criterion")
		}
		if len(n.Children) > 0 {
			return fmt.Errorf("leaf node with children")
		}
		return nil
	case NodeAnd, NodeOr:
		if n.Leaf != nil {
			return fmt.Errorf("%s node with a leaf criterion", n.Kind)
		}
		if len(n.Children) == 0 {
			return fmt.Errorf("%s node without children", n.Kind)
		}
		for _, c := range n.Children {
			if err := c.ValidateShape(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
}

// Collection is an exclusivity domain: a subject may belong to at most one
// member group. Automatic collections are inferred from provably disjoint
// criteria; manual ones are administrator-declared.
type Collection struct {
	ID        domain.CollectionID
	Name      string
	Automatic bool
	GroupIDs  []domain.GroupID
	CreatedAt time.Time
}

// ScopeMismatchError reports a criterion whose type does not support the
// owning group's scope.
type ScopeMismatchError struct {
	CriterionType string
	Scope         domain.Scope
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("criterion type %q does not support scope %s", e.CriterionType, e.Scope)
}

// UnsupportedOperatorError reports an operator outside a type's declared set.
type UnsupportedOperatorError struct {
	CriterionType string
	Operator      criteria.Operator
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("criterion type %q does not support operator %q", e.CriterionType, e.Operator)
}

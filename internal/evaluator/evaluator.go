// Package evaluator turns a group's rule tree into its subject set. Trees
// are evaluated recursively; grouping is explicit in the node structure and
// never re-inferred from precedence.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/internal/groups"
	"cohort/pkg/domain"
)

type Evaluator struct {
	criteria *criteria.Registry
	backends *backends.Registry
	logger   *slog.Logger
}

func New(criteriaReg *criteria.Registry, backendsReg *backends.Registry, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		criteria: criteriaReg,
		backends: backendsReg,
		logger:   logger.With("component", "evaluator"),
	}
}

// Evaluate computes the subjects matching the group's rule tree. subjects
// narrows evaluation when non-nil (event-driven single-subject refreshes);
// the result is then membership restricted to those subjects.
func (e *Evaluator) Evaluate(ctx context.Context, g *groups.Group, subjects []domain.SubjectID) (domain.SubjectSet, error) {
	p := &pass{
		eval:     e,
		scope:    g.Scope,
		subjects: subjects,
		memo:     make(map[string]domain.SubjectSet),
	}
	set, err := p.node(ctx, g.Rules)
	if err != nil {
		return nil, fmt.Errorf("evaluating group %s: %w", g.ID, err)
	}
	return set, nil
}

// pass carries per-evaluation state. Identical leaves (same type, operator
// and config) are evaluated once per pass; rule trees frequently repeat a
// criterion across OR branches.
type pass struct {
	eval     *Evaluator
	scope    domain.Scope
	subjects []domain.SubjectID
	memo     map[string]domain.SubjectSet
}

func (p *pass) node(ctx context.Context, n *groups.Node) (domain.SubjectSet, error) {
	switch n.Kind {
	case groups.NodeLeaf:
		return p.leaf(ctx, n.Leaf)
	case groups.NodeAnd:
		return p.intersect(ctx, n.Children)
	case groups.NodeOr:
		return p.union(ctx, n.Children)
	default:
		return nil, fmt.Errorf("unknown node kind %q", n.Kind)
	}
}

// intersect evaluates AND children most-restrictive first so an empty
// intermediate result short-circuits the remaining branches.
func (p *pass) intersect(ctx context.Context, children []*groups.Node) (domain.SubjectSet, error) {
	ordered := p.bySelectivity(children)
	var acc domain.SubjectSet
	for _, child := range ordered {
		set, err := p.node(ctx, child)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = set
		} else {
			acc = acc.Intersect(set)
		}
		if acc.Len() == 0 {
			return acc, nil
		}
	}
	return acc, nil
}

func (p *pass) union(ctx context.Context, children []*groups.Node) (domain.SubjectSet, error) {
	acc := domain.NewSubjectSet()
	for _, child := range p.bySelectivity(children) {
		set, err := p.node(ctx, child)
		if err != nil {
			return nil, err
		}
		acc = acc.Union(set)
	}
	return acc, nil
}

func (p *pass) leaf(ctx context.Context, c *groups.Criterion) (domain.SubjectSet, error) {
	key := p.memoKey(c)
	if set, ok := p.memo[key]; ok {
		return set, nil
	}

	t, err := p.eval.criteria.Resolve(c.Type)
	if err != nil {
		return nil, err
	}
	backend, ok := p.eval.backends.Get(t.DataSource())
	if !ok {
		return nil, fmt.Errorf("criterion %s: no backend registered for source %q", c.Type, t.DataSource())
	}
	if !backend.SupportsScope(p.scope.Type) {
		return nil, backends.NewError(backends.CategoryInvalidScope, backend.Name(),
			fmt.Sprintf("scope type %q not supported", p.scope.Type), nil)
	}

	set, err := t.Evaluate(ctx, criteria.EvalContext{
		Scope:    p.scope,
		Operator: c.Operator,
		Config:   c.Config,
		Backend:  backend,
		Subjects: p.subjects,
	})
	if err != nil {
		return nil, fmt.Errorf("criterion %s: %w", c.Type, err)
	}
	p.eval.logger.Debug("criterion evaluated",
		"type", c.Type, "operator", string(c.Operator), "matched", set.Len())
	p.memo[key] = set
	return set, nil
}

func (p *pass) memoKey(c *groups.Criterion) string {
	// Malformed configs fall back to the raw bytes so two distinct bad
	// configs never collide on a truncated key.
	var buf bytes.Buffer
	if err := json.Compact(&buf, c.Config); err != nil {
		return c.Type + "|" + string(c.Operator) + "|" + string(c.Config)
	}
	return c.Type + "|" + string(c.Operator) + "|" + buf.String()
}

// bySelectivity orders sibling nodes by estimated match fraction, most
// restrictive first. Estimates come from the criterion types; combinators
// derive theirs from their children.
func (p *pass) bySelectivity(children []*groups.Node) []*groups.Node {
	type ranked struct {
		node *groups.Node
		sel  float64
	}
	rs := make([]ranked, len(children))
	for i, c := range children {
		rs[i] = ranked{node: c, sel: p.selectivity(c)}
	}
	// Insertion sort keeps the original order for equal estimates.
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].sel < rs[j-1].sel; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
	out := make([]*groups.Node, len(rs))
	for i, r := range rs {
		out[i] = r.node
	}
	return out
}

func (p *pass) selectivity(n *groups.Node) float64 {
	switch n.Kind {
	case groups.NodeLeaf:
		t, err := p.eval.criteria.Resolve(n.Leaf.Type)
		if err != nil {
			return 1
		}
		return t.Selectivity()
	case groups.NodeAnd:
		s := 1.0
		for _, c := range n.Children {
			s *= p.selectivity(c)
		}
		return s
	case groups.NodeOr:
		s := 0.0
		for _, c := range n.Children {
			s += p.selectivity(c)
		}
		if s > 1 {
			s = 1
		}
		return s
	default:
		return 1
	}
}

package criteria

import (
	"context"
	"encoding/json"
	"time"

	"cohort/internal/backends"
	"cohort/pkg/domain"
)

// Strategy describes how a criterion type's results are kept fresh.
type Strategy string

const (
	// StrategyEvent types re-evaluate when one of their registered events
	// arrives.
	StrategyEvent Strategy = "event"
	// StrategyScheduled types re-evaluate on a periodic sweep.
	StrategyScheduled Strategy = "scheduled"
	// StrategyManual types only re-evaluate on explicit request.
	StrategyManual Strategy = "manual"
	// StrategyMixed types react to events and also sweep periodically.
	StrategyMixed Strategy = "mixed"
)

// EvalContext carries everything a criterion type needs to produce its
// subject set. Config has already passed ValidateConfig at write time;
// evaluation trusts it.
type EvalContext struct {
	Scope    domain.Scope
	Operator Operator
	Config   json.RawMessage
	Backend  backends.Client

	// Subjects narrows evaluation to the given subjects when non-nil
	// (single-subject event triggers). Types pass it through to their
	// backend query; correctness never depends on the narrowing.
	Subjects []domain.SubjectID
}

// Type is the pluggable unit a criterion instance is resolved against.
// Implementations register once at startup and must be safe for concurrent
// use; all per-evaluation state travels in the EvalContext.
type Type interface {
	// Name is the unique, versioned identifier stored on criterion rows,
	// e.g. "last_login_v1".
	Name() string

	// Description is surfaced by the schema introspection API.
	Description() string

	// Scopes lists the scope types this criterion can be evaluated in.
	Scopes() []domain.ScopeType

	// Operators lists the comparison operators this type accepts.
	Operators() []Operator

	// DataSource names the backend client this type evaluates against.
	DataSource() string

	// EventTypes lists the domain events that invalidate this type's
	// results. Empty for purely scheduled or manual types.
	EventTypes() []string

	// RefreshStrategy and DefaultInterval describe how results stay fresh;
	// the interval applies to scheduled and mixed strategies and can be
	// overridden per group.
	RefreshStrategy() Strategy
	DefaultInterval() time.Duration

	// Selectivity estimates what fraction of the population the criterion
	// keeps (0 = very restrictive, 1 = keeps everyone). The evaluator
	// orders AND branches by it so the cheapest pruning happens first.
	Selectivity() float64

	// ConfigSpec returns the zero value of the configuration struct; the
	// introspection API derives the field schema from it.
	ConfigSpec() any

	// ValidateConfig checks a raw payload against the type's schema.
	// Called when criteria are created or updated, never at evaluation
	// time.
	ValidateConfig(raw json.RawMessage) error

	// Evaluate returns the matching subject set.
	Evaluate(ctx context.Context, ec EvalContext) (domain.SubjectSet, error)
}

// Partitioner is implemented by types whose equality operator partitions
// subjects over a single field. Two groups whose criteria resolve to
// different partition values of the same type are provably disjoint, which
// drives automatic exclusivity-domain detection.
type Partitioner interface {
	PartitionValue(op Operator, raw json.RawMessage) (string, bool)
}

// Prefilterer is implemented by event-driven types that can predict from the
// event payload alone whether the subject would match. The orchestrator uses
// the hint to skip refreshes that provably cannot change membership; types
// return ok=false whenever the payload is insufficient.
type Prefilterer interface {
	MembershipHint(eventType string, data map[string]any, op Operator, raw json.RawMessage) (member, ok bool)
}

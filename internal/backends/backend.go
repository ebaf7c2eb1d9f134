package backends

import (
	"context"

	"cohort/pkg/domain"
)

// Client is the uniform data-access interface criterion types evaluate
// against. Each data source (relational store, analytics API, external
// system) implements it and registers by name at startup.
type Client interface {
	// Name returns the unique identifier this client registers under.
	Name() string

	// SupportsScope reports whether this backend can bound queries to the
	// given scope type.
	SupportsScope(t domain.ScopeType) bool

	// Fetch resolves a query within a scope. Implementations backed by a
	// composable store must defer execution until the result set is
	// materialized; list-returning backends may materialize eagerly.
	Fetch(ctx context.Context, scope domain.Scope, q Query) (ResultSet, error)
}

// ResultSet is a lazily-evaluable set of subjects.
type ResultSet interface {
	Materialize(ctx context.Context) (domain.SubjectSet, error)
}

// Materialized adapts an already-computed set (analytics APIs, caches) to
// the ResultSet contract.
type Materialized domain.SubjectSet

func (m Materialized) Materialize(context.Context) (domain.SubjectSet, error) {
	return domain.SubjectSet(m), nil
}

// FilterOp is the comparison applied by a single query filter.
type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterNeq      FilterOp = "neq"
	FilterGt       FilterOp = "gt"
	FilterGte      FilterOp = "gte"
	FilterLt       FilterOp = "lt"
	FilterLte      FilterOp = "lte"
	FilterIn       FilterOp = "in"
	FilterNotIn    FilterOp = "not_in"
	FilterExists   FilterOp = "exists"
	FilterNotExist FilterOp = "not_exists"
)

// Filter constrains one field of the queried source.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query names a logical data source and the filters to apply to it. Scope
// bounding is a first-class Fetch parameter, never a filter. Subjects, when
// non-nil, narrows the query to the given subjects so single-subject
// refreshes avoid full-population scans.
type Query struct {
	Source   string
	Filters  []Filter
	Subjects []domain.SubjectID
}

// Well-known logical sources served by the built-in backends.
const (
	SourceUsers       = "users"
	SourceEnrollments = "enrollments"
	SourceProgress    = "course_progress"
)

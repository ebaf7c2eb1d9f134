// Package types holds the built-in criterion types. Each type owns its
// configuration schema and knows how to turn (config, operator, scope) into
// backend queries; plugins supply additional types through the same
// registration path.
package types

import (
	"fmt"
	"time"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

// Backend client names the built-ins evaluate against.
const (
	SourcePrimary   = "primary"
	SourceAnalytics = "analytics"
)

// Event types the built-ins react to.
const (
	EventEnrollmentCreated     = "user.enrollment.created.v1"
	EventEnrollmentChanged     = "user.enrollment.changed.v1"
	EventStaffStatusChanged    = "user.staff_status.changed.v1"
	EventSessionLoginCompleted = "user.session.login.completed.v1"
)

const registrationSource = "cohort/internal/criteria/types"

// RegisterBuiltins registers every built-in criterion type.
func RegisterBuiltins(b *criteria.Builder) error {
	all := []criteria.Type{
		NewManual(),
		NewCourseEnrollment(),
		NewEnrollmentMode(),
		NewLastLogin(),
		NewStaffStatus(),
		NewProfileCountry(),
		NewCourseProgress(),
	}
	for _, t := range all {
		if err := b.Register(registrationSource, t); err != nil {
			return err
		}
	}
	return nil
}

// base carries the static declarations shared by every built-in type.
type base struct {
	name        string
	description string
	scopes      []domain.ScopeType
	operators   []criteria.Operator
	source      string
	events      []string
	strategy    criteria.Strategy
	interval    time.Duration
	selectivity float64
}

func (b base) Name() string                       { return b.name }
func (b base) Description() string                { return b.description }
func (b base) Scopes() []domain.ScopeType         { return b.scopes }
func (b base) Operators() []criteria.Operator     { return b.operators }
func (b base) DataSource() string                 { return b.source }
func (b base) EventTypes() []string               { return b.events }
func (b base) RefreshStrategy() criteria.Strategy { return b.strategy }
func (b base) DefaultInterval() time.Duration     { return b.interval }
func (b base) Selectivity() float64               { return b.selectivity }

var allScopes = []domain.ScopeType{domain.ScopeCourse, domain.ScopeOrganization, domain.ScopeInstance}

var comparisonOps = []criteria.Operator{
	criteria.OpEqual, criteria.OpNotEqual,
	criteria.OpGreaterThan, criteria.OpGreaterThanOrEqual,
	criteria.OpLessThan, criteria.OpLessThanOrEqual,
}

// filterOp maps a criterion operator onto the backend filter vocabulary.
func filterOp(op criteria.Operator) (backends.FilterOp, error) {
	switch op {
	case criteria.OpEqual:
		return backends.FilterEq, nil
	case criteria.OpNotEqual:
		return backends.FilterNeq, nil
	case criteria.OpGreaterThan:
		return backends.FilterGt, nil
	case criteria.OpGreaterThanOrEqual:
		return backends.FilterGte, nil
	case criteria.OpLessThan:
		return backends.FilterLt, nil
	case criteria.OpLessThanOrEqual:
		return backends.FilterLte, nil
	case criteria.OpIn:
		return backends.FilterIn, nil
	case criteria.OpNotIn:
		return backends.FilterNotIn, nil
	case criteria.OpExists:
		return backends.FilterExists, nil
	case criteria.OpNotExists:
		return backends.FilterNotExist, nil
	default:
		return "", fmt.Errorf("operator %q has no backend filter", op)
	}
}

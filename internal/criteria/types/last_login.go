package types

import (
	"context"
	"encoding/json"
	"time"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

// LastLoginConfig compares the subject's last login against a number of days
// before now.
type LastLoginConfig struct {
	Days int `json:"days" validate:"gte=0" desc:"Days since last login used as the comparison threshold"`
}

// LastLogin groups subjects by login recency. Login events refresh it
// immediately; a daily sweep catches subjects aging past the threshold
// without producing any event.
type LastLogin struct {
	base
	now func() time.Time
}

func NewLastLogin() *LastLogin {
	return &LastLogin{
		base: base{
			name:        "last_login_v1",
			description: "Membership determined by days since the subject's last login.",
			scopes:      allScopes,
			operators:   comparisonOps,
			source:      SourcePrimary,
			events:      []string{EventSessionLoginCompleted},
			strategy:    criteria.StrategyMixed,
			interval:    24 * time.Hour,
			selectivity: 0.6,
		},
		now: time.Now,
	}
}

func (t *LastLogin) ConfigSpec() any { return LastLoginConfig{} }

func (t *LastLogin) ValidateConfig(raw json.RawMessage) error {
	var cfg LastLoginConfig
	return criteria.DecodeConfig(t.name, raw, &cfg)
}

// Operator semantics follow "days since last login": GREATER_THAN 30 means
// the login is older than 30 days, which inverts into last_login < threshold.
var lastLoginFilterOps = map[criteria.Operator]backends.FilterOp{
	criteria.OpEqual:              backends.FilterEq,
	criteria.OpNotEqual:           backends.FilterNeq,
	criteria.OpGreaterThan:        backends.FilterLt,
	criteria.OpGreaterThanOrEqual: backends.FilterLte,
	criteria.OpLessThan:           backends.FilterGt,
	criteria.OpLessThanOrEqual:    backends.FilterGte,
}

func (t *LastLogin) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg LastLoginConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	op, ok := lastLoginFilterOps[ec.Operator]
	if !ok {
		return nil, &criteria.ValidationError{Type: t.name, Err: errUnsupportedOperator(ec.Operator)}
	}
	threshold := t.now().Add(-time.Duration(cfg.Days) * 24 * time.Hour)

	rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
		Source:   backends.SourceUsers,
		Filters:  []backends.Filter{{Field: "last_login", Op: op, Value: threshold}},
		Subjects: ec.Subjects,
	})
	if err != nil {
		return nil, err
	}
	return rs.Materialize(ctx)
}

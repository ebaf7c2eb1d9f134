package types

import (
	"context"
	"encoding/json"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

// StaffStatusConfig selects staff or non-staff subjects.
type StaffStatusConfig struct {
	IsStaff *bool `json:"is_staff" validate:"required" desc:"Match staff (true) or non-staff (false) subjects"`
}

// StaffStatus groups subjects by their staff flag.
type StaffStatus struct {
	base
}

func NewStaffStatus() *StaffStatus {
	return &StaffStatus{base: base{
		name:        "staff_status_v1",
		description: "Membership determined by the subject's staff flag.",
		scopes:      allScopes,
		operators:   []criteria.Operator{criteria.OpEqual, criteria.OpNotEqual},
		source:      SourcePrimary,
		events:      []string{EventStaffStatusChanged},
		strategy:    criteria.StrategyEvent,
		selectivity: 0.1,
	}}
}

func (t *StaffStatus) ConfigSpec() any { return StaffStatusConfig{} }

func (t *StaffStatus) ValidateConfig(raw json.RawMessage) error {
	var cfg StaffStatusConfig
	return criteria.DecodeConfig(t.name, raw, &cfg)
}

func (t *StaffStatus) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg StaffStatusConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	want := *cfg.IsStaff
	if ec.Operator == criteria.OpNotEqual {
		want = !want
	}
	rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
		Source:   backends.SourceUsers,
		Filters:  []backends.Filter{{Field: "is_staff", Op: backends.FilterEq, Value: want}},
		Subjects: ec.Subjects,
	})
	if err != nil {
		return nil, err
	}
	return rs.Materialize(ctx)
}

// MembershipHint predicts membership from the event's is_staff field.
func (t *StaffStatus) MembershipHint(_ string, data map[string]any, op criteria.Operator, raw json.RawMessage) (bool, bool) {
	isStaff, ok := data["is_staff"].(bool)
	if !ok {
		return false, false
	}
	var cfg StaffStatusConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.IsStaff == nil {
		return false, false
	}
	member := isStaff == *cfg.IsStaff
	if op == criteria.OpNotEqual {
		member = !member
	}
	return member, true
}

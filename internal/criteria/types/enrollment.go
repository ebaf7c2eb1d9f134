package types

import (
	"context"
	"encoding/json"
	"time"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

// CourseEnrollmentConfig filters subjects on enrollment details within the
// group's course.
type CourseEnrollmentConfig struct {
	Mode          string     `json:"mode,omitempty" validate:"omitempty,oneof=audit honor verified professional" desc:"Enrollment mode to match"`
	EnrolledSince *time.Time `json:"enrolled_since,omitempty" desc:"Only enrollments created on or after this time"`
}

// CourseEnrollment groups subjects by their enrollment rows in the scoped
// course. The operator applies to the mode field; enrolled_since is an
// additional lower bound when present.
type CourseEnrollment struct {
	base
}

func NewCourseEnrollment() *CourseEnrollment {
	return &CourseEnrollment{base: base{
		name:        "course_enrollment_v1",
		description: "Membership derived from course enrollment mode and date.",
		scopes:      []domain.ScopeType{domain.ScopeCourse},
		operators:   []criteria.Operator{criteria.OpEqual, criteria.OpNotEqual, criteria.OpIn, criteria.OpNotIn},
		source:      SourcePrimary,
		events:      []string{EventEnrollmentCreated, EventEnrollmentChanged},
		strategy:    criteria.StrategyEvent,
		selectivity: 0.5,
	}}
}

func (t *CourseEnrollment) ConfigSpec() any { return CourseEnrollmentConfig{} }

func (t *CourseEnrollment) ValidateConfig(raw json.RawMessage) error {
	var cfg CourseEnrollmentConfig
	if err := criteria.DecodeConfig(t.name, raw, &cfg); err != nil {
		return err
	}
	if cfg.Mode == "" && cfg.EnrolledSince == nil {
		return &criteria.ValidationError{Type: t.name, Err: errEmptyEnrollmentConfig}
	}
	return nil
}

func (t *CourseEnrollment) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg CourseEnrollmentConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	var filters []backends.Filter
	if cfg.Mode != "" {
		op, err := filterOp(ec.Operator)
		if err != nil {
			return nil, err
		}
		value := any(cfg.Mode)
		if ec.Operator == criteria.OpIn || ec.Operator == criteria.OpNotIn {
			value = []string{cfg.Mode}
		}
		filters = append(filters, backends.Filter{Field: "mode", Op: op, Value: value})
	}
	if cfg.EnrolledSince != nil {
		filters = append(filters, backends.Filter{Field: "created_at", Op: backends.FilterGte, Value: *cfg.EnrolledSince})
	}

	rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
		Source:   backends.SourceEnrollments,
		Filters:  filters,
		Subjects: ec.Subjects,
	})
	if err != nil {
		return nil, err
	}
	return rs.Materialize(ctx)
}

// EnrollmentModeConfig selects a single enrollment mode.
type EnrollmentModeConfig struct {
	Mode string `json:"mode" validate:"required,oneof=audit honor verified professional" desc:"Enrollment mode that partitions the course population"`
}

// EnrollmentMode partitions a course's population by enrollment mode. Two
// groups configured with equality on different modes are provably disjoint,
// so this type drives automatic exclusivity-domain detection.
type EnrollmentMode struct {
	base
}

func NewEnrollmentMode() *EnrollmentMode {
	return &EnrollmentMode{base: base{
		name:        "enrollment_mode_v1",
		description: "Membership determined by the subject's enrollment mode.",
		scopes:      []domain.ScopeType{domain.ScopeCourse},
		operators:   []criteria.Operator{criteria.OpEqual, criteria.OpNotEqual},
		source:      SourcePrimary,
		events:      []string{EventEnrollmentCreated, EventEnrollmentChanged},
		strategy:    criteria.StrategyEvent,
		selectivity: 0.4,
	}}
}

func (t *EnrollmentMode) ConfigSpec() any { return EnrollmentModeConfig{} }

func (t *EnrollmentMode) ValidateConfig(raw json.RawMessage) error {
	var cfg EnrollmentModeConfig
	return criteria.DecodeConfig(t.name, raw, &cfg)
}

func (t *EnrollmentMode) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg EnrollmentModeConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	op, err := filterOp(ec.Operator)
	if err != nil {
		return nil, err
	}
	rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
		Source:   backends.SourceEnrollments,
		Filters:  []backends.Filter{{Field: "mode", Op: op, Value: cfg.Mode}},
		Subjects: ec.Subjects,
	})
	if err != nil {
		return nil, err
	}
	return rs.Materialize(ctx)
}

// MembershipHint predicts the subject's membership from the event's mode
// field, letting the orchestrator skip refreshes that cannot change anything.
func (t *EnrollmentMode) MembershipHint(_ string, data map[string]any, op criteria.Operator, raw json.RawMessage) (bool, bool) {
	mode, ok := data["mode"].(string)
	if !ok || mode == "" {
		return false, false
	}
	var cfg EnrollmentModeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false, false
	}
	member := mode == cfg.Mode
	if op == criteria.OpNotEqual {
		member = !member
	}
	return member, true
}

// PartitionValue exposes the mode as a partition key for equality criteria.
func (t *EnrollmentMode) PartitionValue(op criteria.Operator, raw json.RawMessage) (string, bool) {
	if op != criteria.OpEqual {
		return "", false
	}
	var cfg EnrollmentModeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.Mode == "" {
		return "", false
	}
	return "mode=" + cfg.Mode, true
}

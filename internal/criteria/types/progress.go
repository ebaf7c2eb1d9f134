package types

import (
	"context"
	"encoding/json"
	"time"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

// CourseProgressConfig compares a subject's completion percentage in the
// scoped course against a threshold.
type CourseProgressConfig struct {
	Percent float64 `json:"percent" validate:"gte=0,lte=100" desc:"Completion percentage threshold"`
}

// CourseProgress groups subjects by course completion. Progress lives in the
// analytics pipeline, not the relational store, so evaluation goes through
// the analytics backend and can fail with a retryable data_unavailable error
// when the pipeline is down.
type CourseProgress struct {
	base
}

func NewCourseProgress() *CourseProgress {
	return &CourseProgress{base: base{
		name:        "course_progress_v1",
		description: "Membership determined by course completion percentage.",
		scopes:      []domain.ScopeType{domain.ScopeCourse},
		operators: []criteria.Operator{
			criteria.OpGreaterThan, criteria.OpGreaterThanOrEqual,
			criteria.OpLessThan, criteria.OpLessThanOrEqual,
		},
		source:      SourceAnalytics,
		strategy:    criteria.StrategyScheduled,
		interval:    6 * time.Hour,
		selectivity: 0.5,
	}}
}

func (t *CourseProgress) ConfigSpec() any { return CourseProgressConfig{} }

func (t *CourseProgress) ValidateConfig(raw json.RawMessage) error {
	var cfg CourseProgressConfig
	return criteria.DecodeConfig(t.name, raw, &cfg)
}

func (t *CourseProgress) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg CourseProgressConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	op, err := filterOp(ec.Operator)
	if err != nil {
		return nil, err
	}
	rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
		Source:   backends.SourceProgress,
		Filters:  []backends.Filter{{Field: "percent", Op: op, Value: cfg.Percent}},
		Subjects: ec.Subjects,
	})
	if err != nil {
		return nil, err
	}
	return rs.Materialize(ctx)
}

package types

import (
	"context"
	"encoding/json"
	"time"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

// ProfileCountryConfig selects subjects whose profile country is in (or not
// in) the given set.
type ProfileCountryConfig struct {
	Countries []string `json:"countries" validate:"required,min=1,dive,iso3166_1_alpha2" desc:"ISO 3166-1 alpha-2 country codes"`
}

// ProfileCountry groups subjects by profile country. Country changes emit no
// platform event, so the type refreshes on a daily sweep.
type ProfileCountry struct {
	base
}

func NewProfileCountry() *ProfileCountry {
	return &ProfileCountry{base: base{
		name:        "profile_country_v1",
		description: "Membership determined by the subject's profile country.",
		scopes:      allScopes,
		operators:   []criteria.Operator{criteria.OpIn, criteria.OpNotIn},
		source:      SourcePrimary,
		strategy:    criteria.StrategyScheduled,
		interval:    24 * time.Hour,
		selectivity: 0.3,
	}}
}

func (t *ProfileCountry) ConfigSpec() any { return ProfileCountryConfig{} }

func (t *ProfileCountry) ValidateConfig(raw json.RawMessage) error {
	var cfg ProfileCountryConfig
	return criteria.DecodeConfig(t.name, raw, &cfg)
}

func (t *ProfileCountry) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg ProfileCountryConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	op, err := filterOp(ec.Operator)
	if err != nil {
		return nil, err
	}
	rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
		Source:   backends.SourceUsers,
		Filters:  []backends.Filter{{Field: "country", Op: op, Value: cfg.Countries}},
		Subjects: ec.Subjects,
	})
	if err != nil {
		return nil, err
	}
	return rs.Materialize(ctx)
}

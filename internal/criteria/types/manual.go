package types

import (
	"context"
	"encoding/json"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
	pstrings "cohort/pkg/platform/strings"
)

// ManualConfig pins a group's membership to an explicit list of usernames or
// email addresses.
type ManualConfig struct {
	UsernamesOrEmails []string `json:"usernames_or_emails" validate:"required,min=1,dive,min=1" desc:"Usernames or email addresses to include"`
}

// Manual pushes a fixed list of subjects into a group. Administrators use it
// for hand-curated groups; it never refreshes on events or schedules.
type Manual struct {
	base
}

func NewManual() *Manual {
	return &Manual{base: base{
		name:        "manual_v1",
		description: "Membership pinned to an explicit list of usernames or emails.",
		scopes:      allScopes,
		operators:   []criteria.Operator{criteria.OpIn, criteria.OpNotIn},
		source:      SourcePrimary,
		strategy:    criteria.StrategyManual,
		selectivity: 0.05,
	}}
}

func (t *Manual) ConfigSpec() any { return ManualConfig{} }

func (t *Manual) ValidateConfig(raw json.RawMessage) error {
	var cfg ManualConfig
	return criteria.DecodeConfig(t.name, raw, &cfg)
}

func (t *Manual) Evaluate(ctx context.Context, ec criteria.EvalContext) (domain.SubjectSet, error) {
	var cfg ManualConfig
	if err := json.Unmarshal(ec.Config, &cfg); err != nil {
		return nil, &criteria.ValidationError{Type: t.name, Err: err}
	}

	// Usernames and emails match case-insensitively; normalize the list
	// before querying so duplicates and padding do not skew filters.
	entries := pstrings.DedupeAndTrimLower(cfg.UsernamesOrEmails)

	// A listed entry may be either a username or an email, so both fields
	// are queried and the results unioned.
	op := backends.FilterIn
	if ec.Operator == criteria.OpNotIn {
		op = backends.FilterNotIn
	}

	result := make(domain.SubjectSet)
	for _, field := range []string{"username", "email"} {
		rs, err := ec.Backend.Fetch(ctx, ec.Scope, backends.Query{
			Source:   backends.SourceUsers,
			Filters:  []backends.Filter{{Field: field, Op: op, Value: entries}},
			Subjects: ec.Subjects,
		})
		if err != nil {
			return nil, err
		}
		set, err := rs.Materialize(ctx)
		if err != nil {
			return nil, err
		}
		if ec.Operator == criteria.OpNotIn {
			// not_in must hold for both fields; intersect instead of union.
			if result.Len() == 0 && field == "username" {
				result = set
			} else {
				result = result.Intersect(set)
			}
			continue
		}
		result = result.Union(set)
	}
	return result, nil
}

package types

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort/internal/backends"
	"cohort/internal/backends/memorybackend"
	"cohort/internal/criteria"
	"cohort/pkg/domain"
)

var courseScope = domain.Scope{Type: domain.ScopeCourse, Resource: "course-v1:Org+CS101+2026"}

func seedEnrollments(b *memorybackend.Backend, modes map[domain.SubjectID]string) {
	for sid, mode := range modes {
		b.AddRecord(backends.SourceEnrollments, memorybackend.Record{
			Subject: sid,
			Fields: map[string]any{
				"course":     courseScope.Resource,
				"mode":       mode,
				"created_at": time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			},
		})
	}
}

func TestEnrollmentModeEvaluate(t *testing.T) {
	audit := domain.NewSubjectID()
	verified := domain.NewSubjectID()
	backend := memorybackend.New(SourcePrimary)
	seedEnrollments(backend, map[domain.SubjectID]string{
		audit:    "audit",
		verified: "verified",
	})

	ct := NewEnrollmentMode()
	set, err := ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    courseScope,
		Operator: criteria.OpEqual,
		Config:   json.RawMessage(`{"mode":"verified"}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.True(t, set.Contains(verified))
	assert.False(t, set.Contains(audit))

	set, err = ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    courseScope,
		Operator: criteria.OpNotEqual,
		Config:   json.RawMessage(`{"mode":"verified"}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.True(t, set.Contains(audit))
	assert.False(t, set.Contains(verified))
}

func TestEnrollmentModePartitionValue(t *testing.T) {
	ct := NewEnrollmentMode()

	v, ok := ct.PartitionValue(criteria.OpEqual, json.RawMessage(`{"mode":"audit"}`))
	require.True(t, ok)
	assert.Equal(t, "mode=audit", v)

	_, ok = ct.PartitionValue(criteria.OpNotEqual, json.RawMessage(`{"mode":"audit"}`))
	assert.False(t, ok, "negation does not partition")
}

func TestEnrollmentModeMembershipHint(t *testing.T) {
	ct := NewEnrollmentMode()
	cfg := json.RawMessage(`{"mode":"verified"}`)

	member, ok := ct.MembershipHint("user.enrollment.changed.v1",
		map[string]any{"mode": "verified"}, criteria.OpEqual, cfg)
	require.True(t, ok)
	assert.True(t, member)

	member, ok = ct.MembershipHint("user.enrollment.changed.v1",
		map[string]any{"mode": "audit"}, criteria.OpEqual, cfg)
	require.True(t, ok)
	assert.False(t, member)

	_, ok = ct.MembershipHint("user.enrollment.changed.v1",
		map[string]any{}, criteria.OpEqual, cfg)
	assert.False(t, ok, "payload without mode gives no hint")
}

func TestCourseEnrollmentConfigValidation(t *testing.T) {
	ct := NewCourseEnrollment()

	require.NoError(t, ct.ValidateConfig(json.RawMessage(`{"mode":"audit"}`)))
	require.NoError(t, ct.ValidateConfig(json.RawMessage(`{"enrolled_since":"2026-01-01T00:00:00Z"}`)))

	var valErr *criteria.ValidationError
	err := ct.ValidateConfig(json.RawMessage(`{}`))
	require.ErrorAs(t, err, &valErr)

	err = ct.ValidateConfig(json.RawMessage(`{"mode":"premium"}`))
	require.ErrorAs(t, err, &valErr)
}

func TestLastLoginEvaluate(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	recent := domain.NewSubjectID()
	stale := domain.NewSubjectID()

	backend := memorybackend.New(SourcePrimary)
	backend.AddRecord(backends.SourceUsers, memorybackend.Record{
		Subject: recent,
		Fields:  map[string]any{"last_login": now.Add(-2 * 24 * time.Hour)},
	})
	backend.AddRecord(backends.SourceUsers, memorybackend.Record{
		Subject: stale,
		Fields:  map[string]any{"last_login": now.Add(-40 * 24 * time.Hour)},
	})

	ct := NewLastLogin()
	ct.now = func() time.Time { return now }

	// "days since last login > 30" keeps only stale subjects.
	set, err := ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    domain.InstanceScope,
		Operator: criteria.OpGreaterThan,
		Config:   json.RawMessage(`{"days":30}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.True(t, set.Contains(stale))
	assert.False(t, set.Contains(recent))

	// "days since last login < 30" keeps only recent subjects.
	set, err = ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    domain.InstanceScope,
		Operator: criteria.OpLessThan,
		Config:   json.RawMessage(`{"days":30}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.True(t, set.Contains(recent))
	assert.False(t, set.Contains(stale))
}

func TestManualEvaluate(t *testing.T) {
	alice := domain.NewSubjectID()
	bob := domain.NewSubjectID()

	backend := memorybackend.New(SourcePrimary)
	backend.AddRecord(backends.SourceUsers, memorybackend.Record{
		Subject: alice,
		Fields:  map[string]any{"username": "alice", "email": "alice@example.com"},
	})
	backend.AddRecord(backends.SourceUsers, memorybackend.Record{
		Subject: bob,
		Fields:  map[string]any{"username": "bob", "email": "bob@example.com"},
	})

	ct := NewManual()
	set, err := ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    domain.InstanceScope,
		Operator: criteria.OpIn,
		Config:   json.RawMessage(`{"usernames_or_emails":["alice","charlie@example.com"]}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.True(t, set.Contains(alice))
	assert.False(t, set.Contains(bob))

	set, err = ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    domain.InstanceScope,
		Operator: criteria.OpNotIn,
		Config:   json.RawMessage(`{"usernames_or_emails":["alice"]}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.False(t, set.Contains(alice))
	assert.True(t, set.Contains(bob))
}

func TestStaffStatusEvaluate(t *testing.T) {
	staff := domain.NewSubjectID()
	learner := domain.NewSubjectID()

	backend := memorybackend.New(SourcePrimary)
	backend.AddRecord(backends.SourceUsers, memorybackend.Record{
		Subject: staff,
		Fields:  map[string]any{"is_staff": true},
	})
	backend.AddRecord(backends.SourceUsers, memorybackend.Record{
		Subject: learner,
		Fields:  map[string]any{"is_staff": false},
	})

	ct := NewStaffStatus()
	set, err := ct.Evaluate(context.Background(), criteria.EvalContext{
		Scope:    domain.InstanceScope,
		Operator: criteria.OpNotEqual,
		Config:   json.RawMessage(`{"is_staff":true}`),
		Backend:  backend,
	})
	require.NoError(t, err)
	assert.True(t, set.Contains(learner))
	assert.False(t, set.Contains(staff))
}

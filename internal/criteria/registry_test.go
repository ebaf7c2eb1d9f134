package criteria_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort/internal/criteria"
	"cohort/internal/criteria/types"
)

func buildRegistry(t *testing.T) *criteria.Registry {
	t.Helper()
	b := criteria.NewBuilder()
	require.NoError(t, types.RegisterBuiltins(b))
	return b.Build()
}

func TestRegistryResolve(t *testing.T) {
	reg := buildRegistry(t)

	ct, err := reg.Resolve("enrollment_mode_v1")
	require.NoError(t, err)
	assert.Equal(t, "enrollment_mode_v1", ct.Name())

	_, err = reg.Resolve("no_such_type_v9")
	var unresolved *criteria.UnresolvedTypeError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "no_such_type_v9", unresolved.Name)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	b := criteria.NewBuilder()
	require.NoError(t, types.RegisterBuiltins(b))

	err := types.RegisterBuiltins(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryEventIndex(t *testing.T) {
	reg := buildRegistry(t)

	names := reg.TypesForEvent(types.EventEnrollmentChanged)
	assert.Contains(t, names, "course_enrollment_v1")
	assert.Contains(t, names, "enrollment_mode_v1")

	assert.Nil(t, reg.TypesForEvent("user.unknown.v1"))
	assert.NotEmpty(t, reg.EventTypes())
}

func TestRegistryTypesForScope(t *testing.T) {
	reg := buildRegistry(t)

	for _, ct := range reg.TypesForScope("course") {
		found := false
		for _, s := range ct.Scopes() {
			if string(s) == "course" {
				found = true
			}
		}
		assert.True(t, found, "type %s listed for course scope it does not support", ct.Name())
	}
}

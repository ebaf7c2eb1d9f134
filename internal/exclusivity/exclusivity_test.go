package exclusivity_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort/internal/criteria"
	"cohort/internal/criteria/types"
	"cohort/internal/exclusivity"
	"cohort/internal/groups"
	"cohort/pkg/domain"
)

var course = domain.Scope{Type: domain.ScopeCourse, Resource: "course-v1:Org+CS101+2026"}

func registry(t *testing.T) *criteria.Registry {
	t.Helper()
	b := criteria.NewBuilder()
	require.NoError(t, types.RegisterBuiltins(b))
	return b.Build()
}

func modeGroup(mode string, op criteria.Operator) *groups.Group {
	return &groups.Group{
		ID:    domain.NewGroupID(),
		Name:  "mode " + mode,
		Scope: course,
		Rules: &groups.Node{
			Kind: groups.NodeLeaf,
			Leaf: &groups.Criterion{
				Type:     "enrollment_mode_v1",
				Operator: op,
				Config:   json.RawMessage(`{"mode":"` + mode + `"}`),
			},
		},
	}
}

func TestDetectDomainsDisjointModes(t *testing.T) {
	reg := registry(t)
	audit := modeGroup("audit", criteria.OpEqual)
	verified := modeGroup("verified", criteria.OpEqual)
	honor := modeGroup("honor", criteria.OpEqual)

	domains := exclusivity.DetectDomains([]*groups.Group{audit, verified, honor}, reg)
	require.Len(t, domains, 1)
	assert.ElementsMatch(t, []domain.GroupID{audit.ID, verified.ID, honor.ID}, domains[0])
}

func TestDetectDomainsSkipsRepeatedValues(t *testing.T) {
	reg := registry(t)
	audit1 := modeGroup("audit", criteria.OpEqual)
	audit2 := modeGroup("audit", criteria.OpEqual)
	verified := modeGroup("verified", criteria.OpEqual)

	// Two groups selecting the same mode are not disjoint from each other,
	// so neither can join a proven domain; one distinct value is not enough.
	domains := exclusivity.DetectDomains([]*groups.Group{audit1, audit2, verified}, reg)
	assert.Empty(t, domains)
}

func TestDetectDomainsIgnoresNegationAndTrees(t *testing.T) {
	reg := registry(t)
	negated := modeGroup("audit", criteria.OpNotEqual)
	verified := modeGroup("verified", criteria.OpEqual)
	tree := &groups.Group{
		ID:    domain.NewGroupID(),
		Scope: course,
		Rules: &groups.Node{
			Kind:     groups.NodeAnd,
			Children: []*groups.Node{modeGroup("honor", criteria.OpEqual).Rules},
		},
	}

	domains := exclusivity.DetectDomains([]*groups.Group{negated, verified, tree}, reg)
	assert.Empty(t, domains, "only single-leaf equality criteria partition provably")
}

func TestVerifyDisjoint(t *testing.T) {
	cid := domain.NewCollectionID()
	g1 := domain.NewGroupID()
	g2 := domain.NewGroupID()
	shared := domain.NewSubjectID()

	t.Run("disjoint sets pass", func(t *testing.T) {
		err := exclusivity.VerifyDisjoint(cid, map[domain.GroupID]domain.SubjectSet{
			g1: domain.NewSubjectSet(domain.NewSubjectID()),
			g2: domain.NewSubjectSet(domain.NewSubjectID()),
		})
		require.NoError(t, err)
	})

	t.Run("overlap reports the conflict", func(t *testing.T) {
		err := exclusivity.VerifyDisjoint(cid, map[domain.GroupID]domain.SubjectSet{
			g1: domain.NewSubjectSet(shared),
			g2: domain.NewSubjectSet(shared, domain.NewSubjectID()),
		})
		var conflict *exclusivity.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, cid, conflict.CollectionID)
		assert.Equal(t, shared, conflict.Subject)
		assert.ElementsMatch(t, []domain.GroupID{g1, g2}, conflict.Groups)
	})
}

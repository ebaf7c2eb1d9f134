// Package exclusivity enforces that a subject belongs to at most one group
// per collection. Automatic collections are detected from configuration that
// is provably disjoint; manual collections are verified at commit time.
package exclusivity

import (
	"fmt"
	"sort"
	"strings"

	"cohort/internal/criteria"
	"cohort/internal/groups"
	"cohort/pkg/domain"
)

// ConflictError reports a subject matching more than one group of a manual
// collection. The colliding collection's commit is aborted; other work in
// the same batch proceeds.
type ConflictError struct {
	CollectionID domain.CollectionID
	Subject      domain.SubjectID
	Groups       []domain.GroupID
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Groups))
	for i, g := range e.Groups {
		names[i] = g.String()
	}
	return fmt.Sprintf("subject %s matches %d groups of collection %s: %s",
		e.Subject, len(e.Groups), e.CollectionID, strings.Join(names, ", "))
}

// DetectDomains returns sets of groups that are provably mutually disjoint
// from configuration alone. The analysis is deliberately conservative: only
// single-criterion groups whose type partitions subjects by equality on one
// field qualify, and only when every group in the set selects a distinct
// partition value. Anything the analysis cannot prove stays in the default
// collection.
func DetectDomains(gs []*groups.Group, reg *criteria.Registry) [][]domain.GroupID {
	type candidate struct {
		group domain.GroupID
		value string
	}
	// Partition candidates by (criterion type, scope is already fixed by
	// the caller). Distinct partition values of the same type are
	// disjoint by construction.
	byType := make(map[string][]candidate)
	for _, g := range gs {
		if g.Rules == nil || g.Rules.Kind != groups.NodeLeaf {
			continue
		}
		leaf := g.Rules.Leaf
		t, err := reg.Resolve(leaf.Type)
		if err != nil {
			continue
		}
		p, ok := t.(criteria.Partitioner)
		if !ok {
			continue
		}
		value, ok := p.PartitionValue(leaf.Operator, leaf.Config)
		if !ok {
			continue
		}
		byType[leaf.Type] = append(byType[leaf.Type], candidate{group: g.ID, value: value})
	}

	typeNames := make([]string, 0, len(byType))
	for name := range byType {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	var out [][]domain.GroupID
	for _, name := range typeNames {
		cands := byType[name]
		// A repeated partition value breaks the disjointness proof for
		// every group carrying it.
		counts := make(map[string]int, len(cands))
		for _, c := range cands {
			counts[c.value]++
		}
		var members []domain.GroupID
		for _, c := range cands {
			if counts[c.value] == 1 {
				members = append(members, c.group)
			}
		}
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].String() < members[j].String()
		})
		out = append(out, members)
	}
	return out
}

// VerifyDisjoint checks the freshly evaluated member sets of a collection's
// groups for overlap before commit. Groups of the collection absent from
// the batch were not re-evaluated and keep their previous membership; the
// orchestrator always refreshes domain siblings together, so absence means
// the group was skipped (frozen, disabled) and its rows are untouched.
func VerifyDisjoint(collectionID domain.CollectionID, members map[domain.GroupID]domain.SubjectSet) error {
	owners := make(map[domain.SubjectID][]domain.GroupID)
	for gid, set := range members {
		for sid := range set {
			owners[sid] = append(owners[sid], gid)
		}
	}
	for sid, gids := range owners {
		if len(gids) > 1 {
			sort.Slice(gids, func(i, j int) bool { return gids[i].String() < gids[j].String() })
			return &ConflictError{CollectionID: collectionID, Subject: sid, Groups: gids}
		}
	}
	return nil
}

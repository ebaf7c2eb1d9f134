package refresh

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cohort/internal/criteria"
	"cohort/internal/criteria/types"
	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/pkg/domain"
)

func newScheduler(t *testing.T, f *orchFixture, now time.Time) *Scheduler {
	t.Helper()
	b := criteria.NewBuilder()
	require.NoError(t, types.RegisterBuiltins(b))
	s := NewScheduler(f.groupStore, f.members, b.Build(), f.orch, time.Minute, slog.New(slog.DiscardHandler))
	s.clock = func() time.Time { return now }
	return s
}

func scheduledGroup(t *testing.T, f *orchFixture, name string, override time.Duration) *groups.Group {
	t.Helper()
	g := &groups.Group{
		ID:              domain.NewGroupID(),
		Name:            name,
		Scope:           courseScope(),
		Enabled:         true,
		RefreshInterval: override,
		Rules: &groups.Node{
			Kind: groups.NodeLeaf,
			Leaf: &groups.Criterion{
				Type:     "course_progress_v1",
				Operator: criteria.OpGreaterThanOrEqual,
				Config:   json.RawMessage(`{"percent":50}`),
			},
		},
	}
	require.NoError(t, f.groupStore.Create(context.Background(), g))
	return g
}

func nextTrigger(t *testing.T, f *orchFixture) *Trigger {
	t.Helper()
	select {
	case tr := <-f.orch.queue:
		return tr
	case <-time.After(time.Second):
		t.Fatal("expected a trigger on the queue")
		return nil
	}
}

func TestSweepEnqueuesNeverRefreshedGroups(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()
	s := newScheduler(t, f, now)

	g1 := scheduledGroup(t, f, "progress-a", 0)
	g2 := scheduledGroup(t, f, "progress-b", 0)

	s.Sweep(context.Background())

	tr := nextTrigger(t, f)
	require.Equal(t, KindScheduled, tr.Kind)
	require.Equal(t, now, tr.DueAt)
	require.ElementsMatch(t, []domain.GroupID{g1.ID, g2.ID}, tr.Groups,
		"due groups of one scope batch into one trigger")
	require.Empty(t, f.orch.queue)
}

func TestSweepSkipsRecentlyRefreshed(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()
	s := newScheduler(t, f, now)
	g := scheduledGroup(t, f, "progress", 0)

	// course_progress_v1 defaults to 6h; last refresh was 1h ago.
	require.NoError(t, f.members.CommitRefresh(context.Background(), []membership.Change{{
		GroupID:     g.ID,
		Members:     domain.NewSubjectSet(),
		RefreshedAt: now.Add(-time.Hour),
	}}))

	s.Sweep(context.Background())
	require.Empty(t, f.orch.queue)
}

func TestSweepHonorsIntervalOverride(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()
	s := newScheduler(t, f, now)
	g := scheduledGroup(t, f, "progress", 30*time.Minute)

	require.NoError(t, f.members.CommitRefresh(context.Background(), []membership.Change{{
		GroupID:     g.ID,
		Members:     domain.NewSubjectSet(),
		RefreshedAt: now.Add(-time.Hour),
	}}))

	s.Sweep(context.Background())

	tr := nextTrigger(t, f)
	require.Equal(t, []domain.GroupID{g.ID}, tr.Groups)
}

func TestSweepIgnoresEventOnlyTypesWithoutOverride(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()
	s := newScheduler(t, f, now)
	modeGroup(t, f, "verified", "verified")

	s.Sweep(context.Background())
	require.Empty(t, f.orch.queue)
}

func TestSweepSkipsFrozenAndRestrictedGroups(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	s := newScheduler(t, f, now)

	frozen := scheduledGroup(t, f, "frozen", 0)
	frozen.Frozen = true
	require.NoError(t, f.groupStore.Update(ctx, frozen))

	manualOnly := scheduledGroup(t, f, "manual-only", 0)
	manualOnly.UpdateMethod = groups.UpdateManualOnly
	require.NoError(t, f.groupStore.Update(ctx, manualOnly))

	s.Sweep(ctx)
	require.Empty(t, f.orch.queue)
}

func TestSweepSuppressesDuplicateTriggers(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()
	s := newScheduler(t, f, now)
	scheduledGroup(t, f, "progress", 0)

	s.Sweep(context.Background())
	s.Sweep(context.Background())

	nextTrigger(t, f)
	require.Empty(t, f.orch.queue, "second sweep must not re-enqueue a queued group")
}

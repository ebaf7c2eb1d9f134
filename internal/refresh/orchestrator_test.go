package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/internal/criteria/types"
	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/internal/platform/config"
	"cohort/internal/refresh/metrics"
	"cohort/pkg/domain"
	"cohort/pkg/platform/sentinel"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

type fakeEvaluator struct {
	mu      sync.Mutex
	results map[domain.GroupID]domain.SubjectSet
	errs    map[domain.GroupID]error
	calls   map[domain.GroupID]int
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{
		results: make(map[domain.GroupID]domain.SubjectSet),
		errs:    make(map[domain.GroupID]error),
		calls:   make(map[domain.GroupID]int),
	}
}

func (f *fakeEvaluator) Evaluate(_ context.Context, g *groups.Group, _ []domain.SubjectID) (domain.SubjectSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[g.ID]++
	if err, ok := f.errs[g.ID]; ok {
		return nil, err
	}
	return f.results[g.ID].Clone(), nil
}

func (f *fakeEvaluator) callCount(id domain.GroupID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type orchFixture struct {
	orch       *Orchestrator
	groupStore *groups.InMemoryStore
	members    membership.Store
	eval       *fakeEvaluator
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	return newOrchFixtureWith(t, membership.NewInMemoryStore())
}

func newOrchFixtureWith(t *testing.T, members membership.Store) *orchFixture {
	t.Helper()

	b := criteria.NewBuilder()
	require.NoError(t, types.RegisterBuiltins(b))

	f := &orchFixture{
		groupStore: groups.NewInMemoryStore(),
		members:    members,
		eval:       newFakeEvaluator(),
	}
	f.orch = NewOrchestrator(
		f.groupStore,
		f.members,
		b.Build(),
		f.eval,
		newTestMetrics(),
		config.Refresh{
			Workers:          1,
			QueueSize:        16,
			LockTimeout:      500 * time.Millisecond,
			MaxEventAttempts: 2,
			RetryBaseDelay:   time.Millisecond,
		},
		slog.New(slog.DiscardHandler),
	)
	return f
}

func courseScope() domain.Scope {
	return domain.Scope{Type: domain.ScopeCourse, Resource: "course-101"}
}

func modeGroup(t *testing.T, f *orchFixture, name, mode string) *groups.Group {
	t.Helper()
	g := &groups.Group{
		ID:      domain.NewGroupID(),
		Name:    name,
		Scope:   courseScope(),
		Enabled: true,
		Rules: &groups.Node{
			Kind: groups.NodeLeaf,
			Leaf: &groups.Criterion{
				Type:     "enrollment_mode_v1",
				Operator: criteria.OpEqual,
				Config:   json.RawMessage(`{"mode":"` + mode + `"}`),
			},
		},
	}
	require.NoError(t, f.groupStore.Create(context.Background(), g))
	return g
}

// drain pulls the next trigger off the queue and runs it on the calling
// goroutine, which keeps the lifecycle deterministic in tests.
func (f *orchFixture) drain(t *testing.T) {
	t.Helper()
	select {
	case tr := <-f.orch.queue:
		f.orch.process(context.Background(), tr)
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger on queue")
	}
}

func TestManualRefreshCommits(t *testing.T) {
	f := newOrchFixture(t)
	g := modeGroup(t, f, "verified", "verified")
	a := domain.NewSubjectID()
	b := domain.NewSubjectID()
	f.eval.results[g.ID] = domain.NewSubjectSet(a, b)

	id, err := f.orch.RequestRefresh(context.Background(), []domain.GroupID{g.ID}, "api request")
	require.NoError(t, err)
	f.drain(t)

	snap, ok := f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, snap.Status)
	require.Equal(t, 1, snap.Groups)

	members, err := f.members.Members(context.Background(), g.ID)
	require.NoError(t, err)
	require.True(t, members.Contains(a))
	require.True(t, members.Contains(b))

	st, ok, err := f.members.State(context.Background(), g.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, st.MemberCount)
}

func TestIneligibleGroupsAreSkipped(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	disabled := modeGroup(t, f, "disabled", "audit")
	disabled.Enabled = false
	require.NoError(t, f.groupStore.Update(ctx, disabled))

	frozen := modeGroup(t, f, "frozen", "honor")
	frozen.Frozen = true
	require.NoError(t, f.groupStore.Update(ctx, frozen))

	eventOnly := modeGroup(t, f, "event-only", "verified")
	eventOnly.UpdateMethod = groups.UpdateEventOnly
	require.NoError(t, f.groupStore.Update(ctx, eventOnly))

	id, err := f.orch.RequestRefresh(ctx, []domain.GroupID{disabled.ID, frozen.ID, eventOnly.ID}, "bulk")
	require.NoError(t, err)
	f.drain(t)

	snap, ok := f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, snap.Status)
	require.Equal(t, 0, snap.Groups)
	require.Zero(t, f.eval.callCount(disabled.ID))
	require.Zero(t, f.eval.callCount(frozen.ID))
	require.Zero(t, f.eval.callCount(eventOnly.ID))
}

func TestScheduledSkipsAlreadyRefreshed(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	g := modeGroup(t, f, "verified", "verified")
	now := time.Now().UTC()

	// An event refresh committed after the sweep decided the group was due.
	require.NoError(t, f.members.CommitRefresh(ctx, []membership.Change{{
		GroupID:     g.ID,
		Members:     domain.NewSubjectSet(),
		RefreshedAt: now,
	}}))

	tr := &Trigger{
		Kind:   KindScheduled,
		Groups: []domain.GroupID{g.ID},
		DueAt:  now.Add(-time.Hour),
	}
	require.NoError(t, f.orch.Enqueue(tr))
	f.drain(t)

	snap, ok := f.orch.Status(tr.ID)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, snap.Status)
	require.Zero(t, f.eval.callCount(g.ID))
}

func TestCollectionConflictAbortsCollectionOnly(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	g1 := modeGroup(t, f, "audit", "audit")
	g2 := modeGroup(t, f, "honor", "honor")
	solo := modeGroup(t, f, "solo", "verified")
	require.NoError(t, f.groupStore.CreateCollection(ctx, &groups.Collection{
		ID:       domain.NewCollectionID(),
		Name:     "modes",
		GroupIDs: []domain.GroupID{g1.ID, g2.ID},
	}))

	shared := domain.NewSubjectID()
	f.eval.results[g1.ID] = domain.NewSubjectSet(shared)
	f.eval.results[g2.ID] = domain.NewSubjectSet(shared, domain.NewSubjectID())
	f.eval.results[solo.ID] = domain.NewSubjectSet(domain.NewSubjectID())

	// Targeting g1 alone must pull g2 in through the shared collection.
	id, err := f.orch.RequestRefresh(ctx, []domain.GroupID{g1.ID, solo.ID}, "conflict")
	require.NoError(t, err)
	f.drain(t)

	require.Equal(t, 1, f.eval.callCount(g2.ID), "collection sibling must be evaluated")

	snap, _ := f.orch.Status(id)
	require.Equal(t, StatusSucceeded, snap.Status, "unconstrained group still commits")

	soloMembers, err := f.members.Members(ctx, solo.ID)
	require.NoError(t, err)
	require.Equal(t, 1, soloMembers.Len())

	for _, gid := range []domain.GroupID{g1.ID, g2.ID} {
		members, err := f.members.Members(ctx, gid)
		require.NoError(t, err)
		require.Zero(t, members.Len(), "conflicting collection must not commit")
	}
}

func TestPermanentFailurePoisonsCollection(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	g1 := modeGroup(t, f, "audit", "audit")
	g2 := modeGroup(t, f, "honor", "honor")
	solo := modeGroup(t, f, "solo", "verified")
	require.NoError(t, f.groupStore.CreateCollection(ctx, &groups.Collection{
		ID:       domain.NewCollectionID(),
		Name:     "modes",
		GroupIDs: []domain.GroupID{g1.ID, g2.ID},
	}))

	f.eval.errs[g1.ID] = backends.NewError(backends.CategoryBadData, "primary", "bad row", nil)
	f.eval.results[g2.ID] = domain.NewSubjectSet(domain.NewSubjectID())
	f.eval.results[solo.ID] = domain.NewSubjectSet(domain.NewSubjectID())

	_, err := f.orch.RequestRefresh(ctx, []domain.GroupID{g1.ID, g2.ID, solo.ID}, "poison")
	require.NoError(t, err)
	f.drain(t)

	g2Members, err := f.members.Members(ctx, g2.ID)
	require.NoError(t, err)
	require.Zero(t, g2Members.Len(), "sibling of a failed group must not commit")

	soloMembers, err := f.members.Members(ctx, solo.ID)
	require.NoError(t, err)
	require.Equal(t, 1, soloMembers.Len())
}

func TestRetryableFailureRequeuesThenExhausts(t *testing.T) {
	f := newOrchFixture(t)
	g := modeGroup(t, f, "verified", "verified")
	f.eval.errs[g.ID] = backends.NewError(backends.CategoryDataUnavailable, "analytics", "down", nil)

	id, err := f.orch.RequestRefresh(context.Background(), []domain.GroupID{g.ID}, "flaky")
	require.NoError(t, err)
	f.drain(t)

	snap, ok := f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusPending, snap.Status)
	require.Equal(t, 2, snap.Attempt)

	// The backoff timer re-enqueues; the second attempt exhausts the budget.
	f.drain(t)

	snap, ok = f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusFailed, snap.Status)
	require.Contains(t, snap.Error, "data_unavailable")
}

func TestCancelPendingTrigger(t *testing.T) {
	f := newOrchFixture(t)
	g := modeGroup(t, f, "verified", "verified")
	f.eval.results[g.ID] = domain.NewSubjectSet(domain.NewSubjectID())

	id, err := f.orch.RequestRefresh(context.Background(), []domain.GroupID{g.ID}, "cancel me")
	require.NoError(t, err)
	require.True(t, f.orch.Cancel(id))
	f.drain(t)

	snap, ok := f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, snap.Status)
	require.Zero(t, f.eval.callCount(g.ID))

	require.False(t, f.orch.Cancel(id), "finished triggers are not cancellable")
}

func TestEventPrefilterSkipsNoopEvents(t *testing.T) {
	f := newOrchFixture(t)
	g := modeGroup(t, f, "verified", "verified")
	sid := domain.NewSubjectID()
	scope := courseScope()

	eventTrigger := func(mode string) *Trigger {
		return &Trigger{
			Kind:           KindEvent,
			EventType:      types.EventEnrollmentChanged,
			CriterionTypes: []string{"enrollment_mode_v1"},
			Subjects:       []domain.SubjectID{sid},
			Scope:          &scope,
			EventData:      map[string]any{"mode": mode},
		}
	}

	// Non-member switches to audit: provably still a non-member.
	tr := eventTrigger("audit")
	require.NoError(t, f.orch.Enqueue(tr))
	f.drain(t)
	require.Zero(t, f.eval.callCount(g.ID))

	snap, ok := f.orch.Status(tr.ID)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, snap.Status)
	require.Equal(t, 0, snap.Groups)

	// Non-member switches to verified: membership can change, so evaluate.
	f.eval.results[g.ID] = domain.NewSubjectSet(sid)
	tr = eventTrigger("verified")
	require.NoError(t, f.orch.Enqueue(tr))
	f.drain(t)
	require.Equal(t, 1, f.eval.callCount(g.ID))

	members, err := f.members.Members(context.Background(), g.ID)
	require.NoError(t, err)
	require.True(t, members.Contains(sid))
}

func TestEventRoutingIgnoresOtherScopes(t *testing.T) {
	f := newOrchFixture(t)
	g := modeGroup(t, f, "verified", "verified")
	other := domain.Scope{Type: domain.ScopeCourse, Resource: "course-999"}

	tr := &Trigger{
		Kind:           KindEvent,
		EventType:      types.EventEnrollmentChanged,
		CriterionTypes: []string{"enrollment_mode_v1"},
		Subjects:       []domain.SubjectID{domain.NewSubjectID()},
		Scope:          &other,
		EventData:      map[string]any{"mode": "verified"},
	}
	require.NoError(t, f.orch.Enqueue(tr))
	f.drain(t)

	require.Zero(t, f.eval.callCount(g.ID))
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.queue = make(chan *Trigger, 1)

	require.NoError(t, f.orch.Enqueue(&Trigger{Kind: KindManual}))
	err := f.orch.Enqueue(&Trigger{Kind: KindManual})
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestRepeatedRefreshIsIdempotent(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	g := modeGroup(t, f, "verified", "verified")
	f.eval.results[g.ID] = domain.NewSubjectSet(domain.NewSubjectID(), domain.NewSubjectID())

	_, err := f.orch.RequestRefresh(ctx, []domain.GroupID{g.ID}, "first")
	require.NoError(t, err)
	f.drain(t)

	first, err := f.members.Members(ctx, g.ID)
	require.NoError(t, err)

	id, err := f.orch.RequestRefresh(ctx, []domain.GroupID{g.ID}, "again")
	require.NoError(t, err)
	f.drain(t)

	snap, ok := f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, snap.Status)

	second, err := f.members.Members(ctx, g.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, first.IDs(), second.IDs(), "re-running the same refresh must not change membership")

	st, ok, err := f.members.State(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, st.MemberCount)
}

// flakyMembers refuses commits on demand and otherwise delegates.
type flakyMembers struct {
	membership.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyMembers) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyMembers) CommitRefresh(ctx context.Context, changes []membership.Change) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("write refused")
	}
	return s.Store.CommitRefresh(ctx, changes)
}

func TestFailedCommitLeavesMembershipUntouched(t *testing.T) {
	store := &flakyMembers{Store: membership.NewInMemoryStore()}
	f := newOrchFixtureWith(t, store)
	ctx := context.Background()
	g := modeGroup(t, f, "verified", "verified")
	keep := domain.NewSubjectID()
	f.eval.results[g.ID] = domain.NewSubjectSet(keep)

	_, err := f.orch.RequestRefresh(ctx, []domain.GroupID{g.ID}, "seed")
	require.NoError(t, err)
	f.drain(t)

	store.setFail(true)
	f.eval.results[g.ID] = domain.NewSubjectSet(domain.NewSubjectID())

	id, err := f.orch.RequestRefresh(ctx, []domain.GroupID{g.ID}, "doomed")
	require.NoError(t, err)
	f.drain(t)

	snap, ok := f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusPending, snap.Status, "a refused commit is retried")

	// The retry exhausts the attempt budget.
	f.drain(t)

	snap, ok = f.orch.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusFailed, snap.Status)

	members, err := f.members.Members(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, 1, members.Len())
	require.True(t, members.Contains(keep), "a failed commit must leave the old population in place")
}

// gatedEvaluator signals when an evaluation starts and holds it until
// released, so tests can observe what runs while a lock is held.
type gatedEvaluator struct {
	inner   Evaluator
	started chan struct{}
	release chan struct{}
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, grp *groups.Group, subjects []domain.SubjectID) (domain.SubjectSet, error) {
	g.started <- struct{}{}
	<-g.release
	return g.inner.Evaluate(ctx, grp, subjects)
}

func TestSameSubjectTriggersSerialize(t *testing.T) {
	f := newOrchFixture(t)
	gate := &gatedEvaluator{
		inner:   f.eval,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f.orch.eval = gate

	g := modeGroup(t, f, "verified", "verified")
	sid := domain.NewSubjectID()
	scope := courseScope()
	f.eval.results[g.ID] = domain.NewSubjectSet(sid)

	trigger := func() *Trigger {
		return &Trigger{
			Kind:           KindEvent,
			EventType:      types.EventEnrollmentChanged,
			CriterionTypes: []string{"enrollment_mode_v1"},
			Subjects:       []domain.SubjectID{sid},
			Scope:          &scope,
		}
	}
	t1 := trigger()
	t2 := trigger()
	require.NoError(t, f.orch.Enqueue(t1))
	require.NoError(t, f.orch.Enqueue(t2))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.process(context.Background(), <-f.orch.queue)
		}()
	}

	<-gate.started
	select {
	case <-gate.started:
		t.Fatal("second refresh evaluated while the subject lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	gate.release <- struct{}{}

	// Only now can the second trigger take the subject lock.
	<-gate.started
	gate.release <- struct{}{}
	wg.Wait()

	for _, tr := range []*Trigger{t1, t2} {
		snap, ok := f.orch.Status(tr.ID)
		require.True(t, ok)
		require.Equal(t, StatusSucceeded, snap.Status)
	}
	require.Equal(t, 2, f.eval.callCount(g.ID))
}

// recordingMembers captures the group set of every commit batch.
type recordingMembers struct {
	membership.Store
	mu      sync.Mutex
	batches [][]domain.GroupID
}

func (s *recordingMembers) CommitRefresh(ctx context.Context, changes []membership.Change) error {
	ids := make([]domain.GroupID, len(changes))
	for i, ch := range changes {
		ids[i] = ch.GroupID
	}
	s.mu.Lock()
	s.batches = append(s.batches, ids)
	s.mu.Unlock()
	return s.Store.CommitRefresh(ctx, changes)
}

func (s *recordingMembers) lastBatch() []domain.GroupID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[len(s.batches)-1]
}

func TestDomainSwitchCommitsAtomically(t *testing.T) {
	store := &recordingMembers{Store: membership.NewInMemoryStore()}
	f := newOrchFixtureWith(t, store)
	ctx := context.Background()

	honor := modeGroup(t, f, "honor", "honor")
	audit := modeGroup(t, f, "audit", "audit")
	require.NoError(t, f.groupStore.CreateCollection(ctx, &groups.Collection{
		ID:        domain.NewCollectionID(),
		Name:      "enrollment modes",
		Automatic: true,
		GroupIDs:  []domain.GroupID{honor.ID, audit.ID},
	}))

	sid := domain.NewSubjectID()
	f.eval.results[honor.ID] = domain.NewSubjectSet(sid)
	f.eval.results[audit.ID] = domain.NewSubjectSet()

	_, err := f.orch.RequestRefresh(ctx, []domain.GroupID{honor.ID}, "seed")
	require.NoError(t, err)
	f.drain(t)

	// The subject changes mode honor -> audit within one exclusivity domain.
	f.eval.results[honor.ID] = domain.NewSubjectSet()
	f.eval.results[audit.ID] = domain.NewSubjectSet(sid)

	scope := courseScope()
	tr := &Trigger{
		Kind:           KindEvent,
		EventType:      types.EventEnrollmentChanged,
		CriterionTypes: []string{"enrollment_mode_v1"},
		Subjects:       []domain.SubjectID{sid},
		Scope:          &scope,
	}
	require.NoError(t, f.orch.Enqueue(tr))
	f.drain(t)

	honorMembers, err := f.members.Members(ctx, honor.ID)
	require.NoError(t, err)
	require.False(t, honorMembers.Contains(sid))

	auditMembers, err := f.members.Members(ctx, audit.ID)
	require.NoError(t, err)
	require.True(t, auditMembers.Contains(sid))

	// The removal and the addition ride one commit batch.
	require.ElementsMatch(t, []domain.GroupID{honor.ID, audit.ID}, store.lastBatch())

	hs, ok, err := f.members.State(ctx, honor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	as, ok, err := f.members.State(ctx, audit.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hs.LastRefreshedAt, as.LastRefreshedAt)
}

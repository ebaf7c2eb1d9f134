// Package refresh coordinates membership re-evaluation: a bounded trigger
// queue, a worker pool, per-scope and per-subject locking, exclusivity
// verification and atomic commits.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"cohort/internal/backends"
	"cohort/internal/criteria"
	"cohort/internal/exclusivity"
	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/internal/platform/config"
	"cohort/internal/refresh/lock"
	"cohort/internal/refresh/metrics"
	"cohort/pkg/domain"
	"cohort/pkg/platform/sentinel"
)

// Evaluator computes a group's subject set. Satisfied by the evaluator
// package; an interface here keeps the orchestrator testable with fakes.
type Evaluator interface {
	Evaluate(ctx context.Context, g *groups.Group, subjects []domain.SubjectID) (domain.SubjectSet, error)
}

// CoordinationTimeoutError reports that a refresh could not take its locks
// within the configured bound. Event and manual triggers are requeued;
// scheduled ones are deferred to the next sweep.
type CoordinationTimeoutError struct {
	Key string
}

func (e *CoordinationTimeoutError) Error() string {
	return fmt.Sprintf("coordination lock on %q not acquired in time", e.Key)
}

// lockWidth bounds concurrent subject-level refreshes per scope. A bulk
// refresh acquires the full width, excluding them all.
const lockWidth = 1024

type Orchestrator struct {
	groupStore groups.Store
	members    membership.Store
	registry   *criteria.Registry
	eval       Evaluator
	locks      *lock.Keyed
	tracker    *Tracker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        config.Refresh
	queue      chan *Trigger
	clock      func() time.Time
}

func NewOrchestrator(
	groupStore groups.Store,
	members membership.Store,
	registry *criteria.Registry,
	eval Evaluator,
	m *metrics.Metrics,
	cfg config.Refresh,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		groupStore: groupStore,
		members:    members,
		registry:   registry,
		eval:       eval,
		locks:      lock.NewKeyed(lockWidth),
		tracker:    NewTracker(4096),
		metrics:    m,
		logger:     logger.With("component", "refresh"),
		cfg:        cfg,
		queue:      make(chan *Trigger, cfg.QueueSize),
		clock:      time.Now,
	}
}

// Tracker exposes trigger status for the transport layer.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Run processes triggers until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t := <-o.queue:
					o.metrics.QueueDepth.Dec()
					o.process(ctx, t)
				}
			}
		})
	}
	return g.Wait()
}

// Enqueue adds a trigger to the queue without blocking. A full queue is
// backpressure the caller has to surface, not absorb.
func (o *Orchestrator) Enqueue(t *Trigger) error {
	if t.ID.IsNil() {
		t.ID = domain.NewTriggerID()
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = o.clock()
	}
	o.tracker.Enqueued(t)
	select {
	case o.queue <- t:
		o.metrics.QueueDepth.Inc()
		return nil
	default:
		o.tracker.Failed(t.ID, "queue full")
		return fmt.Errorf("refresh queue full: %w", sentinel.ErrUnavailable)
	}
}

// RequestRefresh enqueues a manual trigger for the given groups.
func (o *Orchestrator) RequestRefresh(_ context.Context, groupIDs []domain.GroupID, reason string) (domain.TriggerID, error) {
	t := &Trigger{
		Kind:   KindManual,
		Groups: groupIDs,
		Reason: reason,
	}
	if err := o.Enqueue(t); err != nil {
		return domain.TriggerID{}, err
	}
	return t.ID, nil
}

// Cancel requests cancellation of a pending trigger.
func (o *Orchestrator) Cancel(id domain.TriggerID) bool {
	return o.tracker.Cancel(id)
}

// Status returns the tracked state of a trigger.
func (o *Orchestrator) Status(id domain.TriggerID) (Snapshot, bool) {
	return o.tracker.Get(id)
}

func (o *Orchestrator) process(ctx context.Context, t *Trigger) {
	if o.tracker.CancelRequested(t.ID) {
		o.tracker.Transition(t.ID, StatusCancelled)
		o.metrics.TriggersTotal.WithLabelValues(string(t.Kind), "cancelled").Inc()
		return
	}
	start := o.clock()
	outcome := o.run(ctx, t)
	o.metrics.TriggersTotal.WithLabelValues(string(t.Kind), outcome).Inc()
	o.metrics.RefreshDuration.WithLabelValues(string(t.Kind)).Observe(o.clock().Sub(start).Seconds())
}

func (o *Orchestrator) run(ctx context.Context, t *Trigger) string {
	targets, err := o.resolveTargets(ctx, t)
	if err != nil {
		o.logger.Error("resolving trigger targets failed",
			"trigger_id", t.ID, "kind", string(t.Kind), "error", err)
		o.tracker.Failed(t.ID, err.Error())
		return "failed"
	}
	targets, err = o.expandCollections(ctx, t, targets)
	if err != nil {
		o.tracker.Failed(t.ID, err.Error())
		return "failed"
	}
	if len(targets) == 0 {
		o.tracker.Transition(t.ID, StatusSucceeded)
		return "noop"
	}
	o.tracker.SetGroups(t.ID, len(targets))

	release, err := o.acquireLocks(ctx, t, targets)
	if err != nil {
		o.metrics.CoordinationTimeouts.Inc()
		return o.handleTimeout(t)
	}
	defer release()

	o.tracker.Transition(t.ID, StatusEvaluating)
	results, failedCollections, retry := o.evaluate(ctx, t, targets)
	if retry != nil {
		return o.requeue(t, "data_unavailable", retry)
	}

	o.tracker.Transition(t.ID, StatusCommitting)
	changes, conflicts := o.buildChanges(ctx, t, targets, results, failedCollections)
	if len(changes) > 0 {
		if err := o.members.CommitRefresh(ctx, changes); err != nil {
			return o.requeue(t, "commit_failed", err)
		}
		o.metrics.GroupsRefreshed.Add(float64(len(changes)))
	}

	switch {
	case len(changes) > 0:
		o.tracker.Transition(t.ID, StatusSucceeded)
		o.logger.Info("refresh committed",
			"trigger_id", t.ID, "kind", string(t.Kind), "groups", len(changes), "attempt", t.Attempt)
		return "succeeded"
	case conflicts > 0 || len(failedCollections) > 0:
		o.tracker.Failed(t.ID, "no group could be committed")
		return "failed"
	default:
		o.tracker.Transition(t.ID, StatusSucceeded)
		return "noop"
	}
}

// resolveTargets turns a trigger into the concrete set of eligible groups:
// enabled, not frozen, update method permitting this trigger kind, and for
// scheduled triggers not already refreshed past the due time by an event.
func (o *Orchestrator) resolveTargets(ctx context.Context, t *Trigger) ([]*groups.Group, error) {
	var candidates []*groups.Group
	switch t.Kind {
	case KindEvent:
		list, err := o.groupStore.List(ctx, groups.Filter{
			EnabledOnly:    true,
			CriterionTypes: t.CriterionTypes,
		})
		if err != nil {
			return nil, err
		}
		candidates = list
	default:
		for _, id := range t.Groups {
			g, err := o.groupStore.Get(ctx, id)
			if err != nil {
				o.logger.Warn("trigger target not found", "trigger_id", t.ID, "group_id", id)
				continue
			}
			candidates = append(candidates, g)
		}
	}

	var out []*groups.Group
	for _, g := range candidates {
		if !o.eligible(ctx, t, g) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (o *Orchestrator) eligible(ctx context.Context, t *Trigger, g *groups.Group) bool {
	if !g.Enabled || g.Frozen {
		return false
	}
	if !g.UpdateMethod.Allows(string(t.Kind)) {
		return false
	}
	if t.Kind == KindEvent && t.Scope != nil {
		// Events bound to a resource only touch groups of that resource;
		// instance-wide groups see everything.
		if g.Scope.Type != domain.ScopeInstance && g.Scope != *t.Scope {
			return false
		}
	}
	if t.Kind == KindScheduled {
		// An event refresh that already ran past the due time wins over
		// the sweep.
		if st, ok, err := o.members.State(ctx, g.ID); err == nil && ok && !st.LastRefreshedAt.Before(t.DueAt) {
			return false
		}
	}
	if t.Kind == KindEvent && len(t.Subjects) == 1 && t.EventData != nil {
		if skip := o.prefilter(ctx, t, g); skip {
			o.logger.Debug("event cannot change membership, skipping",
				"trigger_id", t.ID, "group_id", g.ID)
			return false
		}
	}
	return true
}

// prefilter predicts from the event payload whether the subject's membership
// could change. Only single-criterion trees qualify; anything more complex
// is evaluated normally.
func (o *Orchestrator) prefilter(ctx context.Context, t *Trigger, g *groups.Group) bool {
	if g.Rules == nil || g.Rules.Kind != groups.NodeLeaf {
		return false
	}
	leaf := g.Rules.Leaf
	ct, err := o.registry.Resolve(leaf.Type)
	if err != nil {
		return false
	}
	p, ok := ct.(criteria.Prefilterer)
	if !ok {
		return false
	}
	predicted, ok := p.MembershipHint(t.EventType, t.EventData, leaf.Operator, leaf.Config)
	if !ok {
		return false
	}
	current, err := o.members.Members(ctx, g.ID)
	if err != nil {
		return false
	}
	return predicted == current.Contains(t.Subjects[0])
}

// expandCollections pulls in exclusivity-domain siblings so all groups
// sharing a collection are always evaluated against the same data.
func (o *Orchestrator) expandCollections(ctx context.Context, t *Trigger, targets []*groups.Group) ([]*groups.Group, error) {
	seen := make(map[domain.GroupID]struct{}, len(targets))
	for _, g := range targets {
		seen[g.ID] = struct{}{}
	}
	out := targets
	for _, g := range targets {
		if g.CollectionID.IsNil() {
			continue
		}
		c, err := o.groupStore.GetCollection(ctx, g.CollectionID)
		if err != nil {
			return nil, fmt.Errorf("fetching collection %s: %w", g.CollectionID, err)
		}
		for _, sid := range c.GroupIDs {
			if _, ok := seen[sid]; ok {
				continue
			}
			sibling, err := o.groupStore.Get(ctx, sid)
			if err != nil {
				return nil, fmt.Errorf("fetching collection member %s: %w", sid, err)
			}
			if !sibling.Enabled || sibling.Frozen {
				continue
			}
			seen[sid] = struct{}{}
			out = append(out, sibling)
		}
	}
	return out, nil
}

// acquireLocks takes the coordination locks in deterministic order within
// the configured bound. Subject-narrowed refreshes share the scope and hold
// their subjects exclusively; bulk refreshes hold the whole scope.
func (o *Orchestrator) acquireLocks(ctx context.Context, t *Trigger, targets []*groups.Group) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	defer cancel()

	scopes := make(map[string]struct{})
	for _, g := range targets {
		scopes[g.Scope.Key()] = struct{}{}
	}
	scopeKeys := make([]string, 0, len(scopes))
	for k := range scopes {
		scopeKeys = append(scopeKeys, k)
	}
	sort.Strings(scopeKeys)

	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	narrow := len(t.Subjects) > 0
	for _, key := range scopeKeys {
		var (
			rel func()
			err error
		)
		if narrow {
			rel, err = o.locks.AcquireShared(ctx, "scope:"+key)
		} else {
			rel, err = o.locks.AcquireExclusive(ctx, "scope:"+key)
		}
		if err != nil {
			releaseAll()
			return nil, &CoordinationTimeoutError{Key: key}
		}
		releases = append(releases, rel)
	}

	if narrow {
		subjectKeys := make([]string, len(t.Subjects))
		for i, sid := range t.Subjects {
			subjectKeys[i] = "subject:" + sid.String()
		}
		sort.Strings(subjectKeys)
		for _, key := range subjectKeys {
			rel, err := o.locks.AcquireExclusive(ctx, key)
			if err != nil {
				releaseAll()
				return nil, &CoordinationTimeoutError{Key: key}
			}
			releases = append(releases, rel)
		}
	}
	return releaseAll, nil
}

// evaluate runs the rule trees. A retryable backend failure aborts the whole
// trigger for retry; a permanent failure poisons only the failed group's
// collection so its siblings are not committed without it.
func (o *Orchestrator) evaluate(ctx context.Context, t *Trigger, targets []*groups.Group) (map[domain.GroupID]domain.SubjectSet, map[domain.CollectionID]struct{}, error) {
	results := make(map[domain.GroupID]domain.SubjectSet, len(targets))
	failed := make(map[domain.CollectionID]struct{})
	for _, g := range targets {
		set, err := o.eval.Evaluate(ctx, g, t.Subjects)
		if err != nil {
			if backends.IsRetryable(err) {
				return nil, nil, err
			}
			o.logger.Error("group evaluation failed",
				"trigger_id", t.ID, "group_id", g.ID, "error", err)
			failed[g.CollectionID] = struct{}{}
			continue
		}
		results[g.ID] = set
	}
	return results, failed, nil
}

// buildChanges verifies exclusivity per collection and assembles the commit
// batch. A conflicting collection is dropped whole; unconstrained groups and
// clean collections still commit.
func (o *Orchestrator) buildChanges(ctx context.Context, t *Trigger, targets []*groups.Group, results map[domain.GroupID]domain.SubjectSet, failedCollections map[domain.CollectionID]struct{}) ([]membership.Change, int) {
	byCollection := make(map[domain.CollectionID][]*groups.Group)
	for _, g := range targets {
		if _, ok := results[g.ID]; !ok {
			continue
		}
		byCollection[g.CollectionID] = append(byCollection[g.CollectionID], g)
	}

	now := o.clock()
	var changes []membership.Change
	conflicts := 0
	for cid, members := range byCollection {
		if _, poisoned := failedCollections[cid]; poisoned {
			o.logger.Warn("collection skipped after sibling failure",
				"trigger_id", t.ID, "collection_id", cid)
			continue
		}
		if !cid.IsNil() {
			sets := make(map[domain.GroupID]domain.SubjectSet, len(members))
			for _, g := range members {
				sets[g.ID] = results[g.ID]
			}
			if err := exclusivity.VerifyDisjoint(cid, sets); err != nil {
				conflicts++
				o.metrics.CollectionConflicts.Inc()
				if c, cerr := o.groupStore.GetCollection(ctx, cid); cerr == nil && c.Automatic {
					// Automatic domains are disjoint by construction; an
					// overlap means the detection proof is wrong.
					o.logger.Error("automatic exclusivity domain overlap",
						"trigger_id", t.ID, "collection_id", cid, "error", err)
				} else {
					o.logger.Warn("collection conflict, commit aborted",
						"trigger_id", t.ID, "collection_id", cid, "error", err)
				}
				continue
			}
		}
		for _, g := range members {
			changes = append(changes, membership.Change{
				GroupID:     g.ID,
				Members:     results[g.ID],
				Subjects:    t.Subjects,
				RefreshedAt: now,
			})
		}
	}
	return changes, conflicts
}

func (o *Orchestrator) handleTimeout(t *Trigger) string {
	if t.Kind == KindScheduled {
		// The next sweep re-detects the group as due.
		o.tracker.Failed(t.ID, "coordination timeout, deferred to next sweep")
		return "deferred"
	}
	return o.requeue(t, "coordination_timeout", &CoordinationTimeoutError{})
}

// requeue re-enqueues the trigger with exponential backoff until the attempt
// budget is exhausted, then drops it loudly.
func (o *Orchestrator) requeue(t *Trigger, reason string, cause error) string {
	if t.Attempt >= o.cfg.MaxEventAttempts {
		o.metrics.AttemptsExhausted.Inc()
		o.logger.Error("trigger dropped after exhausting attempts",
			"trigger_id", t.ID, "kind", string(t.Kind), "attempts", t.Attempt,
			"reason", reason, "error", cause)
		o.tracker.Failed(t.ID, fmt.Sprintf("%s after %d attempts: %v", reason, t.Attempt, cause))
		return "exhausted"
	}
	t.Attempt++
	o.metrics.RetriesTotal.WithLabelValues(reason).Inc()
	o.tracker.Requeued(t.ID, t.Attempt)
	delay := o.cfg.RetryBaseDelay << (t.Attempt - 2)
	o.logger.Warn("trigger requeued",
		"trigger_id", t.ID, "kind", string(t.Kind), "attempt", t.Attempt,
		"delay", delay, "reason", reason, "error", cause)
	time.AfterFunc(delay, func() {
		select {
		case o.queue <- t:
			o.metrics.QueueDepth.Inc()
		default:
			o.metrics.AttemptsExhausted.Inc()
			o.tracker.Failed(t.ID, "queue full on requeue")
		}
	})
	return "requeued"
}

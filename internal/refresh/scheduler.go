package refresh

import (
	"context"
	"log/slog"
	"time"

	"cohort/internal/criteria"
	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/pkg/domain"
)

// Scheduler sweeps for groups whose scheduled interval has elapsed and
// enqueues refresh triggers for them. Per-group interval overrides beat the
// criterion types' defaults; groups already refreshed by an event restart
// their countdown from that refresh.
type Scheduler struct {
	groupStore groups.Store
	members    membership.Store
	registry   *criteria.Registry
	orch       *Orchestrator
	resolution time.Duration
	logger     *slog.Logger
	clock      func() time.Time

	// lastEnqueued suppresses duplicate triggers while a previous sweep's
	// trigger is still queued.
	lastEnqueued map[domain.GroupID]time.Time
}

func NewScheduler(groupStore groups.Store, members membership.Store, registry *criteria.Registry, orch *Orchestrator, resolution time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		groupStore:   groupStore,
		members:      members,
		registry:     registry,
		orch:         orch,
		resolution:   resolution,
		logger:       logger.With("component", "scheduler"),
		clock:        time.Now,
		lastEnqueued: make(map[domain.GroupID]time.Time),
	}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep enqueues one scheduled trigger per scope covering all due groups.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock()
	list, err := s.groupStore.List(ctx, groups.Filter{EnabledOnly: true})
	if err != nil {
		s.logger.Error("sweep listing failed", "error", err)
		return
	}

	dueByScope := make(map[string][]domain.GroupID)
	for _, g := range list {
		if g.Frozen || !g.UpdateMethod.Allows(string(KindScheduled)) {
			continue
		}
		interval, ok := s.interval(g)
		if !ok {
			continue
		}
		if last, seen := s.lastEnqueued[g.ID]; seen && now.Sub(last) < interval {
			continue
		}
		st, refreshed, err := s.members.State(ctx, g.ID)
		if err != nil {
			s.logger.Warn("sweep state lookup failed", "group_id", g.ID, "error", err)
			continue
		}
		if refreshed && now.Sub(st.LastRefreshedAt) < interval {
			continue
		}
		dueByScope[g.Scope.Key()] = append(dueByScope[g.Scope.Key()], g.ID)
		s.lastEnqueued[g.ID] = now
	}

	for scopeKey, ids := range dueByScope {
		t := &Trigger{
			Kind:   KindScheduled,
			Groups: ids,
			Reason: "scheduled sweep",
			DueAt:  now,
		}
		if err := s.orch.Enqueue(t); err != nil {
			s.logger.Warn("sweep enqueue failed", "scope", scopeKey, "groups", len(ids), "error", err)
			for _, id := range ids {
				delete(s.lastEnqueued, id)
			}
			continue
		}
		s.logger.Debug("scheduled refresh enqueued",
			"trigger_id", t.ID, "scope", scopeKey, "groups", len(ids))
	}
}

// interval returns the group's effective scheduled interval: its override
// when set, otherwise the shortest default among its scheduled criterion
// types. Groups with no scheduled types and no override never sweep.
func (s *Scheduler) interval(g *groups.Group) (time.Duration, bool) {
	if g.RefreshInterval > 0 {
		return g.RefreshInterval, true
	}
	var min time.Duration
	for _, name := range g.Rules.CriterionTypes() {
		t, err := s.registry.Resolve(name)
		if err != nil {
			continue
		}
		switch t.RefreshStrategy() {
		case criteria.StrategyScheduled, criteria.StrategyMixed:
		default:
			continue
		}
		if d := t.DefaultInterval(); d > 0 && (min == 0 || d < min) {
			min = d
		}
	}
	return min, min > 0
}

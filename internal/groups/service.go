package groups

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cohort/internal/criteria"
	"cohort/pkg/domain"
	"cohort/pkg/platform/sentinel"
)

// Refresher accepts on-demand refresh requests. The orchestrator implements
// it; the indirection keeps group administration free of refresh plumbing.
type Refresher interface {
	RequestRefresh(ctx context.Context, groupIDs []domain.GroupID, reason string) (domain.TriggerID, error)
}

// DomainDetector computes provably disjoint group sets from saved
// configuration. Injected so group administration does not depend on the
// exclusivity package.
type DomainDetector func(groups []*Group, reg *criteria.Registry) [][]domain.GroupID

// Service owns group configuration: validation against the criterion type
// registry, persistence, lifecycle flags and collections.
type Service struct {
	store     Store
	registry  *criteria.Registry
	detect    DomainDetector
	refresher Refresher
	logger    *slog.Logger
}

func NewService(store Store, registry *criteria.Registry, detect DomainDetector, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		detect:   detect,
		logger:   logger.With("component", "groups"),
	}
}

// SetRefresher wires the refresh orchestrator after construction; the
// orchestrator itself needs the group store, so the dependency is circular
// at build time.
func (s *Service) SetRefresher(r Refresher) { s.refresher = r }

// Create validates and persists a new group. When evaluateNow is set, a
// manual refresh is requested immediately instead of waiting for the first
// scheduled sweep or event.
func (s *Service) Create(ctx context.Context, g *Group, evaluateNow bool) (*Group, error) {
	if g.ID.IsNil() {
		g.ID = domain.NewGroupID()
	}
	if g.UpdateMethod == "" {
		g.UpdateMethod = UpdateAny
	}
	if err := s.validate(g); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("group created",
		"group_id", g.ID, "name", g.Name, "scope", g.Scope.String())

	s.refreshAutomaticDomains(ctx, g.Scope)

	if evaluateNow && s.refresher != nil {
		if _, err := s.refresher.RequestRefresh(ctx, []domain.GroupID{g.ID}, "create"); err != nil {
			s.logger.Warn("immediate evaluation request failed",
				"group_id", g.ID, "error", err)
		}
	}
	return g, nil
}

// Update replaces a group's name, description and rule tree. Rule changes on
// a frozen group are rejected; unfreeze first.
func (s *Service) Update(ctx context.Context, id domain.GroupID, name, description string, rules *Node) (*Group, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Frozen && rules != nil {
		return nil, fmt.Errorf("group %s is frozen: %w", id, sentinel.ErrInvalidState)
	}
	if name != "" {
		g.Name = name
	}
	g.Description = description
	if rules != nil {
		g.Rules = rules
	}
	if err := s.validate(g); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("group updated", "group_id", g.ID)

	if rules != nil {
		s.refreshAutomaticDomains(ctx, g.Scope)
	}
	return g, nil
}

func (s *Service) Get(ctx context.Context, id domain.GroupID) (*Group, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Group, error) {
	return s.store.List(ctx, f)
}

// SetEnabled disables or re-enables a group. Disabled groups keep their
// membership rows but are skipped by every refresh path.
func (s *Service) SetEnabled(ctx context.Context, id domain.GroupID, enabled bool) (*Group, error) {
	return s.patch(ctx, id, func(g *Group) error {
		g.Enabled = enabled
		return nil
	})
}

// SetFrozen freezes or unfreezes membership. Frozen groups retain their
// current members and skip all refresh triggers until unfrozen.
func (s *Service) SetFrozen(ctx context.Context, id domain.GroupID, frozen bool) (*Group, error) {
	return s.patch(ctx, id, func(g *Group) error {
		g.Frozen = frozen
		return nil
	})
}

// SetUpdateMethod restricts which trigger kinds may refresh the group.
func (s *Service) SetUpdateMethod(ctx context.Context, id domain.GroupID, m UpdateMethod) (*Group, error) {
	return s.patch(ctx, id, func(g *Group) error {
		g.UpdateMethod = m
		return nil
	})
}

// SetRefreshInterval overrides the scheduled interval for the group; zero
// restores the criterion types' defaults.
func (s *Service) SetRefreshInterval(ctx context.Context, id domain.GroupID, d time.Duration) (*Group, error) {
	if d < 0 {
		return nil, fmt.Errorf("refresh interval must not be negative: %w", sentinel.ErrInvalidState)
	}
	return s.patch(ctx, id, func(g *Group) error {
		g.RefreshInterval = d
		return nil
	})
}

func (s *Service) patch(ctx context.Context, id domain.GroupID, apply func(*Group) error) (*Group, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(g); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateCollection declares a manual exclusivity domain over the given
// groups. Every group must exist and still be in the default collection;
// membership in two domains at once has no consistent semantics.
func (s *Service) CreateCollection(ctx context.Context, name string, groupIDs []domain.GroupID) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required: %w", sentinel.ErrInvalidState)
	}
	if len(groupIDs) < 2 {
		return nil, fmt.Errorf("a collection needs at least two groups: %w", sentinel.ErrInvalidState)
	}
	c := &Collection{
		ID:       domain.NewCollectionID(),
		Name:     name,
		GroupIDs: groupIDs,
	}
	if err := s.store.CreateCollection(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("collection created", "collection_id", c.ID, "name", name, "groups", len(groupIDs))
	return c, nil
}

func (s *Service) GetCollection(ctx context.Context, id domain.CollectionID) (*Collection, error) {
	return s.store.GetCollection(ctx, id)
}

// Schemas returns the introspection documents for registered criterion
// types, optionally narrowed to one scope type.
func (s *Service) Schemas(scope string) []criteria.Schema {
	types := s.registry.Types()
	if scope != "" {
		types = s.registry.TypesForScope(scope)
	}
	out := make([]criteria.Schema, 0, len(types))
	for _, t := range types {
		out = append(out, criteria.SchemaFor(t))
	}
	return out
}

// validate checks a group's rule tree against the registry: every leaf must
// resolve, support the group's scope and operator, and carry a config that
// passes its type's schema.
func (s *Service) validate(g *Group) error {
	if g.Name == "" {
		return fmt.Errorf("group name is required: %w", sentinel.ErrInvalidState)
	}
	if err := g.Scope.Validate(); err != nil {
		return err
	}
	if g.Rules == nil {
		return fmt.Errorf("group needs a rule tree: %w", sentinel.ErrInvalidState)
	}
	if err := g.Rules.ValidateShape(); err != nil {
		return err
	}
	for _, leaf := range g.Rules.Leaves() {
		t, err := s.registry.Resolve(leaf.Type)
		if err != nil {
			return err
		}
		if !scopeSupported(t, g.Scope.Type) {
			return &ScopeMismatchError{CriterionType: leaf.Type, Scope: g.Scope}
		}
		if !criteria.Supports(t.Operators(), leaf.Operator) {
			return &UnsupportedOperatorError{CriterionType: leaf.Type, Operator: leaf.Operator}
		}
		if err := t.ValidateConfig(leaf.Config); err != nil {
			return err
		}
	}
	return nil
}

func scopeSupported(t criteria.Type, st domain.ScopeType) bool {
	for _, s := range t.Scopes() {
		if s == st {
			return true
		}
	}
	return false
}

// refreshAutomaticDomains recomputes the provably disjoint group sets for a
// scope after configuration changes. Only groups still in the default
// collection participate; manual collections always win.
func (s *Service) refreshAutomaticDomains(ctx context.Context, scope domain.Scope) {
	if s.detect == nil {
		return
	}
	defaultCollection := domain.CollectionID{}
	all, err := s.store.List(ctx, Filter{Scope: &scope})
	if err != nil {
		s.logger.Warn("listing groups for domain detection failed", "scope", scope.String(), "error", err)
		return
	}
	candidates := make([]*Group, 0, len(all))
	for _, g := range all {
		c, err := s.collectionOf(ctx, g)
		if err != nil {
			s.logger.Warn("resolving collection failed", "group_id", g.ID, "error", err)
			return
		}
		if c == nil || c.Automatic {
			g.CollectionID = defaultCollection
			candidates = append(candidates, g)
		}
	}
	domains := s.detect(candidates, s.registry)
	if err := s.store.ReplaceAutomaticCollections(ctx, scope, domains); err != nil {
		s.logger.Warn("replacing automatic collections failed", "scope", scope.String(), "error", err)
		return
	}
	s.logger.Debug("automatic exclusivity domains refreshed",
		"scope", scope.String(), "domains", len(domains))
}

func (s *Service) collectionOf(ctx context.Context, g *Group) (*Collection, error) {
	if g.CollectionID.IsNil() {
		return nil, nil
	}
	return s.store.GetCollection(ctx, g.CollectionID)
}

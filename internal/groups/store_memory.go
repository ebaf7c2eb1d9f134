package groups

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cohort/pkg/domain"
	"cohort/pkg/platform/sentinel"
)

// InMemoryStore keeps the engine runnable and testable without a database.
// It intentionally favors clarity over performance.
type InMemoryStore struct {
	mu          sync.RWMutex
	groups      map[domain.GroupID]*Group
	collections map[domain.CollectionID]*Collection
	clock       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		groups:      make(map[domain.GroupID]*Group),
		collections: make(map[domain.CollectionID]*Collection),
		clock:       time.Now,
	}
}

func (s *InMemoryStore) Create(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.groups {
		if existing.Scope == g.Scope && strings.EqualFold(existing.Name, g.Name) {
			return fmt.Errorf("group %q in scope %s: %w", g.Name, g.Scope, sentinel.ErrConflict)
		}
	}
	now := s.clock()
	g.CreatedAt = now
	g.UpdatedAt = now
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; !ok {
		return fmt.Errorf("group %s: %w", g.ID, sentinel.ErrNotFound)
	}
	g.UpdatedAt = s.clock()
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.GroupID) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneGroup(g), nil
}

func (s *InMemoryStore) List(_ context.Context, f Filter) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Group
	for _, g := range s.groups {
		if f.Scope != nil && g.Scope != *f.Scope {
			continue
		}
		if f.EnabledOnly && !g.Enabled {
			continue
		}
		if f.CollectionID != nil && g.CollectionID != *f.CollectionID {
			continue
		}
		if len(f.CriterionTypes) > 0 && !g.Rules.UsesType(f.CriterionTypes) {
			continue
		}
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) CreateCollection(_ context.Context, c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.collections {
		if strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("collection %q: %w", c.Name, sentinel.ErrConflict)
		}
	}
	for _, gid := range c.GroupIDs {
		g, ok := s.groups[gid]
		if !ok {
			return fmt.Errorf("group %s: %w", gid, sentinel.ErrNotFound)
		}
		if !g.CollectionID.IsNil() {
			return fmt.Errorf("group %s already in a collection: %w", gid, sentinel.ErrConflict)
		}
	}
	c.CreatedAt = s.clock()
	s.collections[c.ID] = cloneCollection(c)
	for _, gid := range c.GroupIDs {
		s.groups[gid].CollectionID = c.ID
	}
	return nil
}

func (s *InMemoryStore) GetCollection(_ context.Context, id domain.CollectionID) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneCollection(c), nil
}

func (s *InMemoryStore) ReplaceAutomaticCollections(_ context.Context, scope domain.Scope, domains [][]domain.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dissolve current automatic collections in the scope.
	for id, c := range s.collections {
		if !c.Automatic {
			continue
		}
		inScope := false
		for _, gid := range c.GroupIDs {
			if g, ok := s.groups[gid]; ok && g.Scope == scope {
				inScope = true
				break
			}
		}
		if !inScope {
			continue
		}
		for _, gid := range c.GroupIDs {
			if g, ok := s.groups[gid]; ok && g.CollectionID == id {
				g.CollectionID = domain.CollectionID{}
			}
		}
		delete(s.collections, id)
	}

	for _, members := range domains {
		c := &Collection{
			ID:        domain.NewCollectionID(),
			Name:      fmt.Sprintf("auto:%s:%s", scope.Key(), members[0]),
			Automatic: true,
			GroupIDs:  append([]domain.GroupID(nil), members...),
			CreatedAt: s.clock(),
		}
		s.collections[c.ID] = c
		for _, gid := range members {
			if g, ok := s.groups[gid]; ok {
				g.CollectionID = c.ID
			}
		}
	}
	return nil
}

func cloneGroup(g *Group) *Group {
	out := *g
	return &out
}

func cloneCollection(c *Collection) *Collection {
	out := *c
	out.GroupIDs = append([]domain.GroupID(nil), c.GroupIDs...)
	return &out
}

package groups

import (
	"context"

	"cohort/pkg/domain"
)

// Filter narrows List results. Zero value lists everything.
type Filter struct {
	Scope          *domain.Scope
	EnabledOnly    bool
	CriterionTypes []string // match groups whose tree uses any of these
	CollectionID   *domain.CollectionID
}

// Store persists group configuration and collections. Stores are
// interface-driven so domain logic stays testable and persistence can be
// swapped without rewiring business code.
type Store interface {
	Create(ctx context.Context, g *Group) error // sentinel.ErrConflict on duplicate (name, scope)
	Update(ctx context.Context, g *Group) error
	Get(ctx context.Context, id domain.GroupID) (*Group, error)
	List(ctx context.Context, f Filter) ([]*Group, error)

	CreateCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, id domain.CollectionID) (*Collection, error)

	// ReplaceAutomaticCollections swaps the automatically detected
	// exclusivity domains for a scope: previous automatic collections in
	// that scope are dissolved and the given disjoint group sets become
	// the new ones. Groups in manual collections are never touched.
	ReplaceAutomaticCollections(ctx context.Context, scope domain.Scope, domains [][]domain.GroupID) error
}

package httptransport

import (
	"time"

	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/pkg/domain"
)

type scopePayload struct {
	Type     string `json:"type"`
	Resource string `json:"resource,omitempty"`
}

func (p scopePayload) toScope() (domain.Scope, error) {
	st, err := domain.ParseScopeType(p.Type)
	if err != nil {
		return domain.Scope{}, err
	}
	return domain.Scope{Type: st, Resource: p.Resource}, nil
}

type createGroupRequest struct {
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	Scope               scopePayload `json:"scope"`
	Rules               *groups.Node `json:"rules"`
	UpdateMethod        string       `json:"update_method,omitempty"`
	RefreshInterval     string       `json:"refresh_interval,omitempty"`
	EvaluateImmediately bool         `json:"evaluate_immediately,omitempty"`
}

type updateGroupRequest struct {
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Rules       *groups.Node `json:"rules,omitempty"`
}

type groupResponse struct {
	ID              domain.GroupID `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Scope           scopePayload   `json:"scope"`
	Enabled         bool           `json:"enabled"`
	Frozen          bool           `json:"frozen"`
	UpdateMethod    string         `json:"update_method"`
	RefreshInterval string         `json:"refresh_interval,omitempty"`
	CollectionID    string         `json:"collection_id,omitempty"`
	Rules           *groups.Node   `json:"rules"`
	MemberCount     *int           `json:"member_count,omitempty"`
	LastRefreshedAt *time.Time     `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func toGroupResponse(g *groups.Group, st *membership.RefreshState) groupResponse {
	resp := groupResponse{
		ID:           g.ID,
		Name:         g.Name,
		Description:  g.Description,
		Scope:        scopePayload{Type: string(g.Scope.Type), Resource: g.Scope.Resource},
		Enabled:      g.Enabled,
		Frozen:       g.Frozen,
		UpdateMethod: string(g.UpdateMethod),
		Rules:        g.Rules,
		CreatedAt:    g.CreatedAt,
		UpdatedAt:    g.UpdatedAt,
	}
	if g.RefreshInterval > 0 {
		resp.RefreshInterval = g.RefreshInterval.String()
	}
	if !g.CollectionID.IsNil() {
		resp.CollectionID = g.CollectionID.String()
	}
	if st != nil {
		resp.MemberCount = &st.MemberCount
		resp.LastRefreshedAt = &st.LastRefreshedAt
	}
	return resp
}

type collectionResponse struct {
	ID        domain.CollectionID `json:"id"`
	Name      string              `json:"name"`
	Automatic bool                `json:"automatic"`
	GroupIDs  []domain.GroupID    `json:"group_ids"`
	CreatedAt time.Time           `json:"created_at"`
}

func toCollectionResponse(c *groups.Collection) collectionResponse {
	return collectionResponse{
		ID:        c.ID,
		Name:      c.Name,
		Automatic: c.Automatic,
		GroupIDs:  c.GroupIDs,
		CreatedAt: c.CreatedAt,
	}
}

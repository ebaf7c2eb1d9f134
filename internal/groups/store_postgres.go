package groups

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"cohort/pkg/domain"
	"cohort/pkg/platform/sentinel"
)

// PostgresStore persists group configuration. Rule trees are stored as
// JSONB; the criterion type names used by each tree are denormalized into
// a text[] column so event routing can filter without decoding trees.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createGroupsTables = `
CREATE TABLE IF NOT EXISTS group_collections (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	automatic  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id               UUID PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	scope_type       TEXT NOT NULL,
	scope_resource   TEXT NOT NULL DEFAULT '',
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	frozen           BOOLEAN NOT NULL DEFAULT FALSE,
	update_method    TEXT NOT NULL DEFAULT 'any',
	refresh_interval BIGINT NOT NULL DEFAULT 0,
	collection_id    UUID REFERENCES group_collections(id),
	rules            JSONB NOT NULL,
	criterion_types  TEXT[] NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (scope_type, scope_resource, name)
);

CREATE INDEX IF NOT EXISTS idx_groups_scope ON groups (scope_type, scope_resource);
CREATE INDEX IF NOT EXISTS idx_groups_criterion_types ON groups USING GIN (criterion_types);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createGroupsTables); err != nil {
		return fmt.Errorf("ensuring groups schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, g *Group) error {
	rules, err := json.Marshal(g.Rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, description, scope_type, scope_resource,
			enabled, frozen, update_method, refresh_interval, collection_id,
			rules, criterion_types, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		g.ID.String(), g.Name, g.Description, string(g.Scope.Type), g.Scope.Resource,
		g.Enabled, g.Frozen, methodString(g.UpdateMethod), int64(g.RefreshInterval),
		nullableCollection(g.CollectionID), rules,
		pq.Array(g.Rules.CriterionTypes()), g.CreatedAt, g.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %q in scope %s: %w", g.Name, g.Scope, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, g *Group) error {
	rules, err := json.Marshal(g.Rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	g.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET name = $2, description = $3, enabled = $4, frozen = $5,
			update_method = $6, refresh_interval = $7, collection_id = $8,
			rules = $9, criterion_types = $10, updated_at = $11
		WHERE id = $1`,
		g.ID.String(), g.Name, g.Description, g.Enabled, g.Frozen,
		methodString(g.UpdateMethod), int64(g.RefreshInterval),
		nullableCollection(g.CollectionID), rules,
		pq.Array(g.Rules.CriterionTypes()), g.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %q in scope %s: %w", g.Name, g.Scope, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("updating group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating group: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("group %s: %w", g.ID, sentinel.ErrNotFound)
	}
	return nil
}

const selectGroup = `
SELECT id, name, description, scope_type, scope_resource, enabled, frozen,
	update_method, refresh_interval, collection_id, rules, created_at, updated_at
FROM groups`

func (s *PostgresStore) Get(ctx context.Context, id domain.GroupID) (*Group, error) {
	row := s.db.QueryRowContext(ctx, selectGroup+` WHERE id = $1`, id.String())
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Group, error) {
	query := selectGroup + ` WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Scope != nil {
		query += ` AND scope_type = ` + arg(string(f.Scope.Type)) +
			` AND scope_resource = ` + arg(f.Scope.Resource)
	}
	if f.EnabledOnly {
		query += ` AND enabled`
	}
	if f.CollectionID != nil {
		if f.CollectionID.IsNil() {
			query += ` AND collection_id IS NULL`
		} else {
			query += ` AND collection_id = ` + arg(f.CollectionID.String())
		}
	}
	if len(f.CriterionTypes) > 0 {
		query += ` AND criterion_types && ` + arg(pq.Array(f.CriterionTypes))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateCollection(ctx context.Context, c *Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	c.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_collections (id, name, automatic, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID.String(), c.Name, c.Automatic, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("collection %q: %w", c.Name, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting collection: %w", err)
	}

	for _, gid := range c.GroupIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE groups SET collection_id = $2 WHERE id = $1 AND collection_id IS NULL`,
			gid.String(), c.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("assigning group %s: %w", gid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("assigning group %s: %w", gid, err)
		}
		if n == 0 {
			// Either missing or already in a collection.
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, gid.String(),
			).Scan(&exists); err != nil {
				return fmt.Errorf("checking group %s: %w", gid, err)
			}
			if !exists {
				return fmt.Errorf("group %s: %w", gid, sentinel.ErrNotFound)
			}
			return fmt.Errorf("group %s already in a collection: %w", gid, sentinel.ErrConflict)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetCollection(ctx context.Context, id domain.CollectionID) (*Collection, error) {
	c := &Collection{}
	var rawID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, automatic, created_at FROM group_collections WHERE id = $1`,
		id.String(),
	).Scan(&rawID, &c.Name, &c.Automatic, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching collection: %w", err)
	}
	if c.ID, err = domain.ParseCollectionID(rawID); err != nil {
		return nil, fmt.Errorf("fetching collection: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM groups WHERE collection_id = $1 ORDER BY name`, id.String())
	if err != nil {
		return nil, fmt.Errorf("fetching collection members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning collection member: %w", err)
		}
		gid, err := domain.ParseGroupID(raw)
		if err != nil {
			return nil, fmt.Errorf("scanning collection member: %w", err)
		}
		c.GroupIDs = append(c.GroupIDs, gid)
	}
	return c, rows.Err()
}

func (s *PostgresStore) ReplaceAutomaticCollections(ctx context.Context, scope domain.Scope, domains [][]domain.GroupID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE groups SET collection_id = NULL
		WHERE scope_type = $1 AND scope_resource = $2
		  AND collection_id IN (SELECT id FROM group_collections WHERE automatic)`,
		string(scope.Type), scope.Resource,
	)
	if err != nil {
		return fmt.Errorf("detaching automatic collections: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM group_collections
		WHERE automatic AND NOT EXISTS (
			SELECT 1 FROM groups WHERE groups.collection_id = group_collections.id)`)
	if err != nil {
		return fmt.Errorf("pruning automatic collections: %w", err)
	}

	now := time.Now().UTC()
	for _, members := range domains {
		id := domain.NewCollectionID()
		name := fmt.Sprintf("auto:%s:%s", scope.Key(), members[0])
		_, err := tx.ExecContext(ctx,
			`INSERT INTO group_collections (id, name, automatic, created_at) VALUES ($1, $2, TRUE, $3)`,
			id.String(), name, now,
		)
		if err != nil {
			return fmt.Errorf("inserting automatic collection: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE groups SET collection_id = $1 WHERE id = ANY($2)`,
			id.String(), pq.Array(groupIDStrings(members)),
		)
		if err != nil {
			return fmt.Errorf("assigning automatic collection: %w", err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var (
		g            Group
		rawID        string
		scopeType    string
		updateMethod string
		interval     int64
		collection   sql.NullString
		rules        []byte
	)
	err := row.Scan(&rawID, &g.Name, &g.Description, &scopeType, &g.Scope.Resource,
		&g.Enabled, &g.Frozen, &updateMethod, &interval, &collection, &rules,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if g.ID, err = domain.ParseGroupID(rawID); err != nil {
		return nil, err
	}
	if g.Scope.Type, err = domain.ParseScopeType(scopeType); err != nil {
		return nil, err
	}
	if g.UpdateMethod, err = ParseUpdateMethod(updateMethod); err != nil {
		return nil, err
	}
	g.RefreshInterval = time.Duration(interval)
	if collection.Valid {
		if g.CollectionID, err = domain.ParseCollectionID(collection.String); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(rules, &g.Rules); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	return &g, nil
}

// methodString normalizes the zero UpdateMethod so rows always round-trip
// through ParseUpdateMethod.
func methodString(m UpdateMethod) string {
	if m == "" {
		return string(UpdateAny)
	}
	return string(m)
}

func nullableCollection(id domain.CollectionID) any {
	if id.IsNil() {
		return nil
	}
	return id.String()
}

func groupIDStrings(ids []domain.GroupID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"cohort/pkg/domain"
)

// PostgresStore keeps one row per membership span: added_at is set when the
// subject joins, removed_at when it leaves. Current membership is the rows
// with removed_at IS NULL; closed rows are the audit history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createMembershipTables = `
CREATE TABLE IF NOT EXISTS group_memberships (
	group_id   UUID NOT NULL,
	subject_id UUID NOT NULL,
	added_at   TIMESTAMPTZ NOT NULL,
	removed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_active
	ON group_memberships (group_id, subject_id) WHERE removed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_memberships_subject
	ON group_memberships (subject_id) WHERE removed_at IS NULL;

CREATE TABLE IF NOT EXISTS group_refresh_state (
	group_id          UUID PRIMARY KEY,
	last_refreshed_at TIMESTAMPTZ NOT NULL,
	member_count      INT NOT NULL
);
`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMembershipTables); err != nil {
		return fmt.Errorf("ensuring membership schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Members(ctx context.Context, groupID domain.GroupID) (domain.SubjectSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id FROM group_memberships WHERE group_id = $1 AND removed_at IS NULL`,
		groupID.String())
	if err != nil {
		return nil, fmt.Errorf("fetching members: %w", err)
	}
	defer rows.Close()

	out := domain.NewSubjectSet()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		sid, err := domain.ParseSubjectID(raw)
		if err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		out.Add(sid)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GroupsForSubject(ctx context.Context, subjectID domain.SubjectID) ([]domain.GroupID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_memberships WHERE subject_id = $1 AND removed_at IS NULL`,
		subjectID.String())
	if err != nil {
		return nil, fmt.Errorf("fetching subject groups: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		gid, err := domain.ParseGroupID(raw)
		if err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		out = append(out, gid)
	}
	return out, rows.Err()
}

func (s *PostgresStore) State(ctx context.Context, groupID domain.GroupID) (RefreshState, bool, error) {
	st := RefreshState{GroupID: groupID}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_refreshed_at, member_count FROM group_refresh_state WHERE group_id = $1`,
		groupID.String(),
	).Scan(&st.LastRefreshedAt, &st.MemberCount)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshState{}, false, nil
	}
	if err != nil {
		return RefreshState{}, false, fmt.Errorf("fetching refresh state: %w", err)
	}
	return st, true, nil
}

func (s *PostgresStore) CommitRefresh(ctx context.Context, changes []Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ch := range changes {
		if err := applyChange(ctx, tx, ch); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyChange(ctx context.Context, tx *sql.Tx, ch Change) error {
	members := subjectStrings(ch.Members.IDs())

	// Close rows for subjects that no longer match.
	if ch.Subjects == nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE group_memberships SET removed_at = $3
			WHERE group_id = $1 AND removed_at IS NULL
			  AND subject_id <> ALL($2)`,
			ch.GroupID.String(), pq.Array(members), ch.RefreshedAt)
		if err != nil {
			return fmt.Errorf("group %s: removing members: %w", ch.GroupID, err)
		}
	} else {
		narrowed := subjectStrings(ch.Subjects)
		_, err := tx.ExecContext(ctx, `
			UPDATE group_memberships SET removed_at = $4
			WHERE group_id = $1 AND removed_at IS NULL
			  AND subject_id = ANY($2) AND subject_id <> ALL($3)`,
			ch.GroupID.String(), pq.Array(narrowed), pq.Array(members), ch.RefreshedAt)
		if err != nil {
			return fmt.Errorf("group %s: removing members: %w", ch.GroupID, err)
		}
	}

	// Open rows for new subjects; existing active rows are untouched.
	if len(members) > 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_memberships (group_id, subject_id, added_at)
			SELECT $1, sid, $3 FROM unnest($2::uuid[]) AS sid
			ON CONFLICT (group_id, subject_id) WHERE removed_at IS NULL DO NOTHING`,
			ch.GroupID.String(), pq.Array(members), ch.RefreshedAt)
		if err != nil {
			return fmt.Errorf("group %s: adding members: %w", ch.GroupID, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO group_refresh_state (group_id, last_refreshed_at, member_count)
		VALUES ($1, $2, (SELECT COUNT(*) FROM group_memberships
			WHERE group_id = $1 AND removed_at IS NULL))
		ON CONFLICT (group_id) DO UPDATE SET
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			member_count = EXCLUDED.member_count`,
		ch.GroupID.String(), ch.RefreshedAt)
	if err != nil {
		return fmt.Errorf("group %s: updating refresh state: %w", ch.GroupID, err)
	}
	return nil
}

func subjectStrings(ids []domain.SubjectID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

//go:build integration

package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"cohort/pkg/domain"
	"cohort/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *PostgresStore
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = NewPostgresStore(s.pg.DB)
	s.Require().NoError(s.store.EnsureSchema(s.ctx))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(s.ctx, "group_memberships", "group_refresh_state"))
}

func (s *PostgresStoreSuite) spanCount(gid domain.GroupID, closed bool) int {
	query := `SELECT COUNT(*) FROM group_memberships WHERE group_id = $1 AND removed_at IS NULL`
	if closed {
		query = `SELECT COUNT(*) FROM group_memberships WHERE group_id = $1 AND removed_at IS NOT NULL`
	}
	var n int
	s.Require().NoError(s.pg.DB.QueryRowContext(s.ctx, query, gid.String()).Scan(&n))
	return n
}

func (s *PostgresStoreSuite) TestFullReplaceKeepsHistorySpans() {
	gid := domain.NewGroupID()
	a := domain.NewSubjectID()
	b := domain.NewSubjectID()
	c := domain.NewSubjectID()
	t1 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{{
		GroupID:     gid,
		Members:     domain.NewSubjectSet(a, b),
		RefreshedAt: t1,
	}}))

	st, ok, err := s.store.State(s.ctx, gid)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(2, st.MemberCount)
	s.True(st.LastRefreshedAt.Equal(t1))

	// b leaves, c joins. b's row closes instead of disappearing.
	s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{{
		GroupID:     gid,
		Members:     domain.NewSubjectSet(a, c),
		RefreshedAt: t2,
	}}))

	members, err := s.store.Members(s.ctx, gid)
	s.Require().NoError(err)
	s.True(members.Contains(a))
	s.False(members.Contains(b))
	s.True(members.Contains(c))

	s.Equal(2, s.spanCount(gid, false))
	s.Equal(1, s.spanCount(gid, true))

	st, _, err = s.store.State(s.ctx, gid)
	s.Require().NoError(err)
	s.True(st.LastRefreshedAt.Equal(t2))
	s.Equal(2, st.MemberCount)
}

func (s *PostgresStoreSuite) TestRejoinOpensNewSpan() {
	gid := domain.NewGroupID()
	a := domain.NewSubjectID()
	now := time.Now().UTC().Truncate(time.Microsecond)

	commit := func(members domain.SubjectSet, at time.Time) {
		s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{{
			GroupID: gid, Members: members, RefreshedAt: at,
		}}))
	}
	commit(domain.NewSubjectSet(a), now)
	commit(domain.NewSubjectSet(), now.Add(time.Minute))
	commit(domain.NewSubjectSet(a), now.Add(2*time.Minute))

	members, err := s.store.Members(s.ctx, gid)
	s.Require().NoError(err)
	s.True(members.Contains(a))

	s.Equal(1, s.spanCount(gid, false))
	s.Equal(1, s.spanCount(gid, true))
}

func (s *PostgresStoreSuite) TestNarrowedCommitLeavesOthersAlone() {
	gid := domain.NewGroupID()
	a := domain.NewSubjectID()
	b := domain.NewSubjectID()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{{
		GroupID:     gid,
		Members:     domain.NewSubjectSet(a, b),
		RefreshedAt: now,
	}}))

	// Event refresh evaluated only a, which no longer matches.
	s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{{
		GroupID:     gid,
		Members:     domain.NewSubjectSet(),
		Subjects:    []domain.SubjectID{a},
		RefreshedAt: now.Add(time.Minute),
	}}))

	members, err := s.store.Members(s.ctx, gid)
	s.Require().NoError(err)
	s.False(members.Contains(a))
	s.True(members.Contains(b))

	st, _, err := s.store.State(s.ctx, gid)
	s.Require().NoError(err)
	s.Equal(1, st.MemberCount)
}

func (s *PostgresStoreSuite) TestGroupsForSubject() {
	g1 := domain.NewGroupID()
	g2 := domain.NewGroupID()
	sid := domain.NewSubjectID()
	now := time.Now().UTC()

	s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{
		{GroupID: g1, Members: domain.NewSubjectSet(sid), RefreshedAt: now},
		{GroupID: g2, Members: domain.NewSubjectSet(sid), RefreshedAt: now},
	}))

	gids, err := s.store.GroupsForSubject(s.ctx, sid)
	s.Require().NoError(err)
	s.ElementsMatch([]domain.GroupID{g1, g2}, gids)

	none, err := s.store.GroupsForSubject(s.ctx, domain.NewSubjectID())
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *PostgresStoreSuite) TestStateUnknownGroup() {
	_, ok, err := s.store.State(s.ctx, domain.NewGroupID())
	s.Require().NoError(err)
	s.False(ok)
}

func (s *PostgresStoreSuite) TestBatchCommitIsAtomic() {
	g1 := domain.NewGroupID()
	g2 := domain.NewGroupID()
	now := time.Now().UTC()

	s.Require().NoError(s.store.CommitRefresh(s.ctx, []Change{
		{GroupID: g1, Members: domain.NewSubjectSet(domain.NewSubjectID()), RefreshedAt: now},
		{GroupID: g2, Members: domain.NewSubjectSet(domain.NewSubjectID(), domain.NewSubjectID()), RefreshedAt: now},
	}))

	st1, ok, err := s.store.State(s.ctx, g1)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(1, st1.MemberCount)

	st2, ok, err := s.store.State(s.ctx, g2)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(2, st2.MemberCount)
}

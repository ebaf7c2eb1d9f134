// Package membership persists which subjects belong to which groups.
// Membership is never edited row by row: refreshes commit a full or
// subject-narrowed replacement atomically, together with the group's
// refresh metadata, so readers observe either the old population or the
// new one.
package membership

import (
	"context"
	"time"

	"cohort/pkg/domain"
)

// Change is one group's outcome of a refresh pass.
type Change struct {
	GroupID domain.GroupID

	// Members is the evaluated subject set. With nil Subjects it is the
	// complete new population; otherwise it is membership restricted to
	// Subjects.
	Members domain.SubjectSet

	// Subjects, when non-nil, limits the replacement to the listed
	// subjects (event-driven refreshes). Rows for other subjects are
	// untouched.
	Subjects []domain.SubjectID

	RefreshedAt time.Time
}

// RefreshState is the metadata committed with every membership change. It
// lives in this store, not the configuration store, so the commit is a
// single atomic write.
type RefreshState struct {
	GroupID         domain.GroupID
	LastRefreshedAt time.Time
	MemberCount     int
}

// Store persists membership and refresh metadata.
type Store interface {
	// Members returns the current active membership of a group.
	Members(ctx context.Context, groupID domain.GroupID) (domain.SubjectSet, error)

	// GroupsForSubject returns the groups the subject currently belongs to.
	GroupsForSubject(ctx context.Context, subjectID domain.SubjectID) ([]domain.GroupID, error)

	// State returns the refresh metadata for a group; ok is false when the
	// group has never been refreshed.
	State(ctx context.Context, groupID domain.GroupID) (RefreshState, bool, error)

	// CommitRefresh applies all changes atomically. Removed subjects keep
	// a history row with their removal time; re-added subjects get a new
	// row.
	CommitRefresh(ctx context.Context, changes []Change) error
}

package membership

import (
	"context"
	"sync"
	"time"

	"cohort/pkg/domain"
)

type memoryRow struct {
	subject   domain.SubjectID
	addedAt   time.Time
	removedAt *time.Time
}

// InMemoryStore holds membership in process memory. Commit atomicity is a
// single critical section.
type InMemoryStore struct {
	mu      sync.RWMutex
	active  map[domain.GroupID]map[domain.SubjectID]time.Time
	history map[domain.GroupID][]memoryRow
	states  map[domain.GroupID]RefreshState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		active:  make(map[domain.GroupID]map[domain.SubjectID]time.Time),
		history: make(map[domain.GroupID][]memoryRow),
		states:  make(map[domain.GroupID]RefreshState),
	}
}

func (s *InMemoryStore) Members(_ context.Context, groupID domain.GroupID) (domain.SubjectSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := domain.NewSubjectSet()
	for sid := range s.active[groupID] {
		out.Add(sid)
	}
	return out, nil
}

func (s *InMemoryStore) GroupsForSubject(_ context.Context, subjectID domain.SubjectID) ([]domain.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.GroupID
	for gid, members := range s.active {
		if _, ok := members[subjectID]; ok {
			out = append(out, gid)
		}
	}
	return out, nil
}

func (s *InMemoryStore) State(_ context.Context, groupID domain.GroupID) (RefreshState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[groupID]
	return st, ok, nil
}

func (s *InMemoryStore) CommitRefresh(_ context.Context, changes []Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range changes {
		members := s.active[ch.GroupID]
		if members == nil {
			members = make(map[domain.SubjectID]time.Time)
			s.active[ch.GroupID] = members
		}

		removable := func(sid domain.SubjectID) bool { return true }
		if ch.Subjects != nil {
			narrowed := domain.NewSubjectSet(ch.Subjects...)
			removable = narrowed.Contains
		}
		for sid := range members {
			if ch.Members.Contains(sid) || !removable(sid) {
				continue
			}
			removed := ch.RefreshedAt
			s.history[ch.GroupID] = append(s.history[ch.GroupID], memoryRow{
				subject:   sid,
				addedAt:   members[sid],
				removedAt: &removed,
			})
			delete(members, sid)
		}
		for sid := range ch.Members {
			if _, ok := members[sid]; !ok {
				members[sid] = ch.RefreshedAt
			}
		}
		s.states[ch.GroupID] = RefreshState{
			GroupID:         ch.GroupID,
			LastRefreshedAt: ch.RefreshedAt,
			MemberCount:     len(members),
		}
	}
	return nil
}

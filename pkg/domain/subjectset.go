package domain

// SubjectSet is the concrete result of criterion and tree evaluation.
type SubjectSet map[SubjectID]struct{}

// NewSubjectSet builds a set from the given ids.
func NewSubjectSet(ids ...SubjectID) SubjectSet {
	s := make(SubjectSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s SubjectSet) Contains(id SubjectID) bool {
	_, ok := s[id]
	return ok
}

func (s SubjectSet) Add(id SubjectID) { s[id] = struct{}{} }

func (s SubjectSet) Len() int { return len(s) }

// Clone returns an independent copy.
func (s SubjectSet) Clone() SubjectSet {
	out := make(SubjectSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns the subjects present in both sets.
func (s SubjectSet) Intersect(other SubjectSet) SubjectSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(SubjectSet)
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Union returns the subjects present in either set.
func (s SubjectSet) Union(other SubjectSet) SubjectSet {
	out := make(SubjectSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Diff returns the subjects in s that are not in other.
func (s SubjectSet) Diff(other SubjectSet) SubjectSet {
	out := make(SubjectSet)
	for id := range s {
		if _, ok := other[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// IDs returns the members as a slice in no particular order.
func (s SubjectSet) IDs() []SubjectID {
	out := make([]SubjectID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

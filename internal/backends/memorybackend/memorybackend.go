package memorybackend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cohort/internal/backends"
	"cohort/pkg/domain"
)

// Record is one row of a logical source: a subject plus the fields criteria
// filter on. The reserved fields "course" and "org" bound a record to a
// scope; records without them are scoped via the subject's enrollments.
type Record struct {
	Subject domain.SubjectID
	Fields  map[string]any
}

// Backend is an in-memory backend client. It keeps the engine runnable and
// testable without a database; records intentionally favor clarity over
// performance.
type Backend struct {
	name string

	mu          sync.RWMutex
	sources     map[string][]Record
	unavailable bool
}

// New builds an empty in-memory backend registered under name.
func New(name string) *Backend {
	return &Backend{
		name:    name,
		sources: make(map[string][]Record),
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) SupportsScope(domain.ScopeType) bool { return true }

// AddRecord appends a record to a logical source.
func (b *Backend) AddRecord(source string, r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[source] = append(b.sources[source], r)
}

// SetUnavailable marks the backend unreachable so failure paths can be
// exercised in tests.
func (b *Backend) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = unavailable
}

func (b *Backend) Fetch(_ context.Context, scope domain.Scope, q backends.Query) (backends.ResultSet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.unavailable {
		return nil, backends.NewError(backends.CategoryDataUnavailable, b.name, "backend marked unavailable", nil)
	}

	var narrow domain.SubjectSet
	if q.Subjects != nil {
		narrow = domain.NewSubjectSet(q.Subjects...)
	}

	inScope := b.scopeCheck(scope)
	out := make(domain.SubjectSet)
	for _, rec := range b.sources[q.Source] {
		if narrow != nil && !narrow.Contains(rec.Subject) {
			continue
		}
		if !inScope(rec) {
			continue
		}
		ok, err := matchAll(rec, q.Filters)
		if err != nil {
			return nil, backends.NewError(backends.CategoryBadData, b.name, "filter mismatch", err)
		}
		if ok {
			out[rec.Subject] = struct{}{}
		}
	}
	return backends.Materialized(out), nil
}

// scopeCheck returns the scope predicate for one Fetch. Records carrying the
// scope field (enrollments) match on it directly; records without it (users)
// are bounded through the subject's enrollments in that scope, the same
// shape as the SQL backend's EXISTS join against enrollments.
func (b *Backend) scopeCheck(scope domain.Scope) func(Record) bool {
	field := scopeField(scope.Type)
	if field == "" {
		return func(Record) bool { return true }
	}

	enrolled := make(domain.SubjectSet)
	for _, rec := range b.sources[backends.SourceEnrollments] {
		if v, ok := rec.Fields[field]; ok && equal(v, scope.Resource) {
			enrolled[rec.Subject] = struct{}{}
		}
	}

	return func(rec Record) bool {
		if v, ok := rec.Fields[field]; ok {
			return equal(v, scope.Resource)
		}
		return enrolled.Contains(rec.Subject)
	}
}

func scopeField(t domain.ScopeType) string {
	switch t {
	case domain.ScopeCourse:
		return "course"
	case domain.ScopeOrganization:
		return "org"
	default:
		return ""
	}
}

func matchAll(rec Record, filters []backends.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := match(rec, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func match(rec Record, f backends.Filter) (bool, error) {
	val, present := rec.Fields[f.Field]

	switch f.Op {
	case backends.FilterExists:
		return present, nil
	case backends.FilterNotExist:
		return !present, nil
	}
	if !present {
		return false, nil
	}

	switch f.Op {
	case backends.FilterEq:
		return equal(val, f.Value), nil
	case backends.FilterNeq:
		return !equal(val, f.Value), nil
	case backends.FilterIn:
		return contains(f.Value, val)
	case backends.FilterNotIn:
		ok, err := contains(f.Value, val)
		return !ok, err
	case backends.FilterGt, backends.FilterGte, backends.FilterLt, backends.FilterLte:
		return compare(val, f.Value, f.Op)
	default:
		return false, fmt.Errorf("unsupported filter op %q", f.Op)
	}
}

func equal(a, b any) bool {
	if at, aok := asTime(a); aok {
		bt, bok := asTime(b)
		return bok && at.Equal(bt)
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(list any, val any) (bool, error) {
	switch l := list.(type) {
	case []string:
		s := fmt.Sprint(val)
		for _, item := range l {
			if strings.EqualFold(item, s) {
				return true, nil
			}
		}
		return false, nil
	case []any:
		for _, item := range l {
			if equal(item, val) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("in filter needs a list, got %T", list)
	}
}

func compare(a, b any, op backends.FilterOp) (bool, error) {
	if at, aok := asTime(a); aok {
		bt, bok := asTime(b)
		if !bok {
			return false, fmt.Errorf("cannot compare time with %T", b)
		}
		switch op {
		case backends.FilterGt:
			return at.After(bt), nil
		case backends.FilterGte:
			return at.After(bt) || at.Equal(bt), nil
		case backends.FilterLt:
			return at.Before(bt), nil
		default:
			return at.Before(bt) || at.Equal(bt), nil
		}
	}

	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("cannot order %T against %T", a, b)
	}
	switch op {
	case backends.FilterGt:
		return af > bf, nil
	case backends.FilterGte:
		return af >= bf, nil
	case backends.FilterLt:
		return af < bf, nil
	default:
		return af <= bf, nil
	}
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"cohort/internal/backends"
	"cohort/pkg/domain"
)

// Backend serves criterion queries from the relational store. Fetch only
// composes SQL; nothing touches the database until the result set is
// materialized, so AND short-circuits never pay for skipped siblings.
type Backend struct {
	name string
	db   *sql.DB
}

func New(name string, db *sql.DB) *Backend {
	return &Backend{name: name, db: db}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) SupportsScope(domain.ScopeType) bool { return true }

// Columns queryable per logical source. Only listed fields reach the SQL
// text; everything else travels as a bind parameter.
var sourceColumns = map[string]map[string]string{
	backends.SourceUsers: {
		"username":   "s.username",
		"email":      "s.email",
		"is_staff":   "s.is_staff",
		"country":    "s.country",
		"last_login": "s.last_login",
	},
	backends.SourceEnrollments: {
		"mode":       "e.mode",
		"created_at": "e.created_at",
	},
}

func (b *Backend) Fetch(_ context.Context, scope domain.Scope, q backends.Query) (backends.ResultSet, error) {
	cols, ok := sourceColumns[q.Source]
	if !ok {
		return nil, backends.NewError(backends.CategoryInternal, b.name,
			fmt.Sprintf("unknown source %q", q.Source), nil)
	}

	qb := &builder{}
	var subjectCol string
	switch q.Source {
	case backends.SourceUsers:
		qb.write("SELECT s.id FROM subjects s")
		subjectCol = "s.id"
		switch scope.Type {
		case domain.ScopeCourse:
			qb.write(" WHERE EXISTS (SELECT 1 FROM enrollments e WHERE e.subject_id = s.id AND e.course_id = ")
			qb.arg(scope.Resource)
			qb.write(")")
		case domain.ScopeOrganization:
			qb.write(" WHERE EXISTS (SELECT 1 FROM enrollments e WHERE e.subject_id = s.id AND e.org = ")
			qb.arg(scope.Resource)
			qb.write(")")
		default:
			qb.write(" WHERE TRUE")
		}
	case backends.SourceEnrollments:
		qb.write("SELECT DISTINCT e.subject_id FROM enrollments e")
		subjectCol = "e.subject_id"
		switch scope.Type {
		case domain.ScopeCourse:
			qb.write(" WHERE e.course_id = ")
			qb.arg(scope.Resource)
		case domain.ScopeOrganization:
			qb.write(" WHERE e.org = ")
			qb.arg(scope.Resource)
		default:
			qb.write(" WHERE TRUE")
		}
	}

	for _, f := range q.Filters {
		col, ok := cols[f.Field]
		if !ok {
			return nil, backends.NewError(backends.CategoryInternal, b.name,
				fmt.Sprintf("source %q has no field %q", q.Source, f.Field), nil)
		}
		if err := qb.filter(col, f); err != nil {
			return nil, backends.NewError(backends.CategoryInternal, b.name, "compose filter", err)
		}
	}

	if q.Subjects != nil {
		ids := make([]string, 0, len(q.Subjects))
		for _, id := range q.Subjects {
			ids = append(ids, id.String())
		}
		qb.write(" AND " + subjectCol + " = ANY(")
		qb.arg(pq.Array(ids))
		qb.write(")")
	}

	return &queryResult{backend: b.name, db: b.db, query: qb.sql.String(), args: qb.args}, nil
}

type builder struct {
	sql  strings.Builder
	args []any
}

func (b *builder) write(s string) { b.sql.WriteString(s) }

func (b *builder) arg(v any) {
	b.args = append(b.args, v)
	fmt.Fprintf(&b.sql, "$%d", len(b.args))
}

func (b *builder) filter(col string, f backends.Filter) error {
	switch f.Op {
	case backends.FilterEq:
		b.write(" AND " + col + " = ")
		b.arg(f.Value)
	case backends.FilterNeq:
		b.write(" AND " + col + " <> ")
		b.arg(f.Value)
	case backends.FilterGt:
		b.write(" AND " + col + " > ")
		b.arg(f.Value)
	case backends.FilterGte:
		b.write(" AND " + col + " >= ")
		b.arg(f.Value)
	case backends.FilterLt:
		b.write(" AND " + col + " < ")
		b.arg(f.Value)
	case backends.FilterLte:
		b.write(" AND " + col + " <= ")
		b.arg(f.Value)
	case backends.FilterIn:
		b.write(" AND " + col + " = ANY(")
		b.arg(pq.Array(f.Value))
		b.write(")")
	case backends.FilterNotIn:
		b.write(" AND NOT (" + col + " = ANY(")
		b.arg(pq.Array(f.Value))
		b.write("))")
	case backends.FilterExists:
		b.write(" AND " + col + " IS NOT NULL")
	case backends.FilterNotExist:
		b.write(" AND " + col + " IS NULL")
	default:
		return fmt.Errorf("unsupported filter op %q", f.Op)
	}
	return nil
}

type queryResult struct {
	backend string
	db      *sql.DB
	query   string
	args    []any
}

func (r *queryResult) Materialize(ctx context.Context) (domain.SubjectSet, error) {
	rows, err := r.db.QueryContext(ctx, r.query, r.args...)
	if err != nil {
		return nil, backends.NewError(backends.CategoryDataUnavailable, r.backend, "query subjects", err)
	}
	defer rows.Close()

	out := make(domain.SubjectSet)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, backends.NewError(backends.CategoryBadData, r.backend, "scan subject id", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, backends.NewError(backends.CategoryBadData, r.backend, "parse subject id", err)
		}
		out[domain.SubjectID(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, backends.NewError(backends.CategoryDataUnavailable, r.backend, "iterate subjects", err)
	}
	return out, nil
}

package search

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"changequery/internal/query"
)

// PgIndex answers predicate trees straight from the changes table. It is the
// fallback when Meilisearch is unavailable.
type PgIndex struct {
	db            *sql.DB
	maxCandidates int
}

// NewPgIndex creates a Postgres-backed change index.
func NewPgIndex(db *sql.DB, maxCandidates int) *PgIndex {
	return &PgIndex{db: db, maxCandidates: maxCandidates}
}

// Healthy always returns true; if Postgres is down, the whole service is down.
func (p *PgIndex) Healthy() bool {
	return true
}

// Query returns the changes matching pred, newest first, or
// query.ErrTooManyCandidates when more than maxCandidates match.
func (p *PgIndex) Query(ctx context.Context, pred query.Predicate) ([]query.Candidate, error) {
	b := &sqlBuilder{}
	where, err := b.where(pred)
	if err != nil {
		return nil, err
	}

	stmt := `SELECT id, updated_at FROM changes`
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += fmt.Sprintf(" ORDER BY updated_at DESC, id LIMIT %d", p.maxCandidates+1)

	rows, err := p.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("pgindex query: %w", err)
	}
	defer rows.Close()

	var candidates []query.Candidate
	for rows.Next() {
		var c query.Candidate
		if err := rows.Scan(&c.ID, &c.Updated); err != nil {
			return nil, fmt.Errorf("pgindex scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgindex rows: %w", err)
	}
	if len(candidates) > p.maxCandidates {
		return nil, fmt.Errorf("%w: postgres has more than %d for %s", query.ErrTooManyCandidates, p.maxCandidates, describe(pred))
	}
	return candidates, nil
}

// sqlBuilder renders a predicate tree as a parameterized WHERE clause.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) where(p query.Predicate) (string, error) {
	switch p := p.(type) {
	case nil:
		return "", nil
	case *query.And:
		return b.join(p.Children, " AND ")
	case *query.Or:
		return b.join(p.Children, " OR ")
	case *query.Not:
		if query.NeedsRecheck(p.Child) {
			break
		}
		inner, err := b.where(p.Child)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *query.Equality:
		switch p.Field {
		case query.FieldChange:
			return "id = " + b.arg(p.Value), nil
		case query.FieldProject:
			return "project = " + b.arg(p.Value), nil
		case query.FieldBranch:
			return "regexp_replace(branch, '^refs/heads/', '') = " + b.arg(normalizeBranch(p.Value)), nil
		case query.FieldStatus:
			return "UPPER(status) = " + b.arg(strings.ToUpper(p.Value)), nil
		case query.FieldOwner:
			return "owner = " + b.arg(p.Value), nil
		}
	case *query.LabelVote:
		if !query.IsVotePrefilter(p) {
			break
		}
		value := b.arg(p.Value)
		name := b.arg(strings.ToLower(p.Label))
		return `EXISTS (SELECT 1 FROM approvals a
			LEFT JOIN label_definitions d ON d.project = changes.project AND LOWER(d.name) = LOWER(a.label)
			WHERE a.change_id = changes.id AND a.revision = changes.current_revision AND a.value = ` + value + `
				AND (LOWER(a.label) = ` + name + ` OR LOWER(d.abbreviation) = ` + name + `))`, nil
	}
	return "", fmt.Errorf("%w: %s", query.ErrUnsupported, p)
}

func (b *sqlBuilder) join(children []query.Predicate, sep string) (string, error) {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		s, err := b.where(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

const recordSelect = `
	SELECT c.id, c.project, c.branch, c.status, c.owner, c.subject, c.updated_at,
		COALESCE(string_agg(LOWER(a.label) || '=' || a.value::text, ',' ORDER BY a.id), ''),
		COALESCE(string_agg(LOWER(NULLIF(d.abbreviation, '')) || '=' || a.value::text, ',' ORDER BY a.id), '')
	FROM changes c
	LEFT JOIN approvals a ON a.change_id = c.id AND a.revision = c.current_revision
	LEFT JOIN label_definitions d ON d.project = c.project AND LOWER(d.name) = LOWER(a.label)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ChangeRecord, error) {
	var (
		r       ChangeRecord
		updated sql.NullTime
		names   string
		abbrevs string
	)
	if err := row.Scan(&r.ID, &r.Project, &r.Branch, &r.Status, &r.Owner, &r.Subject, &updated, &names, &abbrevs); err != nil {
		return ChangeRecord{}, err
	}
	if updated.Valid {
		r.Updated = updated.Time.UnixMilli()
	}
	r.Labels = mergeLabels(names, abbrevs)
	return r, nil
}

// mergeLabels combines the comma-separated vote keys stored under label names
// and abbreviations into one sorted set.
func mergeLabels(lists ...string) []string {
	out := []string{}
	for _, l := range lists {
		if l != "" {
			out = append(out, strings.Split(l, ",")...)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// LoadAllRecords returns every change with its current votes for full
// reindexing.
func (p *PgIndex) LoadAllRecords(ctx context.Context) ([]ChangeRecord, error) {
	rows, err := p.db.QueryContext(ctx, recordSelect+` GROUP BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	defer rows.Close()

	records := make([]ChangeRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return records, nil
}

// LoadRecord returns the index record of a single change.
func (p *PgIndex) LoadRecord(ctx context.Context, changeID string) (ChangeRecord, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, recordSelect+` WHERE c.id = $1 GROUP BY c.id`, changeID))
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("load change %s: %w", changeID, err)
	}
	return r, nil
}

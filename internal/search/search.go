// Package search maintains the change index and answers index-native
// predicate trees from it. Meilisearch is used when reachable, with Postgres
// as the fallback source of truth.
package search

import (
	"context"
	"fmt"
	"strings"

	"changequery/internal/query"
)

// ChangeRecord is the data we index for a change.
type ChangeRecord struct {
	ID      string   `json:"id"`
	Project string   `json:"project"`
	Branch  string   `json:"branch"`
	Status  string   `json:"status"`
	Owner   string   `json:"owner"`
	Subject string   `json:"subject"`
	Labels  []string `json:"labels"`
	Updated int64    `json:"updated"` // unix milliseconds
}

// FormatLabel renders one vote the way the labels attribute stores it. A
// vote is stored under its label's name and, when the project configures
// one, under the label's abbreviation.
func FormatLabel(name string, value int) string {
	return fmt.Sprintf("%s=%d", strings.ToLower(name), value)
}

// engine answers predicate trees from one backing index.
type engine interface {
	Query(ctx context.Context, p query.Predicate) ([]query.Candidate, error)
	Healthy() bool
}

// Indexer pushes change records into the search index.
type Indexer interface {
	IndexChange(ctx context.Context, rec ChangeRecord) error
	IndexChanges(ctx context.Context, recs []ChangeRecord) error
}

const branchRefPrefix = "refs/heads/"

func normalizeBranch(b string) string {
	return strings.TrimPrefix(b, branchRefPrefix)
}

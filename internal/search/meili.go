package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"changequery/internal/query"
)

const idxChanges = "changequery_changes"

// meiliPageSize is the number of hits fetched per search request while
// collecting candidates.
const meiliPageSize = 1000

// healthTimeout bounds each background health check and index setup.
const healthTimeout = 5 * time.Second

// Meili implements the change index via Meilisearch.
type Meili struct {
	client        meili.ServiceManager
	logger        *slog.Logger
	maxCandidates int64
	healthy       atomic.Bool
	done          chan struct{}
}

// NewMeili creates a Meilisearch client and configures the change index.
// The client starts unhealthy if the first health check fails and recovers
// in the background.
func NewMeili(url, apiKey string, maxCandidates int, logger *slog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:        client,
		logger:        logger.With("component", "search.meili"),
		maxCandidates: int64(maxCandidates),
		done:          make(chan struct{}),
	}

	if err := m.ping(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "err", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	_, err := m.client.HealthWithContext(ctx)
	return err
}

func (m *Meili) configureIndex() {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	if _, err := m.client.CreateIndexWithContext(ctx, &meili.IndexConfig{
		Uid:        idxChanges,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxChanges, "err", err)
	}

	index := m.client.Index(idxChanges)
	filterable := []interface{}{"id", "project", "branch", "status", "owner", "labels"}
	if _, err := index.UpdateFilterableAttributesWithContext(ctx, &filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxChanges, "err", err)
	}
	sortable := []string{"updated", "id"}
	if _, err := index.UpdateSortableAttributesWithContext(ctx, &sortable); err != nil {
		m.logger.Warn("update sortable attributes", "index", idxChanges, "err", err)
	}
	searchable := []string{"subject"}
	if _, err := index.UpdateSearchableAttributesWithContext(ctx, &searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxChanges, "err", err)
	}
	// One hit past the cap lets Query tell a full result from a truncated one.
	if _, err := index.UpdatePaginationWithContext(ctx, &meili.Pagination{MaxTotalHits: m.maxCandidates + 1}); err != nil {
		m.logger.Warn("update pagination", "index", idxChanges, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			err := m.ping()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Query collects every change matching p, newest first. Trees containing
// predicates the index cannot express return query.ErrUnsupported; more than
// maxCandidates hits return query.ErrTooManyCandidates.
func (m *Meili) Query(ctx context.Context, p query.Predicate) ([]query.Candidate, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	filter, err := meiliFilter(p)
	if err != nil {
		return nil, err
	}

	var candidates []query.Candidate
	total := m.maxCandidates + 1
	for offset := int64(0); offset < total; offset += meiliPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := &meili.SearchRequest{
			Limit:                min(meiliPageSize, total-offset),
			Offset:               offset,
			Sort:                 []string{"updated:desc", "id:asc"},
			AttributesToRetrieve: []string{"id", "updated"},
		}
		if filter != "" {
			req.Filter = filter
		}
		resp, err := m.client.Index(idxChanges).SearchWithContext(ctx, "", req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			m.healthy.Store(false)
			return nil, fmt.Errorf("meilisearch search: %w", err)
		}
		for _, hit := range resp.Hits {
			candidates = append(candidates, hitToCandidate(hit))
		}
		if int64(len(resp.Hits)) < req.Limit {
			break
		}
	}
	if int64(len(candidates)) > m.maxCandidates {
		return nil, fmt.Errorf("%w: meilisearch has more than %d for %s", query.ErrTooManyCandidates, m.maxCandidates, describe(p))
	}
	return candidates, nil
}

// meiliFilter renders p as a Meilisearch filter expression. A nil predicate
// yields an empty filter.
func meiliFilter(p query.Predicate) (string, error) {
	switch p := p.(type) {
	case nil:
		return "", nil
	case *query.And:
		return joinFilters(p.Children, " AND ")
	case *query.Or:
		return joinFilters(p.Children, " OR ")
	case *query.Not:
		if query.NeedsRecheck(p.Child) {
			return "", fmt.Errorf("%w: %s", query.ErrUnsupported, p)
		}
		inner, err := meiliFilter(p.Child)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *query.Equality:
		attr, value := indexedValue(p.Field, p.Value)
		return fmt.Sprintf("%s = %q", attr, value), nil
	case *query.LabelVote:
		if !query.IsVotePrefilter(p) {
			return "", fmt.Errorf("%w: %s", query.ErrUnsupported, p)
		}
		return fmt.Sprintf("labels = %q", FormatLabel(p.Label, p.Value)), nil
	default:
		return "", fmt.Errorf("%w: %s", query.ErrUnsupported, p)
	}
}

func joinFilters(children []query.Predicate, sep string) (string, error) {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		f, err := meiliFilter(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, f)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// indexedValue maps an equality onto the attribute and normalized value the
// index stores.
func indexedValue(field query.Field, value string) (string, string) {
	switch field {
	case query.FieldChange:
		return "id", value
	case query.FieldBranch:
		return "branch", normalizeBranch(value)
	case query.FieldStatus:
		return "status", strings.ToUpper(value)
	default:
		return string(field), value
	}
}

func hitToCandidate(hit meili.Hit) query.Candidate {
	c := query.Candidate{ID: decodeString(hit, "id")}
	if ms := decodeInt64(hit, "updated"); ms > 0 {
		c.Updated = time.UnixMilli(ms).UTC()
	}
	return c
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt64(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

// IndexChange adds or updates a change in the search index.
func (m *Meili) IndexChange(ctx context.Context, rec ChangeRecord) error {
	_, err := m.client.Index(idxChanges).AddDocumentsWithContext(ctx, []ChangeRecord{normalizeRecord(rec)}, nil)
	return err
}

// IndexChanges bulk-indexes changes.
func (m *Meili) IndexChanges(ctx context.Context, recs []ChangeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	normalized := make([]ChangeRecord, len(recs))
	for i, rec := range recs {
		normalized[i] = normalizeRecord(rec)
	}
	_, err := m.client.Index(idxChanges).AddDocumentsWithContext(ctx, normalized, nil)
	return err
}

func normalizeRecord(rec ChangeRecord) ChangeRecord {
	rec.Branch = normalizeBranch(rec.Branch)
	rec.Status = strings.ToUpper(rec.Status)
	if rec.Labels == nil {
		rec.Labels = []string{}
	}
	return rec
}

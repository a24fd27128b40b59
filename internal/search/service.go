package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"changequery/internal/query"
)

// recordSource loads index records from the source of truth.
type recordSource interface {
	LoadRecord(ctx context.Context, changeID string) (ChangeRecord, error)
	LoadAllRecords(ctx context.Context) ([]ChangeRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres. It implements query.IndexLookup.
type Service struct {
	primary  engine
	indexer  Indexer
	fallback engine
	records  recordSource
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; pg may be nil in deployments without a database.
func NewService(meili *Meili, pg *PgIndex, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger.With("component", "search")}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	if pg != nil {
		s.fallback = pg
		s.records = pg
	}
	return s
}

// Query answers p from Meilisearch if healthy, otherwise from Postgres.
// Backend failures wrap query.ErrCapabilityUnavailable.
func (s *Service) Query(ctx context.Context, p query.Predicate) ([]query.Candidate, error) {
	if s.primary == nil && s.fallback == nil {
		return nil, fmt.Errorf("%w: no change index configured", query.ErrCapabilityUnavailable)
	}

	primaryErr := errors.New("meilisearch not configured")
	if s.primary != nil {
		if !s.primary.Healthy() {
			primaryErr = errors.New("meilisearch unhealthy")
		} else {
			out, err := s.primary.Query(ctx, p)
			switch {
			case err == nil:
				return out, nil
			case query.IsContextError(err), errors.Is(err, query.ErrTooManyCandidates):
				return nil, err
			case errors.Is(err, query.ErrUnsupported) && s.fallback == nil:
				return nil, err
			}
			s.logger.Warn("meilisearch query failed, falling back to postgres", "query", describe(p), "err", err)
			primaryErr = err
		}
	}

	if s.fallback == nil {
		return nil, fmt.Errorf("%w: change index: %w", query.ErrCapabilityUnavailable, primaryErr)
	}
	out, err := s.fallback.Query(ctx, p)
	switch {
	case err == nil:
		return out, nil
	case query.IsContextError(err), errors.Is(err, query.ErrUnsupported), errors.Is(err, query.ErrTooManyCandidates):
		return nil, err
	}
	s.logger.Error("postgres index query failed", "query", describe(p), "err", err)
	return nil, fmt.Errorf("%w: change index: %w", query.ErrCapabilityUnavailable, err)
}

// Reindex reloads one change from Postgres and pushes it to Meilisearch.
func (s *Service) Reindex(ctx context.Context, changeID string) error {
	if !s.indexReady() || s.records == nil {
		return nil
	}
	rec, err := s.records.LoadRecord(ctx, changeID)
	if err != nil {
		return err
	}
	return s.indexer.IndexChange(ctx, rec)
}

// ReindexAllFromPG reads every change from Postgres and pushes it to
// Meilisearch. It returns the number of records sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, error) {
	if !s.indexReady() {
		return 0, fmt.Errorf("%w: meilisearch unavailable", query.ErrCapabilityUnavailable)
	}
	if s.records == nil {
		return 0, fmt.Errorf("%w: no record source", query.ErrCapabilityUnavailable)
	}
	recs, err := s.records.LoadAllRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex load: %w", err)
	}
	if err := s.indexer.IndexChanges(ctx, recs); err != nil {
		return 0, fmt.Errorf("reindex push: %w", err)
	}
	s.logger.Info("reindexed changes", "count", len(recs))
	return len(recs), nil
}

func (s *Service) indexReady() bool {
	return s.indexer != nil && s.primary != nil && s.primary.Healthy()
}

func describe(p query.Predicate) string {
	if p == nil {
		return "*"
	}
	return p.String()
}

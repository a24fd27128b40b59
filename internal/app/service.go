// Package app exposes change queries and vote recording to callers and maps
// failures onto input and operational error classes.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"changequery/internal/label"
	"changequery/internal/processor"
	"changequery/internal/query"
	"changequery/internal/store"
)

type QueryRequest struct {
	Query string `json:"query"`
	Start int    `json:"start"`
	Limit int    `json:"limit"`
}

type QueryResult struct {
	RequestID string   `json:"requestId"`
	Changes   []string `json:"changes"`
}

type VoteInput struct {
	ChangeID string `json:"change"`
	Label    string `json:"label"`
	Value    int    `json:"value"`
	Actor    string `json:"actor"`
}

type dataStore interface {
	query.ChangeLookup
	query.ApprovalSource
	RecordApproval(context.Context, store.Approval) (store.Approval, error)
}

// changeIndexer refreshes the search index after a write.
type changeIndexer interface {
	Reindex(ctx context.Context, changeID string) error
}

type evaluator interface {
	Evaluate(ctx context.Context, p query.Predicate, page processor.Pagination) ([]string, error)
}

type Service struct {
	store     dataStore
	env       query.Env
	processor evaluator
	index     changeIndexer
	logger    *slog.Logger
}

// New wires the service. index may be nil when no search index is kept in
// sync.
func New(st dataStore, policies query.PolicyLookup, access query.AccessEvaluator, proc *processor.Processor, index changeIndexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store: st,
		env: query.Env{
			Changes:   st,
			Approvals: st,
			Policies:  policies,
			Access:    access,
		},
		processor: proc,
		index:     index,
		logger:    logger.With("component", "app"),
	}
	return s
}

// Query decodes req.Query and returns the requested window of matching
// change ids. Errors are *DomainError values, except for the caller's own
// cancellation.
func (s *Service) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return QueryResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "missing query field", nil)
	}
	pred, err := query.Decode([]byte(req.Query), s.env)
	if err != nil {
		return QueryResult{}, classify(err)
	}

	requestID := uuid.NewString()
	ids, err := s.processor.Evaluate(processor.WithRequestID(ctx, requestID), pred, processor.Pagination{
		Start: req.Start,
		Limit: req.Limit,
	})
	if err != nil {
		return QueryResult{}, classify(err)
	}
	return QueryResult{RequestID: requestID, Changes: ids}, nil
}

// RecordVote stores a vote after checking it against the label's range and
// the actor's present permitted range, then refreshes the change in the
// search index.
func (s *Service) RecordVote(ctx context.Context, input VoteInput) (store.Approval, error) {
	changeID := strings.TrimSpace(input.ChangeID)
	actor := strings.TrimSpace(input.Actor)
	labelName := strings.TrimSpace(input.Label)
	switch {
	case changeID == "":
		return store.Approval{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "change is required", nil)
	case actor == "":
		return store.Approval{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "actor is required", nil)
	case labelName == "":
		return store.Approval{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "label is required", nil)
	}

	change, err := s.store.Change(ctx, changeID)
	if err != nil {
		return store.Approval{}, classify(err)
	}
	policy, err := s.env.Policies.Policy(ctx, change.Project)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Approval{}, classify(err)
	}
	def := label.Resolve(labelName, policy.Labels)
	if !def.Range.Contains(input.Value) {
		return store.Approval{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value outside label range", map[string]any{
			"label": def.Name,
			"range": def.Range.String(),
		})
	}

	res, err := s.env.Access.VisibilityAndRange(ctx, change.ID, actor, def.Name)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !res.Visible) {
		return store.Approval{}, domainError(http.StatusForbidden, "FORBIDDEN", "actor cannot see change", nil)
	}
	if err != nil {
		return store.Approval{}, classify(err)
	}
	if !res.Range.Contains(input.Value) {
		return store.Approval{}, domainError(http.StatusForbidden, "FORBIDDEN", "vote outside permitted range", map[string]any{
			"label": def.Name,
			"range": res.Range.String(),
		})
	}

	approval, err := s.store.RecordApproval(ctx, store.Approval{
		ChangeID: change.ID,
		Revision: change.CurrentRevision,
		Label:    def.Name,
		Value:    input.Value,
		Actor:    actor,
	})
	if err != nil {
		return store.Approval{}, classify(err)
	}

	if s.index != nil {
		if err := s.index.Reindex(ctx, change.ID); err != nil {
			s.logger.Warn("reindex after vote", "change", change.ID, "err", err)
		}
	}
	s.logger.Info("vote recorded", "change", change.ID, "label", def.Name, "value", input.Value, "actor", actor)
	return approval, nil
}

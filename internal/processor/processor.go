// Package processor evaluates predicate trees against the change index and
// returns the ranked, paginated ids of matching changes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"changequery/internal/query"
)

const (
	DefaultWorkers      = 8
	DefaultMatchTimeout = 2 * time.Second
	DefaultIndexTimeout = 10 * time.Second
	DefaultLimit        = 500
	MaxLimit            = 10000
)

// Pagination selects the window [Start, Start+Limit) of the ranked matches.
// Zero values mean unset.
type Pagination struct {
	Start int
	Limit int
}

// ValidationError reports a request the caller must fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Options tunes a Processor. Zero fields take the package defaults.
type Options struct {
	Workers      int
	MatchTimeout time.Duration
	IndexTimeout time.Duration
	DefaultLimit int
	MaxLimit     int
	Logger       *slog.Logger
	Metrics      *Metrics
}

// Processor answers predicate trees. It holds no per-query state and is safe
// for concurrent use.
type Processor struct {
	index  query.IndexLookup
	opts   Options
	logger *slog.Logger
}

// New creates a processor over index.
func New(index query.IndexLookup, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MatchTimeout <= 0 {
		opts.MatchTimeout = DefaultMatchTimeout
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = DefaultIndexTimeout
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	opts.DefaultLimit = min(opts.DefaultLimit, opts.MaxLimit)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{index: index, opts: opts, logger: logger.With("component", "processor")}
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id logged for the query it carries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Evaluate returns the ids of the changes p matches, ranked newest first with
// ties broken by id, restricted to the requested window.
//
// Errors are a *ValidationError, query.ErrMalformed or
// query.ErrTooManyCandidates for input the caller must change,
// query.ErrCapabilityUnavailable when a backing source failed, or the
// context's error when the caller gave up.
func (pr *Processor) Evaluate(ctx context.Context, p query.Predicate, page Pagination) ([]string, error) {
	started := time.Now()
	logger := pr.logger.With("request_id", requestID(ctx))

	ids, err := pr.evaluate(ctx, logger, p, page)
	outcome := OutcomeOK
	switch {
	case err == nil:
	case isInputError(err):
		outcome = OutcomeInvalid
	case query.IsContextError(err) && ctx.Err() != nil:
		outcome = OutcomeCanceled
	default:
		outcome = OutcomeUnavailable
	}
	pr.opts.Metrics.observe(outcome, started)

	if err != nil {
		logger.Warn("query failed", "outcome", outcome, "err", err)
		return nil, err
	}
	logger.Debug("query evaluated", "query", p.String(), "results", len(ids), "elapsed", time.Since(started))
	return ids, nil
}

func (pr *Processor) evaluate(ctx context.Context, logger *slog.Logger, p query.Predicate, page Pagination) ([]string, error) {
	start, limit, err := pr.window(page)
	if err != nil {
		return nil, err
	}
	if err := query.Validate(p); err != nil {
		return nil, err
	}

	relaxed := query.Relax(p)
	candidates, exact, err := pr.candidates(ctx, logger, relaxed)
	if err != nil {
		return nil, err
	}

	var matched []query.Candidate
	if exact && !query.NeedsRecheck(p) {
		matched = slices.Clone(candidates)
	} else {
		matched, err = pr.confirm(ctx, logger, p, candidates)
		if err != nil {
			return nil, err
		}
	}

	rank(matched)
	if start >= len(matched) {
		return []string{}, nil
	}
	end := min(len(matched), start+limit)
	ids := make([]string, 0, end-start)
	for _, c := range matched[start:end] {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (pr *Processor) window(page Pagination) (int, int, error) {
	if page.Start < 0 {
		return 0, 0, &ValidationError{Field: "start", Message: "must not be negative"}
	}
	if page.Limit < 0 {
		return 0, 0, &ValidationError{Field: "limit", Message: "must not be negative"}
	}
	limit := page.Limit
	if limit == 0 {
		limit = pr.opts.DefaultLimit
	}
	return page.Start, min(limit, pr.opts.MaxLimit), nil
}

// candidates asks the index for the relaxed tree, or for every change when
// the index cannot represent it. exact reports whether the index answered
// the relaxed tree itself.
func (pr *Processor) candidates(ctx context.Context, logger *slog.Logger, relaxed query.Predicate) (out []query.Candidate, exact bool, err error) {
	ictx, cancel := context.WithTimeout(ctx, pr.opts.IndexTimeout)
	defer cancel()

	exact = true
	out, err = pr.index.Query(ictx, relaxed)
	if errors.Is(err, query.ErrUnsupported) && relaxed != nil {
		logger.Debug("index rejected predicate, scanning all changes", "predicate", relaxed.String())
		exact = false
		out, err = pr.index.Query(ictx, nil)
	}
	switch {
	case err == nil:
		return out, exact, nil
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	case errors.Is(err, query.ErrCapabilityUnavailable), errors.Is(err, query.ErrTooManyCandidates):
		return nil, false, err
	default:
		return nil, false, fmt.Errorf("%w: index: %w", query.ErrCapabilityUnavailable, err)
	}
}

// confirm runs Match for every candidate on a bounded pool of workers. A
// candidate whose match times out, or whose voter access cannot be
// established, is dropped.
func (pr *Processor) confirm(ctx context.Context, logger *slog.Logger, p query.Predicate, candidates []query.Candidate) ([]query.Candidate, error) {
	keep := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pr.opts.Workers)
	for i, c := range candidates {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(gctx, pr.opts.MatchTimeout)
			defer cancel()

			ok, err := query.Match(mctx, p, c.ID)
			switch {
			case err == nil:
				keep[i] = ok
				return nil
			case errors.Is(err, context.DeadlineExceeded) && gctx.Err() == nil:
				pr.opts.Metrics.timeout()
				logger.Warn("match timed out", "change", c.ID, "timeout", pr.opts.MatchTimeout)
				return nil
			case query.IsContextError(err), errors.Is(err, query.ErrCapabilityUnavailable), errors.Is(err, query.ErrMalformed):
				return err
			default:
				logger.Warn("dropping candidate", "change", c.ID, "err", err)
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	pr.opts.Metrics.addCandidates(len(candidates))

	matched := make([]query.Candidate, 0, len(candidates))
	for i, c := range candidates {
		if keep[i] {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

// rank orders candidates newest first, then by id, so results do not depend
// on index order or worker scheduling.
func rank(cs []query.Candidate) {
	slices.SortFunc(cs, func(a, b query.Candidate) int {
		if c := b.Updated.Compare(a.Updated); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func isInputError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, query.ErrMalformed) || errors.Is(err, query.ErrTooManyCandidates)
}

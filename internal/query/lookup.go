package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changequery/internal/access"
	"changequery/internal/store"
)

var (
	// ErrUnsupported is returned by an IndexLookup that cannot represent a
	// predicate natively.
	ErrUnsupported = errors.New("query: predicate not supported by index")

	// ErrCapabilityUnavailable marks failures of a backing source (index,
	// store, policy lookup) as opposed to problems with the query itself.
	ErrCapabilityUnavailable = errors.New("query: capability unavailable")

	// ErrMalformed is returned when a predicate tree cannot be built.
	ErrMalformed = errors.New("query: malformed predicate")

	// ErrTooManyCandidates is returned by an IndexLookup when the index
	// holds more candidates than it is allowed to return. Answering from a
	// truncated candidate set would silently lose matches.
	ErrTooManyCandidates = errors.New("query: too many candidates")
)

// Candidate is a change returned by the index, with the key results are
// ranked by.
type Candidate struct {
	ID      string
	Updated time.Time
}

// IndexLookup returns the changes matching a predicate. A nil predicate
// selects every change.
type IndexLookup interface {
	Query(ctx context.Context, p Predicate) ([]Candidate, error)
}

type ChangeLookup interface {
	Change(ctx context.Context, id string) (store.Change, error)
}

type PolicyLookup interface {
	Policy(ctx context.Context, project string) (store.ProjectPolicy, error)
}

// ApprovalSource lists the approvals on a change's current revision.
type ApprovalSource interface {
	CurrentApprovals(ctx context.Context, changeID string) ([]store.Approval, error)
}

type AccessEvaluator interface {
	VisibilityAndRange(ctx context.Context, changeID, actor, labelName string) (access.Result, error)
}

// Env carries the capabilities predicates consult while matching. It is fixed
// when a predicate is constructed.
type Env struct {
	Changes   ChangeLookup
	Approvals ApprovalSource
	Policies  PolicyLookup
	Access    AccessEvaluator
}

// lookupFailure is the one rule for failed lookups during matching. A vanished
// entity yields nil, so the caller reports no match. Context errors pass
// through untouched; anything else means the source is unavailable.
func lookupFailure(what string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case IsContextError(err):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrCapabilityUnavailable, what, err)
	}
}

// IsContextError reports whether err comes from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

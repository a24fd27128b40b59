package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changequery/internal/access"
	"changequery/internal/label"
	"changequery/internal/processor"
	"changequery/internal/query"
	"changequery/internal/store"
)

type fakeStore struct {
	changes   map[string]store.Change
	approvals map[string][]store.Approval

	recordApprovalFn func(context.Context, store.Approval) (store.Approval, error)
	recorded         []store.Approval
}

func (f *fakeStore) Change(_ context.Context, id string) (store.Change, error) {
	c, ok := f.changes[id]
	if !ok {
		return store.Change{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CurrentApprovals(_ context.Context, id string) ([]store.Approval, error) {
	return f.approvals[id], nil
}

func (f *fakeStore) RecordApproval(ctx context.Context, a store.Approval) (store.Approval, error) {
	if f.recordApprovalFn != nil {
		return f.recordApprovalFn(ctx, a)
	}
	a.GrantedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f.recorded = append(f.recorded, a)
	f.approvals[a.ChangeID] = append(f.approvals[a.ChangeID], a)
	return a, nil
}

type fakePolicies struct {
	policyFn func(context.Context, string) (store.ProjectPolicy, error)
}

func (f fakePolicies) Policy(ctx context.Context, project string) (store.ProjectPolicy, error) {
	if f.policyFn != nil {
		return f.policyFn(ctx, project)
	}
	if project != "platform" {
		return store.ProjectPolicy{}, store.ErrNotFound
	}
	return store.ProjectPolicy{
		Project: "platform",
		Labels:  []label.Definition{{Name: "Code-Review", Abbreviation: "CR", Range: label.Range{Min: -2, Max: 2}}},
	}, nil
}

type fakeAccess map[string]access.Result

func (f fakeAccess) VisibilityAndRange(_ context.Context, _, actor, _ string) (access.Result, error) {
	res, ok := f[actor]
	if !ok {
		return access.Result{}, store.ErrNotFound
	}
	return res, nil
}

type fakeIndex struct {
	st  *fakeStore
	err error
}

func (f *fakeIndex) Query(context.Context, query.Predicate) ([]query.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]query.Candidate, 0, len(f.st.changes))
	for _, c := range f.st.changes {
		out = append(out, query.Candidate{ID: c.ID, Updated: c.UpdatedAt})
	}
	return out, nil
}

type recordingIndexer struct {
	ids []string
	err error
}

func (r *recordingIndexer) Reindex(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return r.err
}

type fixture struct {
	svc     *Service
	store   *fakeStore
	index   *fakeIndex
	indexer *recordingIndexer
}

func newFixture() *fixture {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	st := &fakeStore{
		changes: map[string]store.Change{
			"c1": {ID: "c1", Project: "platform", CurrentRevision: 2, UpdatedAt: base},
			"c2": {ID: "c2", Project: "platform", CurrentRevision: 1, UpdatedAt: base.Add(time.Hour)},
		},
		approvals: map[string][]store.Approval{},
	}
	acc := fakeAccess{
		"maintainer": {Visible: true, Range: label.Range{Min: -2, Max: 2}},
		"reviewer":   {Visible: true, Range: label.Range{Min: -1, Max: 1}},
		"outsider":   {Visible: false},
	}
	idx := &fakeIndex{st: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := processor.New(idx, processor.Options{Logger: logger})
	indexer := &recordingIndexer{}
	return &fixture{
		svc:     New(st, fakePolicies{}, acc, proc, indexer, logger),
		store:   st,
		index:   idx,
		indexer: indexer,
	}
}

func requireDomainError(t *testing.T, err error, status int, class Class) *DomainError {
	t.Helper()
	var de *DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, status, de.Status)
	assert.Equal(t, class, de.Class)
	assert.Equal(t, class, ClassOf(err))
	return de
}

func TestQueryMissingQueryField(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Query(context.Background(), QueryRequest{Query: "  "})
	de := requireDomainError(t, err, http.StatusBadRequest, ClassInput)
	assert.Equal(t, "missing query field", de.Message)
}

func TestQueryMalformedTreeIsInputError(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Query(context.Background(), QueryRequest{Query: `{"op":"xor"}`})
	de := requireDomainError(t, err, http.StatusBadRequest, ClassInput)
	assert.Equal(t, "MALFORMED_QUERY", de.Code)
	assert.ErrorIs(t, err, query.ErrMalformed)
}

func TestQueryNegativePaginationIsInputError(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Query(context.Background(), QueryRequest{Query: `{"op":"eq","field":"project","value":"platform"}`, Start: -1})
	de := requireDomainError(t, err, http.StatusUnprocessableEntity, ClassInput)
	assert.Equal(t, map[string]any{"field": "start"}, de.Details)
}

func TestQueryIndexOutageIsOperational(t *testing.T) {
	f := newFixture()
	f.index.err = errors.New("dial tcp 10.0.0.7:7700: connect: connection refused")
	_, err := f.svc.Query(context.Background(), QueryRequest{Query: `{"op":"label","label":"CR","vote":0}`})
	de := requireDomainError(t, err, http.StatusServiceUnavailable, ClassOperational)
	assert.Equal(t, "CAPABILITY_UNAVAILABLE", de.Code)
}

func TestQueryTooManyCandidatesIsInputError(t *testing.T) {
	f := newFixture()
	f.index.err = fmt.Errorf("%w: more than 50000", query.ErrTooManyCandidates)
	_, err := f.svc.Query(context.Background(), QueryRequest{Query: `{"op":"label","label":"CR","vote":0}`})
	de := requireDomainError(t, err, http.StatusUnprocessableEntity, ClassInput)
	assert.Equal(t, "TOO_MANY_CANDIDATES", de.Code)
}

func TestQueryCancellationIsNotClassified(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Query(ctx, QueryRequest{Query: `{"op":"label","label":"CR","vote":0}`})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Class(""), ClassOf(err))
}

func TestQueryLabelVote(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.svc.Query(ctx, QueryRequest{Query: `{"op":"label","label":"Code-Review","vote":0}`})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, []string{"c2", "c1"}, res.Changes)

	_, err = f.svc.RecordVote(ctx, VoteInput{ChangeID: "c1", Label: "cr", Value: 2, Actor: "maintainer"})
	require.NoError(t, err)

	res, err = f.svc.Query(ctx, QueryRequest{Query: `{"op":"label","label":"Code-Review","vote":2}`})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, res.Changes)

	res, err = f.svc.Query(ctx, QueryRequest{Query: `{"op":"label","label":"Code-Review","vote":0}`, Start: 0, Limit: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, res.Changes)
}

func TestRecordVoteStoresCanonicalLabelOnCurrentRevision(t *testing.T) {
	f := newFixture()
	a, err := f.svc.RecordVote(context.Background(), VoteInput{ChangeID: "c1", Label: "code-review", Value: -1, Actor: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, "Code-Review", a.Label)
	assert.Equal(t, 2, a.Revision)
	assert.False(t, a.GrantedAt.IsZero())
	assert.Equal(t, []string{"c1"}, f.indexer.ids)
}

func TestRecordVoteRejections(t *testing.T) {
	cases := []struct {
		name   string
		input  VoteInput
		status int
		class  Class
	}{
		{"missing change", VoteInput{Label: "CR", Value: 1, Actor: "reviewer"}, http.StatusUnprocessableEntity, ClassInput},
		{"missing actor", VoteInput{ChangeID: "c1", Label: "CR", Value: 1}, http.StatusUnprocessableEntity, ClassInput},
		{"missing label", VoteInput{ChangeID: "c1", Value: 1, Actor: "reviewer"}, http.StatusUnprocessableEntity, ClassInput},
		{"unknown change", VoteInput{ChangeID: "nope", Label: "CR", Value: 1, Actor: "reviewer"}, http.StatusNotFound, ClassInput},
		{"outside label range", VoteInput{ChangeID: "c1", Label: "CR", Value: 3, Actor: "maintainer"}, http.StatusUnprocessableEntity, ClassInput},
		{"outside actor range", VoteInput{ChangeID: "c1", Label: "CR", Value: 2, Actor: "reviewer"}, http.StatusForbidden, ClassInput},
		{"cannot see change", VoteInput{ChangeID: "c1", Label: "CR", Value: 1, Actor: "outsider"}, http.StatusForbidden, ClassInput},
		{"not a member", VoteInput{ChangeID: "c1", Label: "CR", Value: 1, Actor: "stranger"}, http.StatusForbidden, ClassInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.RecordVote(context.Background(), tc.input)
			requireDomainError(t, err, tc.status, tc.class)
			assert.Empty(t, f.store.recorded)
			assert.Empty(t, f.indexer.ids)
		})
	}
}

func TestRecordVoteUnknownLabelUsesDefaultRange(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.RecordVote(ctx, VoteInput{ChangeID: "c1", Label: "Verified", Value: 1, Actor: "maintainer"})
	require.NoError(t, err)

	_, err = f.svc.RecordVote(ctx, VoteInput{ChangeID: "c1", Label: "Verified", Value: -1, Actor: "maintainer"})
	requireDomainError(t, err, http.StatusUnprocessableEntity, ClassInput)
}

func TestRecordVoteStoreFailureIsOperational(t *testing.T) {
	f := newFixture()
	f.store.recordApprovalFn = func(context.Context, store.Approval) (store.Approval, error) {
		return store.Approval{}, errors.New("deadlock detected")
	}
	_, err := f.svc.RecordVote(context.Background(), VoteInput{ChangeID: "c1", Label: "CR", Value: 1, Actor: "reviewer"})
	requireDomainError(t, err, http.StatusInternalServerError, ClassOperational)
}

func TestRecordVotePolicyOutageIsOperational(t *testing.T) {
	f := newFixture()
	f.svc.env.Policies = fakePolicies{policyFn: func(context.Context, string) (store.ProjectPolicy, error) {
		return store.ProjectPolicy{}, errors.Join(query.ErrCapabilityUnavailable, errors.New("redis: connection pool timeout"))
	}}
	_, err := f.svc.RecordVote(context.Background(), VoteInput{ChangeID: "c1", Label: "CR", Value: 1, Actor: "reviewer"})
	requireDomainError(t, err, http.StatusServiceUnavailable, ClassOperational)
}

func TestRecordVoteReindexFailureIsLoggedOnly(t *testing.T) {
	f := newFixture()
	f.indexer.err = errors.New("meilisearch unhealthy")
	_, err := f.svc.RecordVote(context.Background(), VoteInput{ChangeID: "c2", Label: "CR", Value: 1, Actor: "reviewer"})
	require.NoError(t, err)
	assert.Len(t, f.store.recorded, 1)
}

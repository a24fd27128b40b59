package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changequery/internal/label"
	"changequery/internal/store"
)

type fakeAdminStore struct {
	projects    []string
	labels      map[string][]label.Definition
	grants      map[string][]store.Grant
	members     []store.Membership
	changes     []store.Change
	revisions   []store.Revision
	createErr   error
	revisionsOf map[string]int
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		labels:      map[string][]label.Definition{},
		grants:      map[string][]store.Grant{},
		revisionsOf: map[string]int{},
	}
}

func (f *fakeAdminStore) CreateProject(_ context.Context, name string) error {
	f.projects = append(f.projects, name)
	return nil
}

func (f *fakeAdminStore) PutLabel(_ context.Context, project string, d label.Definition, _ int) error {
	f.labels[project] = append(f.labels[project], d)
	return nil
}

func (f *fakeAdminStore) PutGrant(_ context.Context, project string, g store.Grant) error {
	f.grants[project] = append(f.grants[project], g)
	return nil
}

func (f *fakeAdminStore) PutMembership(_ context.Context, m store.Membership) error {
	f.members = append(f.members, m)
	return nil
}

func (f *fakeAdminStore) CreateChange(_ context.Context, c store.Change, first store.Revision) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.changes = append(f.changes, c)
	f.revisions = append(f.revisions, first)
	f.revisionsOf[c.ID] = 1
	return nil
}

func (f *fakeAdminStore) AddRevision(_ context.Context, r store.Revision) (int, error) {
	n, ok := f.revisionsOf[r.ChangeID]
	if !ok {
		return 0, store.ErrNotFound
	}
	f.revisionsOf[r.ChangeID] = n + 1
	f.revisions = append(f.revisions, r)
	return n + 1, nil
}

type recordingInvalidator struct {
	projects []string
	err      error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, project string) error {
	r.projects = append(r.projects, project)
	return r.err
}

type recordingAdminIndexer struct {
	recordingIndexer
	full int
}

func (r *recordingAdminIndexer) ReindexAllFromPG(context.Context) (int, error) {
	r.full++
	return 0, r.err
}

type adminFixture struct {
	admin   *Admin
	store   *fakeAdminStore
	cache   *recordingInvalidator
	indexer *recordingAdminIndexer
}

func newAdminFixture() *adminFixture {
	st := newFakeAdminStore()
	cache := &recordingInvalidator{}
	idx := &recordingAdminIndexer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &adminFixture{
		admin:   NewAdmin(st, cache, idx, logger),
		store:   st,
		cache:   cache,
		indexer: idx,
	}
}

func TestPutLabelInvalidatesPolicyAndReindexes(t *testing.T) {
	f := newAdminFixture()
	def, err := f.admin.PutLabel(context.Background(), LabelInput{Project: "platform", Name: "Code-Review", Min: -2, Max: 2})
	require.NoError(t, err)
	assert.Equal(t, "CR", def.Abbreviation)
	assert.Equal(t, []label.Definition{def}, f.store.labels["platform"])
	assert.Equal(t, []string{"platform"}, f.cache.projects)
	assert.Equal(t, 1, f.indexer.full)
}

func TestPutLabelToleratesCacheAndIndexOutages(t *testing.T) {
	f := newAdminFixture()
	f.cache.err = errors.New("redis: connection refused")
	f.indexer.err = errors.New("meilisearch unhealthy")
	_, err := f.admin.PutLabel(context.Background(), LabelInput{Project: "platform", Name: "Verified", Abbreviation: "V", Min: -1, Max: 1})
	require.NoError(t, err)
	assert.Len(t, f.store.labels["platform"], 1)
}

func TestPutGrantBuildsPermissionAndInvalidates(t *testing.T) {
	f := newAdminFixture()
	g, err := f.admin.PutGrant(context.Background(), GrantInput{Project: "platform", Label: "Code-Review", Role: "editor", Min: -1, Max: 1})
	require.NoError(t, err)
	assert.Equal(t, store.Grant{Permission: "label-Code-Review", Role: "editor", Min: -1, Max: 1}, g)
	assert.Equal(t, []string{"platform"}, f.cache.projects)
}

func TestAdminWithoutCache(t *testing.T) {
	st := newFakeAdminStore()
	admin := NewAdmin(st, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := admin.PutGrant(context.Background(), GrantInput{Project: "platform", Label: "Verified", Role: "admin", Min: -1, Max: 1})
	require.NoError(t, err)
	_, err = admin.CreateChange(context.Background(), ChangeInput{ID: "c1", Project: "platform", Branch: "main", Owner: "bob", CommitHash: "abc"})
	require.NoError(t, err)
}

func TestPutMember(t *testing.T) {
	f := newAdminFixture()
	m, err := f.admin.PutMember(context.Background(), MemberInput{Project: "platform", Actor: "alice", Role: "viewer", Active: true})
	require.NoError(t, err)
	assert.Equal(t, store.Membership{Project: "platform", Actor: "alice", Role: "viewer", Active: true}, m)
}

func TestCreateChangeAndRevision(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	c, err := f.admin.CreateChange(ctx, ChangeInput{ID: "c1", Project: "platform", Branch: "main", Owner: "bob", Subject: "Fix", CommitHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusNew, c.Status)
	assert.Equal(t, store.Revision{ChangeID: "c1", Number: 1, CommitHash: "abc", Uploader: "bob"}, f.store.revisions[0])

	n, err := f.admin.AddRevision(ctx, RevisionInput{ChangeID: "c1", CommitHash: "def", Uploader: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"c1", "c1"}, f.indexer.ids)

	_, err = f.admin.AddRevision(ctx, RevisionInput{ChangeID: "nope", CommitHash: "def", Uploader: "bob"})
	requireDomainError(t, err, http.StatusNotFound, ClassInput)
}

func TestCreateChangeStoreFailureIsOperational(t *testing.T) {
	f := newAdminFixture()
	f.store.createErr = errors.New("insert or update on table \"changes\" violates foreign key constraint")
	_, err := f.admin.CreateChange(context.Background(), ChangeInput{ID: "c1", Project: "ghost", Branch: "main", Owner: "bob", CommitHash: "abc"})
	requireDomainError(t, err, http.StatusInternalServerError, ClassOperational)
	assert.Empty(t, f.indexer.ids)
}

func TestAdminRejections(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(*Admin) error{
		"blank project": func(a *Admin) error { return a.CreateProject(ctx, " ") },
		"label without name": func(a *Admin) error {
			_, err := a.PutLabel(ctx, LabelInput{Project: "platform", Min: 0, Max: 1})
			return err
		},
		"inverted label range": func(a *Admin) error {
			_, err := a.PutLabel(ctx, LabelInput{Project: "platform", Name: "Verified", Min: 1, Max: -1})
			return err
		},
		"grant to unknown role": func(a *Admin) error {
			_, err := a.PutGrant(ctx, GrantInput{Project: "platform", Label: "Verified", Role: "owner", Min: 0, Max: 1})
			return err
		},
		"member with misspelled role": func(a *Admin) error {
			_, err := a.PutMember(ctx, MemberInput{Project: "platform", Actor: "alice", Role: "guest-typo", Active: true})
			return err
		},
		"change without commit": func(a *Admin) error {
			_, err := a.CreateChange(ctx, ChangeInput{ID: "c1", Project: "platform", Branch: "main", Owner: "bob"})
			return err
		},
		"change with unknown status": func(a *Admin) error {
			_, err := a.CreateChange(ctx, ChangeInput{ID: "c1", Project: "platform", Branch: "main", Owner: "bob", Status: "draft", CommitHash: "abc"})
			return err
		},
		"revision without uploader": func(a *Admin) error {
			_, err := a.AddRevision(ctx, RevisionInput{ChangeID: "c1", CommitHash: "abc"})
			return err
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			f := newAdminFixture()
			requireDomainError(t, run(f.admin), http.StatusUnprocessableEntity, ClassInput)
			assert.Empty(t, f.store.projects)
			assert.Empty(t, f.store.labels)
			assert.Empty(t, f.store.grants)
			assert.Empty(t, f.store.members)
			assert.Empty(t, f.store.changes)
			assert.Empty(t, f.cache.projects)
		})
	}
}

package query

import (
	"context"
	"sync"

	"changequery/internal/access"
	"changequery/internal/label"
	"changequery/internal/store"
)

// world is an in-memory stand-in for every lookup a predicate consults.
type world struct {
	mu sync.Mutex

	changes   map[string]store.Change
	policies  map[string]store.ProjectPolicy
	approvals map[string][]store.Approval
	// access keyed by actor; missing actors are reported as not found.
	access map[string]access.Result

	changeFn   func(context.Context, string) (store.Change, error)
	policyFn   func(context.Context, string) (store.ProjectPolicy, error)
	approvalFn func(context.Context, string) ([]store.Approval, error)
	accessFn   func(context.Context, string, string, string) (access.Result, error)

	accessCalls []string
}

func newWorld() *world {
	return &world{
		changes: map[string]store.Change{
			"c1": {ID: "c1", Project: "platform", Branch: "main", Status: store.StatusNew, Owner: "bob"},
		},
		policies: map[string]store.ProjectPolicy{
			"platform": {
				Project: "platform",
				Labels: []label.Definition{
					{Name: "Code-Review", Abbreviation: "CR", Range: label.Range{Min: -2, Max: 2}},
					{Name: "Verified", Abbreviation: "V", Range: label.Range{Min: -1, Max: 1}},
				},
			},
		},
		approvals: map[string][]store.Approval{},
		access:    map[string]access.Result{},
	}
}

func (w *world) env() Env {
	return Env{Changes: w, Approvals: w, Policies: w, Access: w}
}

func (w *world) vote(changeID, labelName, actor string, value int) {
	w.approvals[changeID] = append(w.approvals[changeID], store.Approval{
		ChangeID: changeID, Revision: 1, Label: labelName, Value: value, Actor: actor,
	})
}

func (w *world) grant(actor string, visible bool, lo, hi int) {
	w.access[actor] = access.Result{Visible: visible, Range: label.Range{Min: lo, Max: hi}}
}

func (w *world) Change(ctx context.Context, id string) (store.Change, error) {
	if w.changeFn != nil {
		return w.changeFn(ctx, id)
	}
	c, ok := w.changes[id]
	if !ok {
		return store.Change{}, store.ErrNotFound
	}
	return c, nil
}

func (w *world) Policy(ctx context.Context, project string) (store.ProjectPolicy, error) {
	if w.policyFn != nil {
		return w.policyFn(ctx, project)
	}
	p, ok := w.policies[project]
	if !ok {
		return store.ProjectPolicy{}, store.ErrNotFound
	}
	return p, nil
}

func (w *world) CurrentApprovals(ctx context.Context, changeID string) ([]store.Approval, error) {
	if w.approvalFn != nil {
		return w.approvalFn(ctx, changeID)
	}
	return w.approvals[changeID], nil
}

func (w *world) VisibilityAndRange(ctx context.Context, changeID, actor, labelName string) (access.Result, error) {
	w.mu.Lock()
	w.accessCalls = append(w.accessCalls, actor)
	w.mu.Unlock()
	if w.accessFn != nil {
		return w.accessFn(ctx, changeID, actor, labelName)
	}
	res, ok := w.access[actor]
	if !ok {
		return access.Result{}, store.ErrNotFound
	}
	return res, nil
}

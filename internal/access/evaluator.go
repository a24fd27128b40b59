// Package access computes what an actor may currently do on a change: whether
// the change is visible to them, and which values they may vote on a label.
package access

import (
	"context"
	"errors"
	"fmt"

	"changequery/internal/label"
	"changequery/internal/store"
)

// Result is an actor's present access to one label on one change.
type Result struct {
	Visible bool
	Range   label.Range
}

type ChangeLookup interface {
	Change(ctx context.Context, id string) (store.Change, error)
}

type PolicyLookup interface {
	Policy(ctx context.Context, project string) (store.ProjectPolicy, error)
}

type MembershipLookup interface {
	Membership(ctx context.Context, project, actor string) (store.Membership, error)
}

// Evaluator derives access from project memberships and the label grants of
// the project policy.
type Evaluator struct {
	changes  ChangeLookup
	policies PolicyLookup
	members  MembershipLookup
}

func NewEvaluator(changes ChangeLookup, policies PolicyLookup, members MembershipLookup) *Evaluator {
	return &Evaluator{changes: changes, policies: policies, members: members}
}

// VisibilityAndRange returns store.ErrNotFound when the change or its project
// is gone. An actor without an active membership, or whose membership names a
// role we do not know, gets an invisible result.
func (e *Evaluator) VisibilityAndRange(ctx context.Context, changeID, actor, labelName string) (Result, error) {
	change, err := e.changes.Change(ctx, changeID)
	if err != nil {
		return Result{}, err
	}

	m, err := e.members.Membership(ctx, change.Project, actor)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("membership %s/%s: %w", change.Project, actor, err)
	}
	role, known := ParseRole(m.Role)
	if !known || !m.Active || !Can(role, ActionRead) {
		return Result{}, nil
	}

	res := Result{Visible: true, Range: label.Empty}
	if !Can(role, ActionVote) {
		return res, nil
	}

	policy, err := e.policies.Policy(ctx, change.Project)
	if err != nil {
		return Result{}, err
	}
	res.Range = RangeFor(policy.Grants, role, label.PermissionFor(labelName))
	return res, nil
}

// RangeFor unions every grant on permission that role includes. Without a
// matching grant the range is empty.
func RangeFor(grants []store.Grant, role Role, permission string) label.Range {
	var (
		r     label.Range
		found bool
	)
	for _, g := range grants {
		if g.Permission != permission || !Includes(role, Role(g.Role)) {
			continue
		}
		if !found {
			r, found = g.Range(), true
			continue
		}
		r = r.Union(g.Range())
	}
	if !found {
		return label.Empty
	}
	return r
}

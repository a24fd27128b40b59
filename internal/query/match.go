package query

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"changequery/internal/label"
)

// Match evaluates p against the change with the given id. A change, project
// or voter that disappeared makes the affected predicate false rather than
// failing. Children of And and Or run in ascending cost order and stop as soon
// as the result is known.
func Match(ctx context.Context, p Predicate, changeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch p := p.(type) {
	case *And:
		for _, c := range byCost(p.Children) {
			ok, err := Match(ctx, c, changeID)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		for _, c := range byCost(p.Children) {
			ok, err := Match(ctx, c, changeID)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		ok, err := Match(ctx, p.Child, changeID)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case *Equality:
		return p.match(ctx, changeID)
	case *LabelVote:
		return p.match(ctx, changeID)
	default:
		return false, fmt.Errorf("%w: unknown predicate %T", ErrMalformed, p)
	}
}

func byCost(children []Predicate) []Predicate {
	ordered := slices.Clone(children)
	slices.SortStableFunc(ordered, func(a, b Predicate) int {
		return Cost(a) - Cost(b)
	})
	return ordered
}

const branchRefPrefix = "refs/heads/"

func (p *Equality) match(ctx context.Context, changeID string) (bool, error) {
	c, err := p.changes.Change(ctx, changeID)
	if err != nil {
		return false, lookupFailure("change "+changeID, err)
	}
	switch p.Field {
	case FieldChange:
		return c.ID == p.Value, nil
	case FieldProject:
		return c.Project == p.Value, nil
	case FieldBranch:
		return strings.TrimPrefix(c.Branch, branchRefPrefix) == strings.TrimPrefix(p.Value, branchRefPrefix), nil
	case FieldStatus:
		return strings.EqualFold(c.Status, p.Value), nil
	case FieldOwner:
		return c.Owner == p.Value, nil
	default:
		return false, fmt.Errorf("%w: unknown field %q", ErrMalformed, p.Field)
	}
}

func (p *LabelVote) match(ctx context.Context, changeID string) (bool, error) {
	change, err := p.env.Changes.Change(ctx, changeID)
	if err != nil {
		return false, lookupFailure("change "+changeID, err)
	}
	policy, err := p.env.Policies.Policy(ctx, change.Project)
	if err != nil {
		return false, lookupFailure("project "+change.Project, err)
	}
	def := label.Resolve(p.Label, policy.Labels)

	approvals, err := p.env.Approvals.CurrentApprovals(ctx, change.ID)
	if err != nil {
		return false, lookupFailure("approvals "+change.ID, err)
	}

	hasVote := false
	for _, a := range approvals {
		if !def.Matches(a.Label) {
			continue
		}
		hasVote = true
		if a.Value != p.Value {
			continue
		}
		ok, err := p.stillPermitted(ctx, change.ID, a.Actor, a.Value, def)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	// No vote at all counts as a vote of zero.
	return !hasVote && p.Value == 0, nil
}

// stillPermitted re-derives the voter's present range and reports whether the
// recorded value, squashed into it, still equals the expected value. A voter
// who can no longer see the change does not count.
func (p *LabelVote) stillPermitted(ctx context.Context, changeID, actor string, value int, def label.Definition) (bool, error) {
	res, err := p.env.Access.VisibilityAndRange(ctx, changeID, actor, def.Name)
	if err != nil {
		if lookupFailure("access "+actor, err) == nil {
			return false, nil
		}
		if IsContextError(err) {
			return false, err
		}
		return false, fmt.Errorf("access %s on %s: %w", actor, changeID, err)
	}
	if !res.Visible {
		return false, nil
	}
	return res.Range.Squash(value) == p.Value, nil
}

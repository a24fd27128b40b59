// Package query defines the predicates a change query is built from and the
// single entry point that evaluates them against a change.
//
// The predicate set is closed: And, Or, Not, Equality and LabelVote. Index
// adapters translate the index-native part of a tree; LabelVote depends on
// live authorization state and is always confirmed with Match.
package query

import (
	"fmt"
	"strings"
)

// Predicate is one node of a query tree.
type Predicate interface {
	fmt.Stringer
	predicate()
}

type And struct {
	Children []Predicate
}

type Or struct {
	Children []Predicate
}

type Not struct {
	Child Predicate
}

// Field names a change attribute the index stores verbatim.
type Field string

const (
	FieldChange  Field = "change"
	FieldProject Field = "project"
	FieldBranch  Field = "branch"
	FieldStatus  Field = "status"
	FieldOwner   Field = "owner"
)

// Fields lists every field Equality accepts.
var Fields = []Field{FieldChange, FieldProject, FieldBranch, FieldStatus, FieldOwner}

func (f Field) valid() bool {
	for _, known := range Fields {
		if f == known {
			return true
		}
	}
	return false
}

// Equality matches changes whose Field equals Value.
type Equality struct {
	Field Field
	Value string

	changes ChangeLookup
}

// LabelVote matches changes carrying a vote of Value on Label that the voter
// is still allowed to cast. Value 0 also matches changes nobody voted on.
type LabelVote struct {
	Label string
	Value int

	env Env
}

func (*And) predicate()       {}
func (*Or) predicate()        {}
func (*Not) predicate()       {}
func (*Equality) predicate()  {}
func (*LabelVote) predicate() {}

func NewAnd(children ...Predicate) *And { return &And{Children: children} }
func NewOr(children ...Predicate) *Or   { return &Or{Children: children} }
func NewNot(child Predicate) *Not       { return &Not{Child: child} }

// Equality builds an equality predicate on one of the known fields.
func (env Env) Equality(field Field, value string) (*Equality, error) {
	if !field.valid() {
		return nil, fmt.Errorf("%w: unknown field %q", ErrMalformed, field)
	}
	if env.Changes == nil {
		return nil, fmt.Errorf("%w: %s requires a change lookup", ErrMalformed, field)
	}
	return &Equality{Field: field, Value: value, changes: env.Changes}, nil
}

// LabelVote builds a label vote predicate bound to the environment's
// capabilities.
func (env Env) LabelVote(labelName string, value int) (*LabelVote, error) {
	if strings.TrimSpace(labelName) == "" {
		return nil, fmt.Errorf("%w: empty label name", ErrMalformed)
	}
	if env.Changes == nil || env.Approvals == nil || env.Policies == nil || env.Access == nil {
		return nil, fmt.Errorf("%w: label %s requires change, approval, policy and access lookups", ErrMalformed, labelName)
	}
	return &LabelVote{Label: labelName, Value: value, env: env}, nil
}

func (p *And) String() string { return joinChildren(p.Children, " AND ") }
func (p *Or) String() string  { return joinChildren(p.Children, " OR ") }
func (p *Not) String() string { return "NOT " + p.Child.String() }

func (p *Equality) String() string {
	return fmt.Sprintf("%s:%s", p.Field, p.Value)
}

func (p *LabelVote) String() string {
	return fmt.Sprintf("label:%s=%+d", p.Label, p.Value)
}

func joinChildren(children []Predicate, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Cost estimates the per-candidate work of evaluating p. Equality compares a
// field of an already loaded change; LabelVote is charged a constant so that
// it runs after cheaper, more selective predicates.
func Cost(p Predicate) int {
	switch p := p.(type) {
	case *And:
		return sumCost(p.Children)
	case *Or:
		return sumCost(p.Children)
	case *Not:
		return Cost(p.Child)
	case *Equality:
		return 0
	case *LabelVote:
		return 1
	default:
		return 0
	}
}

func sumCost(children []Predicate) int {
	total := 0
	for _, c := range children {
		total += Cost(c)
	}
	return total
}

// NeedsRecheck reports whether any part of p depends on live authorization
// state. Index results for such trees are never final.
func NeedsRecheck(p Predicate) bool {
	switch p := p.(type) {
	case *And:
		return anyRecheck(p.Children)
	case *Or:
		return anyRecheck(p.Children)
	case *Not:
		return NeedsRecheck(p.Child)
	case *LabelVote:
		return true
	default:
		return false
	}
}

func anyRecheck(children []Predicate) bool {
	for _, c := range children {
		if NeedsRecheck(c) {
			return true
		}
	}
	return false
}

// Relax returns an index-native predicate selecting a superset of the changes
// p matches, or nil when no such restriction exists and every change is a
// candidate. Trees without live state come back unchanged.
//
// A LabelVote on a non-zero value is kept: a change can only match it while it
// carries a recorded vote of exactly that value, so an index answers it as a
// filter on recorded votes (see IsVotePrefilter). A zero vote also matches
// changes nobody voted on and relaxes to nil.
func Relax(p Predicate) Predicate {
	if !NeedsRecheck(p) {
		return p
	}
	switch p := p.(type) {
	case *LabelVote:
		if IsVotePrefilter(p) {
			return p
		}
		return nil
	case *And:
		var kept []Predicate
		for _, c := range p.Children {
			if r := Relax(c); r != nil {
				kept = append(kept, r)
			}
		}
		switch len(kept) {
		case 0:
			return nil
		case 1:
			return kept[0]
		default:
			return &And{Children: kept}
		}
	case *Or:
		kept := make([]Predicate, 0, len(p.Children))
		for _, c := range p.Children {
			r := Relax(c)
			if r == nil {
				return nil
			}
			kept = append(kept, r)
		}
		return &Or{Children: kept}
	default:
		// Not over a subtree that needs a recheck: negating a superset would
		// drop changes that really match.
		return nil
	}
}

// IsVotePrefilter reports whether an index may answer p by the votes it has
// recorded. Indexes reject every other LabelVote with ErrUnsupported.
func IsVotePrefilter(p *LabelVote) bool {
	return p.Value != 0
}

// Validate checks that a tree is well formed.
func Validate(p Predicate) error {
	switch p := p.(type) {
	case nil:
		return fmt.Errorf("%w: empty predicate", ErrMalformed)
	case *And:
		return validateChildren("AND", p.Children)
	case *Or:
		return validateChildren("OR", p.Children)
	case *Not:
		if p.Child == nil {
			return fmt.Errorf("%w: NOT without operand", ErrMalformed)
		}
		return Validate(p.Child)
	case *Equality:
		if p.changes == nil || !p.Field.valid() {
			return fmt.Errorf("%w: %s was not built by an Env", ErrMalformed, p)
		}
		return nil
	case *LabelVote:
		if p.env.Access == nil {
			return fmt.Errorf("%w: %s was not built by an Env", ErrMalformed, p)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown predicate %T", ErrMalformed, p)
	}
}

func validateChildren(op string, children []Predicate) error {
	if len(children) == 0 {
		return fmt.Errorf("%w: %s without operands", ErrMalformed, op)
	}
	for _, c := range children {
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}

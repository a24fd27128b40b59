package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// maxDepth bounds the nesting of decoded trees.
const maxDepth = 64

// node is the JSON form of a predicate tree:
//
//	{"op":"and","children":[...]}
//	{"op":"or","children":[...]}
//	{"op":"not","child":{...}}
//	{"op":"eq","field":"project","value":"platform"}
//	{"op":"label","label":"Code-Review","vote":2}
type node struct {
	Op       string `json:"op"`
	Children []node `json:"children,omitempty"`
	Child    *node  `json:"child,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	Label    string `json:"label,omitempty"`
	Vote     *int   `json:"vote,omitempty"`
}

// Decode builds a predicate tree from its JSON form, binding every leaf to
// env. All failures wrap ErrMalformed.
func Decode(data []byte, env Env) (Predicate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: missing query", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var n node
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after query", ErrMalformed)
	}
	return n.build(env, 0)
}

func (n node) build(env Env, depth int) (Predicate, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	switch strings.ToLower(n.Op) {
	case "and", "or":
		if len(n.Children) == 0 {
			return nil, fmt.Errorf("%w: %s without operands", ErrMalformed, n.Op)
		}
		children := make([]Predicate, 0, len(n.Children))
		for _, c := range n.Children {
			p, err := c.build(env, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, p)
		}
		if strings.EqualFold(n.Op, "and") {
			return NewAnd(children...), nil
		}
		return NewOr(children...), nil
	case "not":
		if n.Child == nil {
			return nil, fmt.Errorf("%w: not without operand", ErrMalformed)
		}
		child, err := n.Child.build(env, depth+1)
		if err != nil {
			return nil, err
		}
		return NewNot(child), nil
	case "eq":
		return env.Equality(Field(strings.ToLower(n.Field)), n.Value)
	case "label":
		vote := 0
		if n.Vote != nil {
			vote = *n.Vote
		}
		return env.LabelVote(n.Label, vote)
	case "":
		return nil, fmt.Errorf("%w: missing op", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformed, n.Op)
	}
}

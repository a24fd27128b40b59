package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	w := newWorld()
	env := w.env()
	vote := mustLabel(t, env, "Code-Review", 2)
	eq := mustEq(t, env, FieldProject, "platform")

	assert.Equal(t, 1, Cost(vote))
	assert.Equal(t, 0, Cost(eq))
	assert.Equal(t, 2, Cost(NewAnd(vote, eq, vote)))
	assert.Equal(t, 1, Cost(NewOr(eq, vote)))
	assert.Equal(t, 1, Cost(NewNot(vote)))
}

func TestLabelVoteCostIsConstant(t *testing.T) {
	w := newWorld()
	for i := 0; i < 50; i++ {
		w.vote("c1", "Code-Review", "actor", 1)
	}
	assert.Equal(t, 1, Cost(mustLabel(t, w.env(), "Code-Review", 1)))
}

func TestNeedsRecheck(t *testing.T) {
	env := newWorld().env()
	vote := mustLabel(t, env, "Code-Review", 2)
	eq := mustEq(t, env, FieldProject, "platform")

	assert.False(t, NeedsRecheck(eq))
	assert.False(t, NeedsRecheck(NewAnd(eq, NewNot(eq))))
	assert.True(t, NeedsRecheck(vote))
	assert.True(t, NeedsRecheck(NewOr(eq, NewNot(vote))))
}

func TestRelax(t *testing.T) {
	env := newWorld().env()
	vote := mustLabel(t, env, "Code-Review", 2)
	unvoted := mustLabel(t, env, "Code-Review", 0)
	project := mustEq(t, env, FieldProject, "platform")
	branch := mustEq(t, env, FieldBranch, "main")

	native := NewAnd(project, NewNot(branch))
	assert.Same(t, native, Relax(native))

	assert.Nil(t, Relax(unvoted))
	assert.Same(t, project, Relax(NewAnd(project, unvoted)))
	assert.Equal(t, NewAnd(project, branch), Relax(NewAnd(project, unvoted, branch)))
	assert.Nil(t, Relax(NewOr(project, unvoted)))
	assert.Nil(t, Relax(NewNot(NewAnd(project, unvoted))))
	assert.Equal(t, NewOr(project, branch), Relax(NewOr(NewAnd(project, unvoted), branch)))
}

func TestRelaxKeepsNonZeroVotesAsIndexFilter(t *testing.T) {
	env := newWorld().env()
	vote := mustLabel(t, env, "Code-Review", 2)
	rejected := mustLabel(t, env, "Verified", -1)
	project := mustEq(t, env, FieldProject, "platform")

	assert.Same(t, vote, Relax(vote))
	assert.True(t, NeedsRecheck(Relax(vote)))
	assert.Equal(t, NewAnd(project, vote), Relax(NewAnd(project, vote)))
	assert.Equal(t, NewOr(vote, rejected), Relax(NewOr(vote, rejected)))
	assert.Nil(t, Relax(NewNot(vote)))
	assert.Nil(t, Relax(NewOr(vote, mustLabel(t, env, "Verified", 0))))
}

func TestValidate(t *testing.T) {
	env := newWorld().env()
	eq := mustEq(t, env, FieldProject, "platform")

	require.NoError(t, Validate(NewAnd(eq, NewNot(mustLabel(t, env, "Verified", 1)))))
	assert.ErrorIs(t, Validate(nil), ErrMalformed)
	assert.ErrorIs(t, Validate(NewAnd()), ErrMalformed)
	assert.ErrorIs(t, Validate(NewNot(nil)), ErrMalformed)
	assert.ErrorIs(t, Validate(&Equality{Field: FieldProject, Value: "x"}), ErrMalformed)
	assert.ErrorIs(t, Validate(&LabelVote{Label: "Verified"}), ErrMalformed)
}

func TestEnvRejectsIncompleteCapabilities(t *testing.T) {
	_, err := Env{}.LabelVote("Code-Review", 1)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Env{}.Equality(FieldProject, "x")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = newWorld().env().LabelVote("  ", 1)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestString(t *testing.T) {
	env := newWorld().env()
	p := NewOr(
		NewAnd(mustEq(t, env, FieldProject, "platform"), mustLabel(t, env, "Code-Review", 2)),
		NewNot(mustLabel(t, env, "Verified", -1)),
	)
	assert.Equal(t, "((project:platform AND label:Code-Review=+2) OR NOT label:Verified=-1)", p.String())
}

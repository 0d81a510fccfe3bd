package compose

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

var allVotes = []contracts.Vote{contracts.VoteAllow, contracts.VoteHold, contracts.VoteBlock}

func TestJoin_Table(t *testing.T) {
	tests := []struct {
		a, b, want contracts.Vote
	}{
		{contracts.VoteAllow, contracts.VoteAllow, contracts.VoteAllow},
		{contracts.VoteAllow, contracts.VoteHold, contracts.VoteHold},
		{contracts.VoteHold, contracts.VoteAllow, contracts.VoteHold},
		{contracts.VoteHold, contracts.VoteBlock, contracts.VoteBlock},
		{contracts.VoteBlock, contracts.VoteAllow, contracts.VoteBlock},
		{contracts.VoteAllow, contracts.Vote("??"), contracts.VoteBlock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Join(tt.a, tt.b), "%s ∨ %s", tt.a, tt.b)
	}
}

func TestCompose(t *testing.T) {
	assert.Equal(t, contracts.VoteAllow, Compose())
	assert.Equal(t, contracts.VoteHold, Compose(contracts.VoteAllow, contracts.VoteHold, contracts.VoteAllow))
	assert.Equal(t, contracts.VoteBlock, Compose(contracts.VoteHold, contracts.VoteBlock, contracts.VoteHold))
}

func TestComposeAlgebra(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)
	vote := gen.IntRange(0, len(allVotes)-1)
	v := func(i int) contracts.Vote { return allVotes[i] }

	properties.Property("associative", prop.ForAll(
		func(a, b, c int) bool {
			return Join(Join(v(a), v(b)), v(c)) == Join(v(a), Join(v(b), v(c)))
		}, vote, vote, vote,
	))
	properties.Property("commutative", prop.ForAll(
		func(a, b int) bool { return Join(v(a), v(b)) == Join(v(b), v(a)) }, vote, vote,
	))
	properties.Property("idempotent", prop.ForAll(
		func(a int) bool { return Join(v(a), v(a)) == v(a) }, vote,
	))
	properties.Property("allow is identity", prop.ForAll(
		func(a int) bool { return Join(contracts.VoteAllow, v(a)) == v(a) }, vote,
	))
	properties.Property("block absorbs", prop.ForAll(
		func(a int) bool { return Join(contracts.VoteBlock, v(a)) == contracts.VoteBlock }, vote,
	))

	properties.TestingRun(t)
}

func TestCompose_OrderIndependent(t *testing.T) {
	for _, a := range allVotes {
		for _, b := range allVotes {
			for _, c := range allVotes {
				want := Compose(a, b, c)
				assert.Equal(t, want, Compose(c, b, a))
				assert.Equal(t, want, Compose(b, a, c))
			}
		}
	}
}

type stubGate struct {
	name  string
	res   contracts.GateResult
	err   error
	calls int
}

func (s *stubGate) Name() string { return s.name }

func (s *stubGate) Evaluate(context.Context, *Input) (contracts.GateResult, error) {
	s.calls++
	return s.res, s.err
}

func TestChain_ShortCircuitsOnBlock(t *testing.T) {
	hold := &stubGate{name: "a", res: contracts.Fail("a", contracts.VoteHold, "wait")}
	block := &stubGate{name: "b", res: contracts.Fail("b", contracts.VoteBlock, "nope")}
	after := &stubGate{name: "c", res: contracts.Pass("c")}

	out, err := Chain(context.Background(), []Gate{hold, block, after}, &Input{})
	require.NoError(t, err)

	assert.Equal(t, contracts.VoteBlock, out.Vote)
	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[2].Skipped)
	assert.Equal(t, 0, after.calls)
	require.NotNil(t, out.Decisive)
	assert.Equal(t, "nope", out.Decisive.Reason)
}

func TestChain_HoldContinues(t *testing.T) {
	g1 := &stubGate{name: "a", res: contracts.Pass("a")}
	g2 := &stubGate{name: "b", res: contracts.Fail("b", contracts.VoteHold, "later")}
	g3 := &stubGate{name: "c", res: contracts.Pass("c")}

	out, err := Chain(context.Background(), []Gate{g1, g2, g3}, &Input{})
	require.NoError(t, err)
	assert.Equal(t, contracts.VoteHold, out.Vote)
	assert.Equal(t, 1, g3.calls)
	require.NotNil(t, out.Decisive)
	assert.Equal(t, "b", out.Decisive.Gate)
}

func TestChain_AllPass(t *testing.T) {
	out, err := Chain(context.Background(), []Gate{&stubGate{name: "a", res: contracts.Pass("")}}, &Input{})
	require.NoError(t, err)
	assert.Equal(t, contracts.VoteAllow, out.Vote)
	assert.Nil(t, out.Decisive)
	assert.Equal(t, "a", out.Results[0].Gate)
}

func TestChain_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Chain(context.Background(), []Gate{&stubGate{name: "x", err: boom}}, &Input{})
	assert.ErrorIs(t, err, boom)
}

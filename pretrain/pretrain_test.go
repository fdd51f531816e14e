package pretrain

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/require"

	"github.com/stylemix/vsgen/vsgen"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	require.Equal(t, 200_000, context.GetParamOr(ctx, "train_steps", 0))
	require.Equal(t, "adamw", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	require.InDelta(t, 2.4e-4, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0), 1e-12)
	require.InDelta(t, 0.99, context.GetParamOr(ctx, ParamMomentum, 0.0), 1e-12)
	require.Equal(t, 128, context.GetParamOr(ctx, ParamProjectionDim, 0))

	// The model hyperparameters must produce a valid backbone configuration.
	cfg := vsgen.ConfigFromContext(ctx)
	require.NoError(t, cfg.Validate())
}

func TestCosineLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		a := Const(g, [][]float32{{1, 0, 0}, {0, 2, 0}})
		b := Const(g, [][]float32{{3, 0, 0}, {0, 5, 0}})
		opposite := Neg(b)
		orthogonal := Const(g, [][]float32{{0, 1, 0}, {0, 0, 4}})
		return []*Node{cosineLoss(a, b), cosineLoss(a, opposite), cosineLoss(a, orthogonal)}
	})
	require.InDelta(t, -1.0, got[0].Value().(float32), 1e-5)
	require.InDelta(t, 1.0, got[1].Value().(float32), 1e-5)
	require.InDelta(t, 0.0, got[2].Value().(float32), 1e-5)
}

func TestUpdateMomentumEncoder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.In(OnlineScope).In("backbone").VariableWithValue("w", []float32{1, 2})
		target := ctx.In(MomentumScope).In("backbone").VariableWithValue("w", []float32{3, 4})
		updateMomentumEncoder(ctx, g, 0.9)
		return target.ValueGraph(g)
	})
	got := exec.MustExec()[0]
	// target = 0.9*target + 0.1*online.
	require.InDeltaSlice(t, []float32{2.8, 4.0}, got.Value().([]float32), 1e-5)
}

func TestBuildTrainComputation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	// Shrink the backbone so the test stays fast.
	ctx.SetParam(vsgen.ParamChannels, []int{8, 16, 32, 64, 64, 64})
	ctx.SetParam(ParamHiddenDim, 32)
	ctx.SetParam(ParamProjectionDim, 16)

	modelFn := BuildTrainComputation()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		return modelFn(ctx, nil, []*Node{images})
	})

	const (
		batch = 2
		size  = 64
	)
	rng := rand.New(rand.NewSource(11))
	data := make([]float32, batch*size*size*3)
	for ii := range data {
		data[ii] = rng.Float32()*2 - 1
	}
	images := tensors.FromFlatDataAndDimensions(data, batch, size, size, 3)

	got := exec.MustExec(images)
	require.Len(t, got, 2)
	require.Equal(t, []int{batch, 16}, got[0].Shape().Dimensions)

	loss := got[1]
	require.Equal(t, 0, loss.Shape().Rank())
	lossValue := float64(loss.Value().(float32))
	// The symmetrized negative cosine similarity is bounded.
	require.GreaterOrEqual(t, lossValue, -1.0)
	require.LessOrEqual(t, lossValue, 1.0)

	// Both encoder branches were created, with matching variable sets.
	var onlineVars, targetVars []string
	ctx.In(OnlineScope).EnumerateVariablesInScope(func(v *context.Variable) {
		onlineVars = append(onlineVars, v.Scope()[len(ctx.In(OnlineScope).Scope()):]+"/"+v.Name())
	})
	ctx.In(MomentumScope).EnumerateVariablesInScope(func(v *context.Variable) {
		targetVars = append(targetVars, v.Scope()[len(ctx.In(MomentumScope).Scope()):]+"/"+v.Name())
	})
	require.NotEmpty(t, onlineVars)
	require.ElementsMatch(t, onlineVars, targetVars)
}

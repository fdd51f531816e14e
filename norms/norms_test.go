package norms_test

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	"github.com/stylemix/vsgen/norms"
)

func TestGroupCount(t *testing.T) {
	want := map[int]int{16: 4, 32: 8, 64: 16, 128: 16, 256: 16, 512: 32}
	for channels, groups := range want {
		require.Equalf(t, groups, norms.GroupCount(channels), "GroupCount(%d)", channels)
	}
}

func TestGroup8Count(t *testing.T) {
	want := map[int]int{16: 8, 32: 8, 64: 8, 128: 16, 256: 32, 512: 64}
	for channels, groups := range want {
		require.Equalf(t, groups, norms.Group8Count(channels), "Group8Count(%d)", channels)
	}
}

// randomImage builds a [batch, size, size, channels] tensor with a fixed seed.
func randomImage(batch, size, channels int, seed int64) [][][][]float32 {
	rng := rand.New(rand.NewSource(seed))
	img := make([][][][]float32, batch)
	for b := range img {
		img[b] = make([][][]float32, size)
		for h := range img[b] {
			img[b][h] = make([][]float32, size)
			for w := range img[b][h] {
				img[b][h][w] = make([]float32, channels)
				for c := range img[b][h][w] {
					img[b][h][w][c] = rng.Float32()*4 - 2
				}
			}
		}
	}
	return img
}

func TestGroupNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const (
		batch     = 2
		size      = 4
		channels  = 6
		numGroups = 2
	)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return norms.GroupNormalization(ctx, x, numGroups).Done()
	})
	input := randomImage(batch, size, channels, 1)
	got := exec.MustExec(input)[0]
	require.Equal(t, []int{batch, size, size, channels}, got.Shape().Dimensions)

	// With the initial gain=1/offset=0, every (example, group) slice is
	// normalized to zero mean and unit variance.
	values := got.Value().([][][][]float32)
	groupSize := channels / numGroups
	for b := 0; b < batch; b++ {
		for g := 0; g < numGroups; g++ {
			var sum, sumSq float64
			for h := 0; h < size; h++ {
				for w := 0; w < size; w++ {
					for c := g * groupSize; c < (g+1)*groupSize; c++ {
						v := float64(values[b][h][w][c])
						sum += v
						sumSq += v * v
					}
				}
			}
			n := float64(size * size * groupSize)
			mean := sum / n
			variance := sumSq/n - mean*mean
			require.InDeltaf(t, 0.0, mean, 1e-4, "mean of example %d group %d", b, g)
			require.InDeltaf(t, 1.0, variance, 1e-2, "variance of example %d group %d", b, g)
		}
	}
}

func TestGroupNormalizationBadGroups(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return norms.GroupNormalization(ctx, x, 4).Done()
	})
	require.Panics(t, func() {
		_ = exec.MustExec(randomImage(1, 2, 6, 1)) // 6 channels don't divide into 4 groups
	})
}

func TestInstanceNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const (
		batch    = 2
		size     = 4
		channels = 3
	)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return norms.InstanceNorm(x)
	})
	input := randomImage(batch, size, channels, 2)
	got := exec.MustExec(input)[0]
	require.Equal(t, []int{batch, size, size, channels}, got.Shape().Dimensions)

	values := got.Value().([][][][]float32)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			var sum float64
			for h := 0; h < size; h++ {
				for w := 0; w < size; w++ {
					sum += float64(values[b][h][w][c])
				}
			}
			require.InDeltaf(t, 0.0, sum/float64(size*size), 1e-4, "mean of example %d channel %d", b, c)
		}
	}

	// No variables are created.
	numVars := 0
	ctx.EnumerateVariables(func(v *context.Variable) { numVars++ })
	require.Zero(t, numVars)
}

func TestApply(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, normName := range []string{"batch", "instance", "group", "group8", "none"} {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return norms.Apply(ctx, x, normName)
		})
		got := exec.MustExec(randomImage(1, 2, 8, 3))[0]
		require.Equalf(t, []int{1, 2, 2, 8}, got.Shape().Dimensions, "norm %q", normName)
	}

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return norms.Apply(ctx, x, "spectral")
	})
	require.Panics(t, func() { _ = exec.MustExec(randomImage(1, 2, 8, 3)) })
}

// Package norms provides the normalization layers used by the VSGenerator
// backbone, selected by name at model construction time: "batch", "instance",
// "group", "group8" or "none".
//
// The group variants differ only in how the group count is derived from the
// number of channels, see GroupCount and Group8Count.
package norms

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Epsilon added to the variance before taking the square root, for all
// normalization kinds in this package.
const Epsilon = 1e-5

// GroupCount returns the number of groups used by the "group" normalization
// for the given number of channels: 2^round(log2(sqrt(2*channels))), with
// ties rounded to even.
func GroupCount(numChannels int) int {
	return 1 << int(math.RoundToEven(math.Log2(math.Sqrt(float64(2*numChannels)))))
}

// Group8Count returns the number of groups used by the "group8" normalization
// for the given number of channels: max(8, channels/8).
func Group8Count(numChannels int) int {
	return max(8, numChannels/8)
}

// GroupNormBuilder is a helper to build a group normalization computation.
// Create it with GroupNormalization, set the desired parameters and call Done.
type GroupNormBuilder struct {
	ctx       *context.Context
	x         *Node
	numGroups int
	epsilon   float64
	affine    bool
}

// GroupNormalization normalizes x over its spatial axes and within channel
// groups. x must be channels-last, `[batch, ...spatial..., channels]`, and
// the channel count must be divisible by numGroups.
//
// It includes a learned per-channel gain and offset, enabled by default.
// Returns a GroupNormBuilder for configuration; call Done when set up.
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *GroupNormBuilder {
	return &GroupNormBuilder{
		ctx:       ctx.In("group_normalization"),
		x:         x,
		numGroups: numGroups,
		epsilon:   Epsilon,
		affine:    true,
	}
}

// Epsilon is a small float added to the variance to avoid dividing by zero.
func (builder *GroupNormBuilder) Epsilon(value float64) *GroupNormBuilder {
	builder.epsilon = value
	return builder
}

// NoAffine disables the learned gain and offset.
func (builder *GroupNormBuilder) NoAffine() *GroupNormBuilder {
	builder.affine = false
	return builder
}

// Done finishes configuring the group normalization and generates the graph
// computation to normalize the input.
func (builder *GroupNormBuilder) Done() *Node {
	ctx := builder.ctx
	x := builder.x
	g := x.Graph()
	dims := x.Shape().Dimensions
	channels := dims[len(dims)-1]
	if builder.numGroups <= 0 || channels%builder.numGroups != 0 {
		exceptions.Panicf("norms: %d channels not divisible into %d groups", channels, builder.numGroups)
	}

	// Split the channels axis into [groups, channels/groups] and normalize
	// over everything but batch and group.
	groupedDims := slices.Clone(dims[:len(dims)-1])
	groupedDims = append(groupedDims, builder.numGroups, channels/builder.numGroups)
	grouped := Reshape(x, groupedDims...)
	groupAxis := grouped.Rank() - 2
	var normAxes []int
	for axis := 1; axis < grouped.Rank(); axis++ {
		if axis != groupAxis {
			normAxes = append(normAxes, axis)
		}
	}
	mean := ReduceAndKeep(grouped, ReduceMean, normAxes...)
	normalized := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, normAxes...)
	normalized = Div(normalized, Sqrt(Add(variance, ConstAs(grouped, builder.epsilon))))
	normalized = Reshape(normalized, dims...)

	if !builder.affine {
		return normalized
	}
	normShape := shapes.Make(x.DType(), channels)
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[x.Rank()-1] = channels
	gainVar := ctx.WithInitializer(initializers.One).VariableWithShape("gain", normShape).SetTrainable(true)
	normalized = Mul(normalized, Reshape(gainVar.ValueGraph(g), broadcastDims...))
	offsetVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", normShape).SetTrainable(true)
	normalized = Add(normalized, Reshape(offsetVar.ValueGraph(g), broadcastDims...))
	return normalized
}

// InstanceNorm normalizes x per example and per channel over the spatial
// axes. x must be channels-last, `[batch, ...spatial..., channels]`, with at
// least one spatial axis. It carries no learned parameters and behaves the
// same during training and inference.
func InstanceNorm(x *Node) *Node {
	if x.Rank() < 3 {
		exceptions.Panicf("norms: InstanceNorm requires rank >= 3 (batch, spatial..., channels), got rank %d", x.Rank())
	}
	var spatialAxes []int
	for axis := 1; axis < x.Rank()-1; axis++ {
		spatialAxes = append(spatialAxes, axis)
	}
	mean := ReduceAndKeep(x, ReduceMean, spatialAxes...)
	normalized := Sub(x, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, spatialAxes...)
	return Div(normalized, Sqrt(Add(variance, ConstAs(x, Epsilon))))
}

// Apply normalizes x with the normalization selected by name. The group
// counts are derived from the channels (last) axis of x. It panics on an
// unknown name.
func Apply(ctx *context.Context, x *Node, normName string) *Node {
	dims := x.Shape().Dimensions
	channels := dims[len(dims)-1]
	switch normName {
	case "batch":
		return batchnorm.New(ctx, x, -1).Epsilon(Epsilon).Done()
	case "instance":
		return InstanceNorm(x)
	case "group":
		return GroupNormalization(ctx, x, GroupCount(channels)).Done()
	case "group8":
		return GroupNormalization(ctx, x, Group8Count(channels)).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("norms: unknown normalization %q (valid: batch, instance, group, group8, none)", normName)
	return nil
}

package vsgen

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/stylemix/vsgen/norms"
)

// treeRoot fuses the given maps by channel concatenation → 1x1 convolution
// (no bias) → normalization → optional add of the first fused input →
// activation. The order of fused is significant: [x2, x1, children...],
// deepest output first.
func treeRoot(ctx *context.Context, fused []*Node, outChannels int, cfg *Config) *Node {
	x := Concatenate(fused, -1)
	x = conv(ctx.In("conv"), x, outChannels, 1, 1, false, cfg)
	x = norms.Apply(ctx.In("norm"), x, cfg.Norm)
	if cfg.RootShortcut {
		x = Add(x, fused[0])
	}
	return activationLeaky(x)
}

// treeStage builds one DLA stage: a recursive tree of residual blocks of the
// given depth, downsampling by stride at the outer level. levelRoot stages
// feed their (downsampled) input into the stage's final fusion.
func treeStage(ctx *context.Context, x *Node, levels, inChannels, outChannels, stride int, levelRoot bool, cfg *Config) *Node {
	if levels < 1 {
		exceptions.Panicf("vsgen: tree stage depth must be >= 1, got %d", levels)
	}
	return treeNode(ctx, x, nil, levels, inChannels, outChannels, stride, levelRoot, cfg)
}

// treeNode is the recursion of treeStage. children accumulates deeper
// sub-tree outputs (deepest first) until the base case fuses them in the
// root; the ordering must not change, it defines the fusion layout.
func treeNode(ctx *context.Context, x *Node, children []*Node, levels, inChannels, outChannels, stride int, levelRoot bool, cfg *Config) *Node {
	bottom := x
	if stride > 1 {
		bottom = downsample(bottom, stride, cfg)
	}
	if levelRoot {
		children = append(children, bottom)
	}

	if levels == 1 {
		shortcut := bottom
		if inChannels != outChannels {
			// 1x1 projection aligning the shortcut to the block output.
			pctx := ctx.In("project")
			shortcut = conv(pctx.In("conv"), bottom, outChannels, 1, 1, false, cfg)
			shortcut = norms.Apply(pctx.In("norm"), shortcut, cfg.Norm)
		}
		x1 := residualBlock(ctx.In("tree1"), x, shortcut, outChannels, stride, cfg)
		x2 := residualBlock(ctx.In("tree2"), x1, nil, outChannels, 1, cfg)
		fused := append([]*Node{x2, x1}, children...)
		return treeRoot(ctx.In("root"), fused, outChannels, cfg)
	}

	x1 := treeNode(ctx.In("tree1"), x, nil, levels-1, inChannels, outChannels, stride, false, cfg)
	children = append(children, x1)
	return treeNode(ctx.In("tree2"), x1, children, levels-1, outChannels, outChannels, 1, false, cfg)
}

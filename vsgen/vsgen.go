// Package vsgen implements the VSGenerator backbone: a stem convolution
// followed by a cascade of DLA-style recursive residual-tree stages at
// decreasing spatial resolution, a top-down multi-scale fusion (dlaUp) over
// the retained stage outputs, and an optional reconstruction head projecting
// back to image space.
//
// All functions build computation graphs over a context.Context; tensors are
// channels-last `[batch, height, width, channels]`.
package vsgen

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Features builds the stem and the 6 backbone stages, returning the outputs
// of every stage at or past cfg.LastLevel, ordered fine → coarse. When
// cfg.IDAChannels is set, the finest retained map is remapped to that channel
// count by a learned conv block.
func Features(ctx *context.Context, x *Node, cfg *Config) []*Node {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	out := convBlock(ctx.In("base_layer"), x, cfg.Channels[0], 7, 1, cfg)

	var feats []*Node
	for stage := 0; stage < NumStages; stage++ {
		stageCtx := ctx.Inf("level%d", stage)
		switch stage {
		case 0:
			out = convStack(stageCtx, out, cfg.Channels[0], cfg.Levels[0], 1, cfg)
		case 1:
			out = convStack(stageCtx, out, cfg.Channels[1], cfg.Levels[1], 2, cfg)
		default:
			out = treeStage(stageCtx, out, cfg.Levels[stage], cfg.Channels[stage-1], cfg.Channels[stage], 2,
				stage >= 3, cfg)
		}
		if stage >= cfg.LastLevel {
			feats = append(feats, out)
		}
	}
	if cfg.IDAChannels > 0 {
		feats[0] = convBlock(ctx.In("last_level_mapper"), feats[0], cfg.IDAChannels, 3, 1, cfg)
	}
	return feats
}

// Forward builds the full VSGenerator graph. It returns the fused feature
// maps selected by cfg.OutIndices or, when cfg.UseHead is set, the single
// image-shaped head output.
//
// The head and output-projection variables are created even when the head is
// bypassed, so checkpoints are interchangeable between the two modes.
func Forward(ctx *context.Context, x *Node, cfg *Config) []*Node {
	feats := Features(ctx, x, cfg)
	fused := dlaUp(ctx.In("dlaup"), feats, cfg)

	finest := fused[len(fused)-1]
	head := dlaHead(ctx.In("head"), finest, cfg.LastLevel, cfg)
	head = outputProjection(ctx.In("last_layer"), head, cfg)
	if cfg.UseHead {
		return []*Node{head}
	}

	outs := make([]*Node, 0, len(cfg.OutIndices))
	for _, idx := range cfg.OutIndices {
		if idx < 0 {
			idx += len(fused)
		}
		if idx < 0 || idx >= len(fused) {
			exceptions.Panicf("vsgen: out index %d outside the %d fused maps", idx, len(fused))
		}
		outs = append(outs, fused[idx])
	}
	return outs
}

package vsgen

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// idaUp fuses a coarse→fine ordered list of feature maps. For each adjacent
// pair, the coarser map is projected to the finer channel count, upsampled 2x
// and merged with the finer map (channel concat + conv block by default,
// elementwise add + conv block otherwise).
//
// It returns a fresh slice: index 0 is the untouched coarsest input and each
// later index holds the fused result, produced strictly coarse to fine so
// that every fusion sees the already-fused map at the previous index.
func idaUp(ctx *context.Context, maps []*Node, cfg *Config) []*Node {
	out := slices.Clone(maps)
	for ii := 0; ii+1 < len(out); ii++ {
		pairCtx := ctx.Inf("%02d", ii)
		fine := out[ii+1]
		fineChannels := fine.Shape().Dimensions[fine.Rank()-1]
		up := convBlock(pairCtx.In("proj"), out[ii], fineChannels, 3, 1, cfg)
		up = upsample2x(pairCtx.In("up"), up, cfg)
		if cfg.ConcatFusion {
			out[ii+1] = convBlock(pairCtx.In("node"), Concatenate([]*Node{up, fine}, -1), fineChannels, 3, 1, cfg)
		} else {
			out[ii+1] = convBlock(pairCtx.In("node"), Add(up, fine), fineChannels, 3, 1, cfg)
		}
	}
	return out
}

// dlaUp runs the DLA top-down aggregation over stage outputs ordered fine →
// coarse (finest first). Starting from the finest map it front-inserts each
// coarser stage output and runs an independently parameterized idaUp over the
// growing list.
//
// The returned list is ordered coarse → fine: index 0 is the last inserted
// (coarsest) stage output, untouched, and the last entry is the fully fused
// finest-resolution map.
func dlaUp(ctx *context.Context, stages []*Node, cfg *Config) []*Node {
	if len(stages) == 0 {
		exceptions.Panicf("vsgen: dlaUp requires at least one feature map")
	}
	out := []*Node{stages[0]}
	for ii := 1; ii < len(stages); ii++ {
		out = append([]*Node{stages[ii]}, out...)
		out = idaUp(ctx.Inf("ida_%d", ii), out, cfg)
	}
	return out
}

// dlaHead is the reconstruction head: upsample+activation stages back to the
// input resolution followed by the head conv blocks. The upsampling stages
// use a softer leaky-relu slope than the backbone.
func dlaHead(ctx *context.Context, x *Node, upsampleCount int, cfg *Config) *Node {
	for ii := 0; ii < upsampleCount; ii++ {
		x = upsample2x(ctx.Inf("%02d-up", ii), x, cfg)
		x = activations.LeakyReluWithAlpha(x, HeadNegSlope)
	}
	for ii, channels := range cfg.HeadChannels {
		x = convBlock(ctx.Inf("%02d-conv_block", ii), x, channels, 3, 1, cfg)
	}
	return x
}

// outputProjection is the final image projection: a 3x3 convolution with
// bias to the output channel count, optionally bounded with a tanh.
func outputProjection(ctx *context.Context, x *Node, cfg *Config) *Node {
	x = conv(ctx.In("conv"), x, cfg.OutputChannels, 3, 1, true, cfg)
	if cfg.ApplyTanh {
		x = Tanh(x)
	}
	return x
}

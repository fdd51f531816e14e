package vsgen

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/stylemix/vsgen/norms"
)

// NegSlope is the negative slope of the leaky-relu activation used throughout
// the backbone. The head upsampling stages use HeadNegSlope instead.
const (
	NegSlope     = 0.1
	HeadNegSlope = 0.2
)

// reflectPad pads the two spatial axes of x (channels-last) by margin pixels
// on each border, mirroring the interior without repeating the border pixel.
func reflectPad(x *Node, margin int) *Node {
	if margin <= 0 {
		return x
	}
	for axis := 1; axis <= 2; axis++ {
		specs := make([]SliceAxisSpec, x.Rank())
		for ii := range specs {
			specs[ii] = AxisRange()
		}
		dim := x.Shape().Dimensions[axis]
		if margin >= dim {
			exceptions.Panicf("vsgen: reflect padding margin %d too large for axis %d with dimension %d", margin, axis, dim)
		}
		specs[axis] = AxisRange(1, margin+1)
		before := Reverse(Slice(x, specs...), axis)
		specs[axis] = AxisRange(dim-margin-1, dim-1)
		after := Reverse(Slice(x, specs...), axis)
		x = Concatenate([]*Node{before, x, after}, axis)
	}
	return x
}

// conv applies a 2D convolution with the padding mode from cfg. Padding keeps
// spatial dimensions at stride 1 and halves them (even inputs) at stride 2.
func conv(ctx *context.Context, x *Node, outChannels, kernelSize, stride int, useBias bool, cfg *Config) *Node {
	reflect := cfg.Padding == "reflect" && kernelSize > 1
	if reflect {
		x = reflectPad(x, kernelSize/2)
	}
	builder := layers.Convolution(ctx, x).
		Channels(outChannels).
		KernelSize(kernelSize).
		UseBias(useBias)
	if stride > 1 {
		builder = builder.Strides(stride)
	}
	if reflect {
		builder = builder.NoPadding()
	} else {
		builder = builder.PadSame()
	}
	return builder.Done()
}

// activationLeaky is the backbone activation.
func activationLeaky(x *Node) *Node {
	return activations.LeakyReluWithAlpha(x, NegSlope)
}

// convBlock is the basic unit of the backbone: convolution (no bias) →
// normalization → leaky-relu, in this fixed order.
func convBlock(ctx *context.Context, x *Node, outChannels, kernelSize, stride int, cfg *Config) *Node {
	x = conv(ctx.In("conv"), x, outChannels, kernelSize, stride, false, cfg)
	x = norms.Apply(ctx.In("norm"), x, cfg.Norm)
	return activationLeaky(x)
}

// residualBlock applies two 3x3 convolutions with normalization, adds the
// shortcut and activates. The shortcut must already match the output shape;
// when nil the input itself is used.
func residualBlock(ctx *context.Context, x, shortcut *Node, outChannels, stride int, cfg *Config) *Node {
	if shortcut == nil {
		shortcut = x
	}
	out := conv(ctx.In("conv1"), x, outChannels, 3, stride, false, cfg)
	out = norms.Apply(ctx.In("norm1"), out, cfg.Norm)
	out = activationLeaky(out)
	out = conv(ctx.In("conv2"), out, outChannels, 3, 1, false, cfg)
	out = norms.Apply(ctx.In("norm2"), out, cfg.Norm)
	out = Add(out, shortcut)
	return activationLeaky(out)
}

// downsample pools the spatial axes by the given stride, with the pool kind
// selected by cfg.Pool.
func downsample(x *Node, stride int, cfg *Config) *Node {
	switch cfg.Pool {
	case "max":
		return MaxPool(x).ChannelsAxis(timage.ChannelsLast).Window(stride).Strides(stride).NoPadding().Done()
	case "avg":
		return MeanPool(x).ChannelsAxis(timage.ChannelsLast).Window(stride).Strides(stride).NoPadding().Done()
	}
	exceptions.Panicf("vsgen: unknown pool %q (valid: max, avg)", cfg.Pool)
	return nil
}

// upsample2x doubles the spatial dimensions by interpolation (cfg.Upsample)
// and applies a trainable depthwise 3x3 smoothing convolution. The smoothing
// weights start as a uniform 1/9 blur kernel.
func upsample2x(ctx *context.Context, x *Node, cfg *Config) *Node {
	dims := timage.GetUpSampledSizes(x, timage.ChannelsLast, 2)
	interp := Interpolate(x, dims...)
	if cfg.Upsample == "bilinear" {
		x = interp.Bilinear().Done()
	} else {
		x = interp.Nearest().Done()
	}
	channels := x.Shape().Dimensions[x.Rank()-1]
	smoothCtx := ctx.In("smooth").WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(Ones(g, shape), 1.0/9.0)
	})
	if cfg.Padding == "reflect" {
		x = reflectPad(x, 1)
		return layers.Convolution(smoothCtx, x).
			Channels(channels).
			KernelSize(3).
			ChannelGroupCount(channels).
			UseBias(false).
			NoPadding().
			Done()
	}
	return layers.Convolution(smoothCtx, x).
		Channels(channels).
		KernelSize(3).
		ChannelGroupCount(channels).
		UseBias(false).
		PadSame().
		Done()
}

// convStack repeats convBlock, applying the stride only on the first one.
func convStack(ctx *context.Context, x *Node, outChannels, repeats, stride int, cfg *Config) *Node {
	for ii := 0; ii < repeats; ii++ {
		x = convBlock(ctx.Inf("%03d-conv_block", ii), x, outChannels, 3, stride, cfg)
		stride = 1
	}
	return x
}

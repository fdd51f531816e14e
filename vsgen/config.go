package vsgen

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys used by ConfigFromContext. They can be set with
// Context.SetParams or from the command line with --set.
const (
	// ParamChannels is the 6-element channel schedule, one entry per stage.
	ParamChannels = "vsg_channels"

	// ParamLevels is the 6-element per-stage depth schedule.
	ParamLevels = "vsg_levels"

	// ParamHeadChannels is the channel schedule of the reconstruction head.
	ParamHeadChannels = "vsg_head_channels"

	// ParamIDAChannels remaps the finest retained stage output to this many
	// channels before fusion. 0 keeps the stage's own channel count.
	ParamIDAChannels = "vsg_ida_channels"

	// ParamNorm selects the normalization: batch, instance, group, group8 or none.
	ParamNorm = "vsg_norm"

	// ParamPool selects the downsampling pool of the tree stages: avg or max.
	ParamPool = "vsg_pool"

	// ParamPadding selects the convolution boundary padding: reflect or same.
	ParamPadding = "vsg_padding"

	// ParamUpsample selects the upsampling interpolation: nearest or bilinear.
	ParamUpsample = "vsg_upsample"

	// ParamOutIndices selects which fused maps Forward returns. Negative
	// values index from the end.
	ParamOutIndices = "vsg_out_indices"

	// ParamInputChannels and ParamOutputChannels are the image channel counts.
	ParamInputChannels  = "vsg_input_channels"
	ParamOutputChannels = "vsg_output_channels"

	// ParamUseHead routes the forward output through the reconstruction head.
	ParamUseHead = "vsg_head"

	// ParamApplyTanh bounds the head output to [-1, 1].
	ParamApplyTanh = "vsg_tanh"
)

// NumStages is the number of backbone stages; Channels and Levels schedules
// must have exactly this length.
const NumStages = 6

// Config parameterizes the VSGenerator construction. The zero value is not
// usable, start from DefaultConfig or ConfigFromContext.
//
// Padding and upsample modes are explicit here and threaded through every
// building block, they are fixed for the lifetime of the model.
type Config struct {
	InputChannels  int
	OutputChannels int

	// Channels and Levels hold one entry per stage, both length NumStages.
	Channels []int
	Levels   []int

	// HeadChannels is the conv schedule of the reconstruction head.
	HeadChannels []int

	// IDAChannels, if > 0, remaps the finest retained stage output to this
	// channel count before fusion (adds a learned conv block).
	IDAChannels int

	Norm     string // batch, instance, group, group8, none
	Pool     string // avg, max
	Padding  string // reflect, same
	Upsample string // nearest, bilinear

	// OutIndices selects the fused maps returned by Forward; negative values
	// index from the end of the fused list.
	OutIndices []int

	// LastLevel is the first stage whose output enters the fusion. With the
	// stride-2 schedule this is stage 1.
	LastLevel int

	// UseHead routes Forward through the reconstruction head, producing an
	// image-shaped output. The head variables exist either way.
	UseHead bool

	// ApplyTanh bounds the head output to [-1, 1].
	ApplyTanh bool

	// ConcatFusion fuses adjacent scales by channel concatenation + conv
	// (default); when false, by elementwise addition + conv.
	ConcatFusion bool

	// RootShortcut adds the first fused input back after the root conv+norm.
	RootShortcut bool
}

// DefaultConfig returns the standard VSGenerator configuration.
func DefaultConfig() Config {
	return Config{
		InputChannels:  3,
		OutputChannels: 3,
		Channels:       []int{16, 32, 64, 128, 256, 512},
		Levels:         []int{1, 1, 1, 1, 1, 1},
		HeadChannels:   []int{32, 16},
		Norm:           "batch",
		Pool:           "avg",
		Padding:        "reflect",
		Upsample:       "nearest",
		OutIndices:     []int{-1},
		LastLevel:      1,
		ConcatFusion:   true,
	}
}

// ConfigFromContext builds a Config from the vsg_* hyperparameters, using
// DefaultConfig values where unset.
func ConfigFromContext(ctx *context.Context) Config {
	cfg := DefaultConfig()
	cfg.InputChannels = context.GetParamOr(ctx, ParamInputChannels, cfg.InputChannels)
	cfg.OutputChannels = context.GetParamOr(ctx, ParamOutputChannels, cfg.OutputChannels)
	cfg.Channels = context.GetParamOr(ctx, ParamChannels, cfg.Channels)
	cfg.Levels = context.GetParamOr(ctx, ParamLevels, cfg.Levels)
	cfg.HeadChannels = context.GetParamOr(ctx, ParamHeadChannels, cfg.HeadChannels)
	cfg.IDAChannels = context.GetParamOr(ctx, ParamIDAChannels, cfg.IDAChannels)
	cfg.Norm = context.GetParamOr(ctx, ParamNorm, cfg.Norm)
	cfg.Pool = context.GetParamOr(ctx, ParamPool, cfg.Pool)
	cfg.Padding = context.GetParamOr(ctx, ParamPadding, cfg.Padding)
	cfg.Upsample = context.GetParamOr(ctx, ParamUpsample, cfg.Upsample)
	cfg.OutIndices = context.GetParamOr(ctx, ParamOutIndices, cfg.OutIndices)
	cfg.UseHead = context.GetParamOr(ctx, ParamUseHead, cfg.UseHead)
	cfg.ApplyTanh = context.GetParamOr(ctx, ParamApplyTanh, cfg.ApplyTanh)
	return cfg
}

// Validate checks the schedule lengths and enum values. Shape compatibility
// between stages is not checked here, it surfaces when building the graph.
func (cfg *Config) Validate() error {
	if len(cfg.Channels) != NumStages || len(cfg.Levels) != NumStages {
		return errors.Errorf("vsgen: channels and levels schedules must have %d entries, got %d and %d",
			NumStages, len(cfg.Channels), len(cfg.Levels))
	}
	if cfg.InputChannels <= 0 || cfg.OutputChannels <= 0 {
		return errors.Errorf("vsgen: input/output channels must be positive, got %d and %d",
			cfg.InputChannels, cfg.OutputChannels)
	}
	if len(cfg.OutIndices) == 0 {
		return errors.New("vsgen: out indices must select at least one fused map")
	}
	if !slices.Contains([]string{"batch", "instance", "group", "group8", "none"}, cfg.Norm) {
		return errors.Errorf("vsgen: unknown norm %q", cfg.Norm)
	}
	if !slices.Contains([]string{"avg", "max"}, cfg.Pool) {
		return errors.Errorf("vsgen: unknown pool %q", cfg.Pool)
	}
	if !slices.Contains([]string{"reflect", "same"}, cfg.Padding) {
		return errors.Errorf("vsgen: unknown padding %q", cfg.Padding)
	}
	if !slices.Contains([]string{"nearest", "bilinear"}, cfg.Upsample) {
		return errors.Errorf("vsgen: unknown upsample mode %q", cfg.Upsample)
	}
	if cfg.LastLevel < 0 || cfg.LastLevel >= NumStages {
		return errors.Errorf("vsgen: last level %d out of range", cfg.LastLevel)
	}
	return nil
}

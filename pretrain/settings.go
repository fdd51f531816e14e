package pretrain

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/stylemix/vsgen/vsgen"
)

// Hyperparameters of the pretraining recipe, on top of the vsg_* model params.
const (
	// ParamMomentum is the EMA coefficient of the momentum encoder: at every
	// training step target = m*target + (1-m)*online.
	ParamMomentum = "pretrain_momentum"

	// ParamProjectionDim is the output size of the projection MLP.
	ParamProjectionDim = "pretrain_projection_dim"

	// ParamHiddenDim is the hidden size of the projection and prediction MLPs.
	ParamHiddenDim = "pretrain_hidden_dim"

	// ParamViewNoise is the stddev of the gaussian jitter used when the
	// second augmented view is derived in-graph.
	ParamViewNoise = "pretrain_view_noise"
)

// CreateDefaultContext sets the context with the default hyperparameters to
// use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Training budget and checkpointing.
		"train_steps":          200_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m", // See time.ParseDuration.

		"batch_size":      24,
		"eval_batch_size": 48,

		// dtype of the model and the initializer seed (0 = non-deterministic).
		"dtype":                    "float32",
		context.ParamInitialSeed:   int64(0),
		"rng_reset":                true,

		// Backbone: defaults follow vsgen.DefaultConfig; any vsg_* key can be
		// overridden from the command line.
		vsgen.ParamChannels: []int{16, 32, 64, 128, 256, 512},
		vsgen.ParamLevels:   []int{1, 1, 1, 1, 1, 1},
		vsgen.ParamNorm:     "batch",
		vsgen.ParamPool:     "avg",

		// Momentum-encoder recipe.
		ParamMomentum:      0.99,
		ParamProjectionDim: 128,
		ParamHiddenDim:     512,
		ParamViewNoise:     0.05,

		// AdamW with cosine decay of the learning rate.
		optimizers.ParamOptimizer:           "adamw",
		optimizers.ParamLearningRate:        2.4e-4,
		optimizers.ParamAdamWeightDecay:     0.1,
		optimizers.ParamAdamEpsilon:         1e-8,
		cosineschedule.ParamPeriodSteps:     0, // If > 0, period of the cosine schedule; typically train_steps.
		cosineschedule.ParamMinLearningRate: 1e-6,

		// Generate intermediary eval data for plotting (gomlx_checkpoints
		// --metrics can monitor the checkpoint directory while training).
		plotly.ParamPlots: true,
	})
	return ctx
}

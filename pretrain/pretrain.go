// Package pretrain implements the self-supervised pretraining of the
// VSGenerator backbone: an online encoder and a momentum encoder see two
// augmented views of each image, and the online branch learns to predict the
// momentum branch's projection (negative cosine similarity, symmetrized).
// The momentum encoder is updated as an exponential moving average of the
// online encoder, graph-side, at every training step.
package pretrain

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/stylemix/vsgen/vsgen"
)

// Variable scopes of the two encoder branches. The momentum-encoder scope
// name is what the checkpoint conversion keys off.
const (
	OnlineScope   = "base_encoder"
	MomentumScope = "momentum_encoder"
)

// encode runs the backbone on one view and reduces the finest fused map to an
// embedding: global mean pool followed by the projection MLP.
func encode(ctx *context.Context, x *Node, cfg *vsgen.Config) *Node {
	features := vsgen.Forward(ctx.In("backbone"), x, cfg)[0]
	pooled := ReduceMean(features, 1, 2)
	return mlp(ctx.In("projection"), pooled)
}

// mlp is the two-layer head used for both the projection and the prediction:
// dense → batchnorm → relu → dense.
func mlp(ctx *context.Context, x *Node) *Node {
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 512)
	outputDim := context.GetParamOr(ctx, ParamProjectionDim, 128)
	return fnn.New(ctx, x, outputDim).
		NumHiddenLayers(1, hiddenDim).
		Activation(activations.TypeRelu).
		Normalization("batch").
		Done()
}

// l2Normalize scales the last axis of x to unit norm.
func l2Normalize(x *Node) *Node {
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, -1))
	return Div(x, AddScalar(norm, 1e-12))
}

// cosineLoss is the per-batch mean negative cosine similarity between
// prediction and (already stop-gradiented) target.
func cosineLoss(prediction, target *Node) *Node {
	prediction = l2Normalize(prediction)
	target = l2Normalize(target)
	return Neg(ReduceAllMean(ReduceSum(Mul(prediction, target), -1)))
}

// updateMomentumEncoder emits, for every variable of the momentum encoder,
// the EMA update from its online counterpart:
// target = momentum*target + (1-momentum)*online.
func updateMomentumEncoder(ctx *context.Context, g *Graph, momentum float64) {
	onlineScope := ctx.In(OnlineScope).Scope()
	targetCtx := ctx.In(MomentumScope)
	targetScope := targetCtx.Scope()
	targetCtx.EnumerateVariablesInScope(func(target *context.Variable) {
		varScope := onlineScope + strings.TrimPrefix(target.Scope(), targetScope)
		online := ctx.GetVariableByScopeAndName(varScope, target.Name())
		if online == nil {
			klog.Warningf("momentum-encoder variable %s/%s has no online counterpart, skipped",
				target.Scope(), target.Name())
			return
		}
		updated := Add(
			MulScalar(target.ValueGraph(g), momentum),
			MulScalar(online.ValueGraph(g), 1.0-momentum))
		target.SetValueGraph(updated)
	})
}

// BuildTrainComputation builds the ModelFn for training and evaluation.
//
// Inputs: one image batch, or two batches holding the two augmented views.
// With a single batch the second view is derived in-graph by a horizontal
// flip plus gaussian jitter. The loss is returned as predictions[1].
func BuildTrainComputation() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		cfg := vsgen.ConfigFromContext(ctx)

		view1 := inputs[0]
		var view2 *Node
		if len(inputs) >= 2 {
			view2 = inputs[1]
		} else {
			noise := context.GetParamOr(ctx, ParamViewNoise, 0.05)
			view2 = Reverse(view1, 2)
			if noise > 0 {
				view2 = Add(view2, MulScalar(ctx.RandomNormal(g, view2.Shape()), noise))
			}
			view2 = StopGradient(view2)
		}

		// Cosine learning-rate schedule, if enabled.
		cosineschedule.New(ctx, g, view1.DType()).FromContext().Done()

		onlineCtx := ctx.In(OnlineScope)
		targetCtx := ctx.In(MomentumScope)

		proj1 := encode(onlineCtx, view1, &cfg)
		proj2 := encode(onlineCtx, view2, &cfg)
		pred1 := mlp(ctx.In("predictor"), proj1)
		pred2 := mlp(ctx.In("predictor"), proj2)

		target1 := StopGradient(encode(targetCtx, view1, &cfg))
		target2 := StopGradient(encode(targetCtx, view2, &cfg))
		targetCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})

		loss := MulScalar(Add(cosineLoss(pred1, target2), cosineLoss(pred2, target1)), 0.5)

		if ctx.IsTraining(g) {
			momentum := context.GetParamOr(ctx, ParamMomentum, 0.99)
			updateMomentumEncoder(ctx, g, momentum)
		}
		return []*Node{pred1, loss}
	}
}

// TrainModel runs the pretraining loop: trainer, progress bar, periodic
// checkpoint saving and optional plotly monitoring, then a final evaluation.
//
// checkpointPath may be empty, in which case nothing is persisted.
func TrainModel(backend backends.Backend, ctx *context.Context, trainDS, trainEvalDS, validationDS train.Dataset,
	checkpointPath string, paramsSet []string, verbosity int) {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoint: load it, if it already exists, before variables are used.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(checkpointPath).Keep(numCheckpoints).Done())
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		must.M(ctx.RngStateReset())
	}
	if verbosity >= 1 {
		for _, paramsPath := range paramsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else if value, found := ctx.InAbsPath(scope).GetParam(name); found {
				fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
			}
		}
	}

	// Loss comes back as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		backend, ctx, BuildTrainComputation(), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps, saved along the
	// checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) && trainEvalDS != nil && validationDS != nil {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				if errSave := checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages, if they are used.
		if trainEvalDS != nil {
			bnUpdated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
			if err != nil {
				klog.Exitf("Error while updating batch normalization averages: %+v", err)
			}
			if bnUpdated {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
				if checkpoint != nil {
					must.M(checkpoint.Save())
				}
			}
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if checkpoint != nil {
		must.M(checkpoint.Save())
	}
	if trainEvalDS != nil && validationDS != nil {
		must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	}
}

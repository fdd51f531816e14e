// vsgen_train pretrains the VSGenerator backbone with the momentum-encoder
// objective. Model and recipe hyperparameters can be overridden with --set,
// e.g.:
//
//	vsgen_train --checkpoint=~/work/vsgen/base --set="vsg_norm=group;train_steps=10000"
//
// Without a real dataset directory it runs on a synthetic in-memory batch,
// which is enough to smoke-test the training graph end to end.
package main

import (
	"flag"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/stylemix/vsgen/pretrain"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagImageSize  = flag.Int("image_size", 64, "Spatial size of the (synthetic) training images.")
	flagExamples   = flag.Int("examples", 256, "Number of synthetic examples to generate.")
	flagSeed       = flag.Int64("seed", 42, "Seed of the synthetic dataset.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

var backend = backends.MustNew()

func main() {
	ctx := pretrain.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	trainDS, trainEvalDS, validationDS := syntheticDatasets(ctx)
	err := exceptions.TryCatch[error](func() {
		pretrain.TrainModel(backend, ctx, trainDS, trainEvalDS, validationDS,
			*flagCheckpoint, paramsSet, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// syntheticDatasets builds in-memory datasets of random images in [-1, 1].
func syntheticDatasets(ctx *context.Context) (trainDS, trainEvalDS, validationDS *datasets.InMemoryDataset) {
	size := *flagImageSize
	numExamples := *flagExamples
	rng := rand.New(rand.NewSource(*flagSeed))
	data := make([]float32, numExamples*size*size*3)
	for ii := range data {
		data[ii] = rng.Float32()*2 - 1
	}
	images := tensors.FromFlatDataAndDimensions(data, numExamples, size, size, 3)

	base := check1(datasets.InMemoryFromData(backend, "synthetic", []any{images}, nil))
	batchSize := context.GetParamOr(ctx, "batch_size", 24)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 48)

	trainDS = base.Copy()
	trainDS.Shuffle().Infinite(true).BatchSize(batchSize, true)
	trainEvalDS = base.Copy()
	trainEvalDS.BatchSize(evalBatchSize, false)
	validationDS = base.Copy()
	validationDS.BatchSize(evalBatchSize, false)
	return
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}

// Package convert turns a PyTorch/mmengine pretraining checkpoint into a
// GoMLX checkpoint holding only the generator weights: it strips the
// training-run state, keeps the parameters of the momentum encoder's
// backbone and renames their prefix to the generator's.
package convert

import "strings"

// Checkpoint layout constants.
const (
	// StateDictKey holds the parameter-name → tensor mapping.
	StateDictKey = "state_dict"

	// MomentumEncoderPrefix marks the parameters kept by the filter. Note the
	// match is a substring test without the trailing dot, while the rename
	// replaces the dotted prefix.
	MomentumEncoderPrefix = "momentum_encoder.module.0"

	// GeneratorPrefix replaces MomentumEncoderPrefix in the output keys.
	GeneratorPrefix = "netG."
)

// TrainingStateKeys are the top-level checkpoint keys that carry
// training-only state. They must be present in the input and are dropped
// from the output.
var TrainingStateKeys = []string{"meta", "message_hub", "optimizer", "param_schedulers"}

// RequiredKeys lists every top-level key the input checkpoint must contain.
var RequiredKeys = append([]string{StateDictKey}, TrainingStateKeys...)

var prefixReplacer = strings.NewReplacer(MomentumEncoderPrefix+".", GeneratorPrefix)

// FilterStateDict keeps exactly the entries whose key contains
// MomentumEncoderPrefix, renamed with GeneratorPrefix, and drops everything
// else. Values are passed through untouched. An empty result is not an
// error: it means the checkpoint held no momentum-encoder parameters.
func FilterStateDict[T any](stateDict map[string]T) map[string]T {
	out := make(map[string]T)
	for key, value := range stateDict {
		if !strings.Contains(key, MomentumEncoderPrefix) {
			continue
		}
		out[prefixReplacer.Replace(key)] = value
	}
	return out
}

package convert

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// VariablesToContext creates one variable per state-dict entry in ctx. The
// dotted parameter name becomes the variable path: every component but the
// last is a scope, the last is the variable name ("netG.conv.weight" ends up
// as variable "weight" in scope "/netG/conv").
func VariablesToContext(ctx *context.Context, stateDict map[string]*tensors.Tensor) error {
	ctx = ctx.Checked(false)
	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)
	return exceptions.TryCatch[error](func() {
		for _, name := range names {
			parts := strings.Split(name, ".")
			varCtx := ctx
			for _, scope := range parts[:len(parts)-1] {
				varCtx = varCtx.In(scope)
			}
			varCtx.VariableWithValue(parts[len(parts)-1], stateDict[name])
		}
	})
}

// SaveCheckpoint writes the context's variables as a GoMLX checkpoint under
// dir, creating the directory if needed.
func SaveCheckpoint(ctx *context.Context, dir string) error {
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	if err != nil {
		return err
	}
	return handler.Save()
}

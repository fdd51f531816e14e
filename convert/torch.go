package convert

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// dictGet reads a key from an unpickled python dict, plain or ordered.
func dictGet(dict any, key string) (any, bool) {
	switch d := dict.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		return d.Get(key)
	}
	return nil, false
}

// dictKeys returns the string keys of an unpickled python dict, plain or
// ordered. Non-string keys are ignored.
func dictKeys(dict any) []string {
	var keys []string
	switch d := dict.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	case *types.OrderedDict:
		for k := range d.Map {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	}
	return keys
}

// checkRequiredKeys verifies the unpickled checkpoint has the full
// mmengine top-level layout.
func checkRequiredKeys(dict any) error {
	for _, key := range RequiredKeys {
		if _, found := dictGet(dict, key); !found {
			return errors.Errorf("missing required key %q", key)
		}
	}
	return nil
}

// torchToTensor converts a gopickle torch tensor into a GoMLX tensor.
// Checkpoint tensors are stored contiguously, so the flat storage data (past
// the storage offset) maps directly onto the tensor dimensions.
func torchToTensor(t *pytorch.Tensor) (*tensors.Tensor, error) {
	numel := 1
	for _, dim := range t.Size {
		numel *= dim
	}
	offset := int(t.StorageOffset)
	switch storage := t.Source.(type) {
	case *pytorch.FloatStorage:
		return flatToTensor(storage.Data, offset, numel, t.Size)
	case *pytorch.HalfStorage:
		// gopickle decodes half storages to float32 already.
		return flatToTensor(storage.Data, offset, numel, t.Size)
	case *pytorch.BFloat16Storage:
		return flatToTensor(storage.Data, offset, numel, t.Size)
	case *pytorch.DoubleStorage:
		return flatToTensor(storage.Data, offset, numel, t.Size)
	default:
		return nil, errors.Errorf("unsupported torch storage type %T", t.Source)
	}
}

func flatToTensor[T float32 | float64](data []T, offset, numel int, dims []int) (*tensors.Tensor, error) {
	if offset+numel > len(data) {
		return nil, errors.Errorf("torch tensor needs %d values at offset %d, storage holds only %d",
			numel, offset, len(data))
	}
	return tensors.FromFlatDataAndDimensions(data[offset:offset+numel], dims...), nil
}

// LoadTorch reads a pickled PyTorch/mmengine checkpoint and returns its
// state dictionary as GoMLX tensors.
//
// The checkpoint's top-level dict must contain every key in RequiredKeys,
// otherwise an error is returned -- partial or already-converted checkpoints
// are not accepted.
func LoadTorch(path string) (map[string]*tensors.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading torch checkpoint %q", path)
	}
	if err = checkRequiredKeys(obj); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	stateDictAny, _ := dictGet(obj, StateDictKey)
	stateDict := make(map[string]*tensors.Tensor)
	for _, name := range dictKeys(stateDictAny) {
		value, _ := dictGet(stateDictAny, name)
		torchTensor, ok := value.(*pytorch.Tensor)
		if !ok {
			return nil, errors.Errorf("checkpoint %q: state_dict entry %q is a %T, not a tensor", path, name, value)
		}
		tensor, err := torchToTensor(torchTensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "state_dict entry %q", name)
		}
		stateDict[name] = tensor
	}
	return stateDict, nil
}

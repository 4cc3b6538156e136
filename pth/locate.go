package pth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kisielk/pthconv/pickle"
	"github.com/kisielk/pthconv/safetensors"
)

// rebuildTensor is the callable torch.save records for every tensor.
var rebuildTensor = pickle.Global{Module: "torch._utils", Name: "_rebuild_tensor_v2"}

// storageDTypes maps torch storage class names to element types.
var storageDTypes = map[string]safetensors.DType{
	"Float32Storage":  safetensors.F32,
	"Float16Storage":  safetensors.F16,
	"BFloat16Storage": safetensors.BF16,

	// names torch itself uses for the same storages
	"FloatStorage": safetensors.F32,
	"HalfStorage":  safetensors.F16,
}

// UnknownStorageError is returned when a tensor is backed by a storage class
// with no known element type.
type UnknownStorageError struct {
	Name string
}

func (e *UnknownStorageError) Error() string {
	return fmt.Sprintf("pth: unknown storage class %q", e.Name)
}

// StorageRefError is returned when a tensor's persistent id is a tuple too
// short to carry storage class, key and element count.
type StorageRefError struct {
	Ref pickle.Tuple
}

func (e *StorageRefError) Error() string {
	return fmt.Sprintf("pth: malformed storage reference %s: %d items, want at least 5", e.Ref, len(e.Ref))
}

// errNotTensor marks state dict entries that do not describe a tensor.
var errNotTensor = errors.New("not a tensor")

// isRebuild reports whether v is a recorded _rebuild_tensor_v2 call.
func isRebuild(v pickle.Value) (pickle.Reduce, bool) {
	r, ok := v.(pickle.Reduce)
	if !ok {
		return pickle.Reduce{}, false
	}
	g, ok := r.Callable.(pickle.Global)
	return r, ok && g == rebuildTensor
}

// isStateDict reports whether v is a dict whose first entry maps a name to a
// tensor. Only the first entry is looked at.
func isStateDict(v pickle.Value) bool {
	d, ok := v.(pickle.Dict)
	if !ok || len(d) == 0 {
		return false
	}
	if _, ok := d[0].Key.(pickle.String); !ok {
		return false
	}
	_, ok = isRebuild(d[0].Value)
	return ok
}

func isPersID(v pickle.Value) bool {
	_, ok := v.(pickle.PersID)
	return ok
}

// dataEntry returns archive entry name of storage key under base.
func dataEntry(base, key string) string {
	if base == "" {
		return "data/" + key
	}
	return base + "/data/" + key
}

// Locate finds tensor descriptors in root, the decoded graph of entry pklName
// of the archive at path archive.
//
// The tensors come from the first dict, in pre-order, whose first entry is a
// name mapped to a _rebuild_tensor_v2 call. Entries of that dict that do not
// describe a tensor are skipped. A graph without such a dict gives an empty
// result.
func Locate(root pickle.Value, archive, pklName string, opts ...Option) (map[string]*TensorLoc, error) {
	o := newOptions(opts)
	log := o.log.With().Str("archive", archive).Str("pickle", pklName).Logger()

	tensors := make(map[string]*TensorLoc)

	found, ok := pickle.Find(root, isStateDict)
	if !ok {
		log.Debug().Msg("no tensor state dict in graph")
		return tensors, nil
	}
	dict := found.(pickle.Dict)
	if n := dict.Index().Len(); n < len(dict) {
		log.Debug().Int("entries", len(dict)).Int("names", n).Msg("state dict repeats names; later entries win")
	}

	base := ""
	if i := strings.LastIndexByte(pklName, '/'); i >= 0 {
		base = pklName[:i]
	}

	for _, kv := range dict {
		name, ok := kv.Key.(pickle.String)
		if !ok {
			log.Debug().Stringer("key", kv.Key).Msg("skip entry: name is not a str")
			continue
		}
		t, err := locateTensor(kv.Value, archive, base, log)
		if errors.Is(err, errNotTensor) {
			log.Debug().Str("tensor", string(name)).Err(err).Msg("skip entry")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", string(name), err)
		}
		log.Debug().
			Str("tensor", string(name)).
			Stringer("dtype", t.dtype).
			Uints64("shape", t.shape).
			Str("entry", t.entry).
			Msg("tensor located")
		tensors[string(name)] = t
	}
	return tensors, nil
}

// locateTensor decodes
//
//	_rebuild_tensor_v2(persistent_load((_, storage class, key, _, numel)), _, shape, ...)
//
// into a descriptor.
func locateTensor(v pickle.Value, archive, base string, log zerolog.Logger) (*TensorLoc, error) {
	r, ok := isRebuild(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a %s call", errNotTensor, pickle.TypeName(v), rebuildTensor)
	}
	args, err := pickle.AsTuple(r.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: args: %s", errNotTensor, err)
	}
	if len(args) < 3 {
		return nil, fmt.Errorf("%w: %d args", errNotTensor, len(args))
	}

	shape, err := tensorShape(args[2])
	if err != nil {
		return nil, err
	}

	pid, ok := pickle.Find(args, isPersID)
	if !ok {
		return nil, fmt.Errorf("%w: no storage reference", errNotTensor)
	}
	ref, ok := pid.(pickle.PersID).ID.(pickle.Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: storage reference %s", errNotTensor, pid)
	}
	if len(ref) < 5 {
		return nil, &StorageRefError{Ref: ref}
	}
	class, ok1 := ref[1].(pickle.Global)
	key, ok2 := ref[2].(pickle.String)
	numel, ok3 := ref[4].(pickle.Int)
	if !(ok1 && ok2 && ok3) || numel < 0 {
		return nil, fmt.Errorf("%w: storage reference %s", errNotTensor, pid)
	}

	dtype, ok := storageDTypes[class.Name]
	if !ok {
		return nil, &UnknownStorageError{Name: class.Name}
	}

	return &TensorLoc{
		dtype:   dtype,
		archive: archive,
		entry:   dataEntry(base, string(key)),
		numel:   int64(numel),
		shape:   shape,
		log:     log,
	}, nil
}

// tensorShape converts shape argument of a rebuild call. Anything but a
// tuple is a scalar shape.
func tensorShape(v pickle.Value) ([]uint64, error) {
	dims, ok := v.(pickle.Tuple)
	if !ok {
		return []uint64{}, nil
	}
	shape := make([]uint64, len(dims))
	for i, d := range dims {
		n, ok := d.(pickle.Int)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: shape %s", errNotTensor, v)
		}
		shape[i] = uint64(n)
	}
	return shape, nil
}

package pth

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisielk/pthconv/pickle"
	"github.com/kisielk/pthconv/safetensors"
)

func TestLocateSkips(t *testing.T) {
	good := rebuild("Float32Storage", "0", 1, 1)
	args := good.Args.(pickle.Tuple)

	withArgs := func(a pickle.Value) pickle.Reduce {
		return pickle.Reduce{Callable: rebuildTensor, Args: a}
	}
	replaced := func(i int, v pickle.Value) pickle.Reduce {
		a := append(pickle.Tuple{}, args...)
		a[i] = v
		return withArgs(a)
	}
	badRef := func(ref pickle.Tuple) pickle.Reduce {
		return replaced(0, pickle.PersID{ID: ref})
	}

	tests := []struct {
		name  string
		entry pickle.Pair
	}{
		{"key not str", pickle.Pair{Key: pickle.Int(1), Value: good}},
		{"value not reduce", pickle.Pair{Key: pickle.String("x"), Value: pickle.Int(1)}},
		{"other callable", pickle.Pair{Key: pickle.String("x"), Value: pickle.Reduce{
			Callable: pickle.Global{Module: "torch._utils", Name: "_rebuild_parameter"}, Args: args}}},
		{"args not tuple", pickle.Pair{Key: pickle.String("x"), Value: withArgs(pickle.Int(1))}},
		{"two args", pickle.Pair{Key: pickle.String("x"), Value: withArgs(args[:2])}},
		{"shape item not int", pickle.Pair{Key: pickle.String("x"), Value: replaced(2, pickle.Tuple{pickle.String("1")})}},
		{"negative dimension", pickle.Pair{Key: pickle.String("x"), Value: replaced(2, pickle.Tuple{pickle.Int(-1)})}},
		{"no persid", pickle.Pair{Key: pickle.String("x"), Value: replaced(0, pickle.Int(0))}},
		{"persid not tuple", pickle.Pair{Key: pickle.String("x"), Value: replaced(0, pickle.PersID{ID: pickle.String("0")})}},
		{"class not global", pickle.Pair{Key: pickle.String("x"), Value: badRef(pickle.Tuple{
			pickle.String("storage"), pickle.String("torch.FloatStorage"), pickle.String("0"), pickle.String("cpu"), pickle.Int(1)})}},
		{"storage key not str", pickle.Pair{Key: pickle.String("x"), Value: badRef(pickle.Tuple{
			pickle.String("storage"), pickle.Global{Module: "torch", Name: "FloatStorage"}, pickle.Int(0), pickle.String("cpu"), pickle.Int(1)})}},
		{"numel not int", pickle.Pair{Key: pickle.String("x"), Value: badRef(pickle.Tuple{
			pickle.String("storage"), pickle.Global{Module: "torch", Name: "FloatStorage"}, pickle.String("0"), pickle.String("cpu"), pickle.String("1")})}},
		{"negative numel", pickle.Pair{Key: pickle.String("x"), Value: badRef(pickle.Tuple{
			pickle.String("storage"), pickle.Global{Module: "torch", Name: "FloatStorage"}, pickle.String("0"), pickle.String("cpu"), pickle.Int(-1)})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := pickle.Dict{{Key: pickle.String("good"), Value: good}, tt.entry}

			var logs bytes.Buffer
			got, err := Locate(root, "a.pth", "archive/data.pkl", WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))
			require.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Contains(t, got, "good")
			assert.Contains(t, logs.String(), "skip entry")
		})
	}
}

func TestLocateShape(t *testing.T) {
	// shape that is not a tuple means a scalar
	r := rebuild("Float32Storage", "0", 1)
	r.Args.(pickle.Tuple)[2] = pickle.Int(7)

	got, err := Locate(pickle.Dict{{Key: pickle.String("s"), Value: r}}, "a.pth", "archive/data.pkl")
	require.NoError(t, err)
	require.Contains(t, got, "s")
	assert.Equal(t, []uint64{}, got["s"].Shape())

	// element count decides data length, not the shape
	got, err = Locate(pickle.Dict{{Key: pickle.String("v"), Value: rebuild("BFloat16Storage", "0", 10, 2, 2)}}, "a.pth", "archive/data.pkl")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 2}, got["v"].Shape())
	assert.EqualValues(t, 20, got["v"].DataLen())
}

func TestLocateFirstMatch(t *testing.T) {
	first := pickle.Dict{{Key: pickle.String("a"), Value: rebuild("Float32Storage", "0", 1)}}
	second := pickle.Dict{{Key: pickle.String("b"), Value: rebuild("Float32Storage", "1", 1)}}
	root := pickle.Tuple{first, second}

	got, err := Locate(root, "a.pth", "x/data.pkl")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "a")
	assert.Equal(t, "x/data/0", got["a"].Entry())
}

func TestLocateNothing(t *testing.T) {
	for _, root := range []pickle.Value{
		pickle.Int(1),
		pickle.Dict{},
		pickle.Dict{{Key: pickle.Int(0), Value: rebuild("Float32Storage", "0", 1)}},
		pickle.Tuple{rebuild("Float32Storage", "0", 1)},
	} {
		got, err := Locate(root, "a.pth", "archive/data.pkl")
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got, "root %s", root)
	}
}

func TestLocateUnknownStorage(t *testing.T) {
	root := pickle.Dict{
		{Key: pickle.String("w"), Value: rebuild("Float32Storage", "0", 1)},
		{Key: pickle.String("ids"), Value: rebuild("LongStorage", "1", 1)},
	}
	_, err := Locate(root, "a.pth", "archive/data.pkl")
	var serr *UnknownStorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "LongStorage", serr.Name)
	assert.EqualError(t, err, `tensor ids: pth: unknown storage class "LongStorage"`)
}

// a persistent id tuple too short for class, key and element count is a
// format error, not a skipped entry.
func TestLocateShortStorageRef(t *testing.T) {
	for _, ref := range []pickle.Tuple{
		{},
		{pickle.String("storage")},
		{pickle.String("storage"), pickle.Global{Module: "torch", Name: "FloatStorage"}, pickle.String("0")},
		{pickle.String("storage"), pickle.Global{Module: "torch", Name: "FloatStorage"}, pickle.String("0"), pickle.String("cpu")},
	} {
		r := rebuild("Float32Storage", "0", 6, 2, 3)
		r.Args.(pickle.Tuple)[0] = pickle.PersID{ID: ref}
		root := pickle.Dict{{Key: pickle.String("w"), Value: r}}

		got, err := Locate(root, "a.pth", "archive/data.pkl")
		assert.Nil(t, got)
		var rerr *StorageRefError
		require.ErrorAs(t, err, &rerr, "ref %s", ref)
		assert.Equal(t, ref, rerr.Ref)
		assert.ErrorContains(t, err, "tensor w: pth: malformed storage reference")
	}
}

func TestDataEntry(t *testing.T) {
	assert.Equal(t, "data/0", dataEntry("", "0"))
	assert.Equal(t, "archive/data/0", dataEntry("archive", "0"))
	assert.Equal(t, "a/b/data/12", dataEntry("a/b", "12"))
}

func TestStorageDTypes(t *testing.T) {
	assert.Equal(t, safetensors.F32, storageDTypes["Float32Storage"])
	assert.Equal(t, safetensors.F16, storageDTypes["Float16Storage"])
	assert.Equal(t, safetensors.BF16, storageDTypes["BFloat16Storage"])
}

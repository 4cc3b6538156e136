package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(t *testing.T, header string, data []byte) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.WriteString(header)
	buf.Write(data)

	path := filepath.Join(t.TempDir(), "x.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestOpen(t *testing.T) {
	path := writeRaw(t,
		`{"__metadata__":{"k":"v"},"b":{"dtype":"F16","shape":[2],"data_offsets":[2,6]},"a":{"dtype":"U8","shape":[2],"data_offsets":[0,2]}}`,
		[]byte{1, 2, 3, 4, 5, 6})

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, map[string]string{"k": "v"}, f.Metadata())
	assert.Equal(t, []string{"a", "b"}, f.Names())

	info, err := f.Info("b")
	require.NoError(t, err)
	assert.Equal(t, TensorInfo{DType: F16, Shape: []uint64{2}, DataOffsets: [2]int64{2, 6}}, info)
	assert.EqualValues(t, 4, info.Size())

	data, err := f.ReadTensor("b")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, data)

	_, err = f.ReadTensor("c")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestOpenInvalid(t *testing.T) {
	tests := []struct {
		name   string
		header string
		data   []byte
	}{
		{"bad json", `{"a":`, nil},
		{"bad entry", `{"a":{"dtype":"F32","shape":"x","data_offsets":[0,0]}}`, nil},
		{"offsets past end", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`, []byte{1, 2}},
		{"offsets reversed", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, []byte{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(writeRaw(t, tt.header, tt.data))
			assert.Error(t, err)
		})
	}

	// header size larger than the file
	path := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0, 0, 0, 0, 0, 0, 0, '{', '}'}, 0o644))
	_, err := Open(path)
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

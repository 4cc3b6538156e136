package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// metadataKey is the reserved header entry holding free-form metadata.
const metadataKey = "__metadata__"

// View is a tensor whose bytes can be produced on demand.
//
// WriteTo must write exactly DataLen bytes.
type View interface {
	DType() DType
	Shape() []uint64
	DataLen() int64
	WriteTo(w io.Writer) (int64, error)
}

// TensorInfo describes one tensor entry of the header.
type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) relative to the data section
}

// Size returns the number of data bytes the entry covers.
func (ti TensorInfo) Size() int64 {
	return ti.DataOffsets[1] - ti.DataOffsets[0]
}

// ErrShortTensor is returned when a View writes a different number of bytes
// than it announced with DataLen.
var ErrShortTensor = errors.New("safetensors: tensor data length mismatch")

// header builds the padded JSON header and returns it along with tensor
// names in the order their data follows it.
func header(tensors map[string]View, metadata map[string]string) ([]byte, []string, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == "" || name == metadataKey {
			return nil, nil, fmt.Errorf("safetensors: invalid tensor name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		entries[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		v := tensors[name]
		if v.DType().Size() == 0 {
			return nil, nil, fmt.Errorf("safetensors: tensor %q: unknown dtype %q", name, v.DType())
		}
		size := v.DataLen()
		if size < 0 {
			return nil, nil, fmt.Errorf("safetensors: tensor %q: negative data length %d", name, size)
		}
		shape := v.Shape()
		if shape == nil {
			shape = []uint64{}
		}
		entries[name] = TensorInfo{
			DType:       v.DType(),
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// the data section starts 8-byte aligned
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, 8-pad)...)
	}
	return headerJSON, names, nil
}

// Write writes tensors and metadata to w in safetensors format.
//
// Tensor bytes are requested one tensor at a time, in name order, so at most
// one tensor is held by a View at any moment.
func Write(w io.Writer, tensors map[string]View, metadata map[string]string) error {
	headerJSON, names, err := header(tensors, metadata)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, name := range names {
		v := tensors[name]
		n, err := v.WriteTo(w)
		if err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
		if n != v.DataLen() {
			return fmt.Errorf("tensor %s: wrote %d bytes, want %d: %w", name, n, v.DataLen(), ErrShortTensor)
		}
	}
	return nil
}

// WriteFile writes tensors and metadata to the file at path.
//
// Data goes to a temporary file next to path which is renamed over path only
// after everything was written; on error path is left untouched.
func WriteFile(path string, tensors map[string]View, metadata map[string]string) (err error) {
	//nolint:gosec // G304: output path comes from the command line
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	if err := Write(bw, tensors, metadata); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

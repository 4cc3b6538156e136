package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxHeaderSize bounds the header a reader is willing to load.
const maxHeaderSize = 100 << 20

// ErrTensorNotFound is returned for names absent from the header.
var ErrTensorNotFound = errors.New("safetensors: tensor not found")

// Header is the decoded JSON header.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

// UnmarshalJSON splits the header into metadata and tensor entries.
func (h *Header) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[metadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]TensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == metadataKey {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}
	return nil
}

// File is an open safetensors file.
//
// ReadTensor may be called from several goroutines at once.
type File struct {
	file       *os.File
	header     Header
	dataOffset int64
	dataSize   int64
}

// Open opens the safetensors file at path and validates its header.
func Open(path string) (*File, error) {
	//nolint:gosec // G304: path comes from the caller
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	f, err := newFile(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func newFile(file *os.File) (*File, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, err
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > maxHeaderSize || int64(headerSize) > st.Size()-8 {
		return nil, fmt.Errorf("invalid header size: %d", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	f := &File{
		file:       file,
		header:     header,
		dataOffset: 8 + int64(headerSize),
	}
	f.dataSize = st.Size() - f.dataOffset

	for name, info := range header.Tensors {
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > f.dataSize {
			return nil, fmt.Errorf("invalid data offsets for tensor %s: [%d, %d]", name, start, end)
		}
	}
	return f, nil
}

// Close closes the file.
func (f *File) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// Metadata returns the "__metadata__" entry of the header; nil if absent.
func (f *File) Metadata() map[string]string {
	return f.header.Metadata
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.header.Tensors))
	for name := range f.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns header entry of tensor name.
func (f *File) Info(name string) (TensorInfo, error) {
	info, ok := f.header.Tensors[name]
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return info, nil
}

// ReadTensor reads raw bytes of tensor name.
func (f *File) ReadTensor(name string) ([]byte, error) {
	info, err := f.Info(name)
	if err != nil {
		return nil, err
	}

	data := make([]byte, info.Size())
	if _, err := f.file.ReadAt(data, f.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return data, nil
}

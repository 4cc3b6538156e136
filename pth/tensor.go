package pth

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/kisielk/pthconv/safetensors"
)

// TensorLoc locates one tensor's bytes inside a checkpoint archive.
//
// It holds no open handles: every Data or WriteTo call opens the archive
// anew, so a TensorLoc may be used from several goroutines at once.
type TensorLoc struct {
	dtype   safetensors.DType
	archive string // path of the zip file
	entry   string // storage entry inside the zip file
	numel   int64
	shape   []uint64
	log     zerolog.Logger
}

var _ safetensors.View = (*TensorLoc)(nil)

func (t *TensorLoc) DType() safetensors.DType { return t.dtype }

// Shape returns a copy of the tensor shape.
func (t *TensorLoc) Shape() []uint64 {
	return append([]uint64{}, t.shape...)
}

// Archive returns path of the archive holding the tensor bytes.
func (t *TensorLoc) Archive() string { return t.archive }

// Entry returns name of the archive entry holding the tensor bytes.
func (t *TensorLoc) Entry() string { return t.entry }

// NumElements returns element count of the backing storage.
func (t *TensorLoc) NumElements() int64 { return t.numel }

// DataLen returns the number of bytes the tensor occupies: its storage
// element count times element size. The shape does not enter into it.
func (t *TensorLoc) DataLen() int64 {
	return t.numel * int64(t.dtype.Size())
}

// WriteTo copies exactly DataLen bytes of the tensor to w.
func (t *TensorLoc) WriteTo(w io.Writer) (n int64, err error) {
	t.log.Debug().Str("entry", t.entry).Int64("bytes", t.DataLen()).Msg("loading tensor")

	a, err := openArchive(t.archive)
	if err != nil {
		return 0, fmt.Errorf("pth: %s: %w", t.archive, err)
	}
	defer a.Close()

	rc, err := a.Open(t.entry)
	if err != nil {
		return 0, fmt.Errorf("pth: %s: %w", t.archive, err)
	}
	defer rc.Close()

	n, err = io.CopyN(w, rc, t.DataLen())
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("short read: got %d of %d bytes: %w", n, t.DataLen(), io.ErrUnexpectedEOF)
	}
	if err != nil {
		return n, fmt.Errorf("pth: %s: %s: %w", t.archive, t.entry, err)
	}
	return n, nil
}

// Data returns the tensor bytes.
func (t *TensorLoc) Data() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, t.DataLen()))
	if _, err := t.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *TensorLoc) String() string {
	return fmt.Sprintf("%s%v@%s:%s", t.dtype, t.shape, t.archive, t.entry)
}

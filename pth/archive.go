package pth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/kisielk/pthconv/pickle"
)

// ErrEntryNotFound is returned when an archive has no entry with the requested name.
var ErrEntryNotFound = errors.New("pth: archive entry not found")

// archive is an open checkpoint zip file.
type archive struct {
	f      *os.File
	zr     *zip.Reader
	byName map[string]*zip.File
}

func openArchive(path string) (*archive, error) {
	//nolint:gosec // G304: checkpoint paths come from the command line
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pth: %s: %w", path, err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	a := &archive{f: f, zr: zr, byName: make(map[string]*zip.File, len(zr.File))}
	for _, zf := range zr.File {
		// a name stored twice resolves to its last copy
		a.byName[zf.Name] = zf
	}
	return a, nil
}

// Names returns entry names in central directory order.
func (a *archive) Names() []string {
	names := make([]string, len(a.zr.File))
	for i, zf := range a.zr.File {
		names[i] = zf.Name
	}
	return names
}

// Open opens entry name for reading.
func (a *archive) Open(name string) (io.ReadCloser, error) {
	zf, ok := a.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("pth: open %s: %w", name, err)
	}
	return rc, nil
}

func (a *archive) Close() error {
	return a.f.Close()
}

// WriteOption tunes WriteArchive.
type WriteOption func(*writeOptions)

type writeOptions struct {
	method uint16
}

// WithCompression sets the compression method of every entry:
// zip.Store (the default, as torch.save does), zip.Deflate or
// zstd.ZipMethodWinZip.
func WithCompression(method uint16) WriteOption {
	return func(o *writeOptions) { o.method = method }
}

// WriteArchive writes graph and storage blobs as a checkpoint archive laid
// out the way torch.save does it: graph pickled at pklName, every blob at
// <base>/data/<key> and a <base>/version record, where base is the directory
// part of pklName.
func WriteArchive(dst, pklName string, graph pickle.Value, blobs map[string][]byte, opts ...WriteOption) (err error) {
	o := writeOptions{method: zip.Store}
	for _, opt := range opts {
		opt(&o)
	}

	var pkl bytes.Buffer
	enc := pickle.NewEncoderWithConfig(&pkl, &pickle.EncoderConfig{Protocol: 2, Memoize: true})
	if err := enc.Encode(graph); err != nil {
		return fmt.Errorf("pth: pickle graph: %w", err)
	}

	//nolint:gosec // G304: fixture and output paths come from the caller
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())

	put := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: o.method})
		if err != nil {
			return fmt.Errorf("pth: create %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("pth: write %s: %w", name, err)
		}
		return nil
	}

	base := path.Dir(pklName)
	if base == "." {
		base = ""
	}
	if err := put(pklName, pkl.Bytes()); err != nil {
		return err
	}

	keys := make([]string, 0, len(blobs))
	for key := range blobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := put(dataEntry(base, key), blobs[key]); err != nil {
			return err
		}
	}
	if err := put(path.Join(base, "version"), []byte("3\n")); err != nil {
		return err
	}

	return zw.Close()
}

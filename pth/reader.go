package pth

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kisielk/pthconv/pickle"
	"github.com/kisielk/pthconv/safetensors"
)

// DefaultPickleSuffix selects the graph entry of an archive.
const DefaultPickleSuffix = "data.pkl"

// Option configures Reader and Locate.
type Option func(*options)

type options struct {
	suffix string
	log    zerolog.Logger
}

func newOptions(opts []Option) *options {
	o := &options{suffix: DefaultPickleSuffix, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPickleSuffix selects the graph entry as the last archive entry whose
// name ends with suffix.
func WithPickleSuffix(suffix string) Option {
	return func(o *options) { o.suffix = suffix }
}

// WithLogger sets the logger for debug events.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Reader holds tensors located in a set of checkpoint archives.
type Reader struct {
	tensors map[string]*TensorLoc
}

// NewReader locates tensors in every archive of paths, in order.
//
// Tensors of a later archive replace same-named tensors of earlier ones. An
// archive without a graph entry contributes nothing. The first error aborts.
func NewReader(paths []string, opts ...Option) (*Reader, error) {
	o := newOptions(opts)
	r := &Reader{tensors: make(map[string]*TensorLoc)}
	for _, path := range paths {
		if err := r.readArchive(path, o, opts); err != nil {
			return nil, fmt.Errorf("pth: %s: %w", path, err)
		}
	}
	return r, nil
}

func (r *Reader) readArchive(path string, o *options, opts []Option) error {
	log := o.log.With().Str("archive", path).Logger()

	a, err := openArchive(path)
	if err != nil {
		return err
	}
	defer a.Close()
	log.Debug().Int("entries", len(a.zr.File)).Msg("archive opened")

	pklName := ""
	for _, name := range a.Names() {
		if strings.HasSuffix(name, o.suffix) {
			pklName = name
		}
	}
	if pklName == "" {
		log.Debug().Str("suffix", o.suffix).Msg("no graph entry")
		return nil
	}
	log.Debug().Str("pickle", pklName).Msg("graph entry chosen")

	rc, err := a.Open(pklName)
	if err != nil {
		return err
	}
	defer rc.Close()

	root, err := pickle.Unpickle(rc)
	if err != nil {
		return fmt.Errorf("%s: %w", pklName, err)
	}

	tensors, err := Locate(root, path, pklName, opts...)
	if err != nil {
		return err
	}
	for name, t := range tensors {
		if prev, ok := r.tensors[name]; ok {
			log.Debug().Str("tensor", name).Str("previous", prev.archive).Msg("tensor replaced")
		}
		r.tensors[name] = t
	}
	log.Debug().Int("tensors", len(tensors)).Msg("archive read")
	return nil
}

// Tensors returns located tensors by name.
func (r *Reader) Tensors() map[string]*TensorLoc {
	return maps.Clone(r.tensors)
}

// Views returns located tensors as safetensors views.
func (r *Reader) Views() map[string]safetensors.View {
	views := make(map[string]safetensors.View, len(r.tensors))
	for name, t := range r.tensors {
		views[name] = t
	}
	return views
}

// Names returns tensor names in sorted order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.tensors))
	for name := range r.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataLen returns the total size of all tensor bytes.
func (r *Reader) DataLen() int64 {
	var n int64
	for _, t := range r.tensors {
		n += t.DataLen()
	}
	return n
}

// Command pth2safetensors converts PyTorch checkpoint archives to one
// safetensors file.
//
//	pth2safetensors [flags] INPUT... OUTPUT
//
// Tensors of later inputs replace same-named tensors of earlier ones.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisielk/pthconv/internal/config"
	"github.com/kisielk/pthconv/internal/logging"
	"github.com/kisielk/pthconv/pth"
	"github.com/kisielk/pthconv/safetensors"
)

const app = "pth2safetensors"

var version = "dev"

// metadataFlag collects repeated -metadata key=value flags.
type metadataFlag map[string]string

func (m metadataFlag) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (m metadataFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	m[k] = v
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command and returns its exit code: 0 on success, 1 when
// conversion fails and 2 for usage errors.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(app, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML config `file`")
	logLevel := fs.String("log-level", "", "log `level`: trace, debug, info, warn, error or off")
	verify := fs.Bool("verify", false, "read the output back and compare every tensor")
	showVersion := fs.Bool("version", false, "print version and exit")
	meta := metadataFlag{}
	fs.Var(meta, "metadata", "add `key=value` to the header metadata (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] INPUT... OUTPUT\n", app)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, app, version)
		return 0
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", app, err)
			return 1
		}
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	logCfg := logging.DefaultConfig()
	logCfg.Out = stderr
	logCfg.NoColor = cfg.NoColor
	logCfg.Level, _ = logging.ParseLevel(cfg.LogLevel)
	logging.ApplyEnv(&logCfg)
	if set["log-level"] {
		lvl, ok := logging.ParseLevel(*logLevel)
		if !ok {
			fmt.Fprintf(stderr, "%s: unknown log level %q\n", app, *logLevel)
			return 2
		}
		logCfg.Level = lvl
	}
	if set["verify"] {
		cfg.Verify = *verify
	}
	for k, v := range meta {
		cfg.Metadata[k] = v
	}

	log := logging.New(app, logCfg)

	inputs, output := fs.Args()[:fs.NArg()-1], fs.Arg(fs.NArg()-1)
	if err := convert(log, inputs, output, cfg); err != nil {
		log.Error().Err(err).Msg("conversion failed")
		return 1
	}
	return 0
}

func convert(log zerolog.Logger, inputs []string, output string, cfg config.Config) error {
	start := time.Now()

	r, err := pth.NewReader(inputs, pth.WithPickleSuffix(cfg.PickleSuffix), pth.WithLogger(log))
	if err != nil {
		return err
	}
	log.Info().Int("archives", len(inputs)).Int("tensors", len(r.Names())).Msg("tensors located")

	if err := safetensors.WriteFile(output, r.Views(), cfg.Metadata); err != nil {
		return err
	}
	log.Info().
		Str("output", output).
		Int("tensors", len(r.Names())).
		Int64("bytes", r.DataLen()).
		Dur("elapsed", time.Since(start)).
		Msg("safetensors written")

	if cfg.Verify {
		if err := verifyOutput(r, output, cfg.Metadata); err != nil {
			return fmt.Errorf("verify %s: %w", output, err)
		}
		log.Info().Str("output", output).Msg("output verified")
	}
	return nil
}

// verifyOutput reads output back and compares it with what r located.
func verifyOutput(r *pth.Reader, output string, metadata map[string]string) error {
	f, err := safetensors.Open(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if !slices.Equal(f.Names(), r.Names()) {
		return fmt.Errorf("tensor names differ: have %v, want %v", f.Names(), r.Names())
	}
	for k, v := range metadata {
		if f.Metadata()[k] != v {
			return fmt.Errorf("metadata %s: have %q, want %q", k, f.Metadata()[k], v)
		}
	}

	for name, t := range r.Tensors() {
		info, err := f.Info(name)
		if err != nil {
			return err
		}
		if info.DType != t.DType() || !slices.Equal(info.Shape, t.Shape()) || info.Size() != t.DataLen() {
			return fmt.Errorf("tensor %s: header %s%v (%d bytes), want %s%v (%d bytes)",
				name, info.DType, info.Shape, info.Size(), t.DType(), t.Shape(), t.DataLen())
		}
		have, err := f.ReadTensor(name)
		if err != nil {
			return err
		}
		want, err := t.Data()
		if err != nil {
			return err
		}
		if !bytes.Equal(have, want) {
			return fmt.Errorf("tensor %s: data differs", name)
		}
	}
	return nil
}

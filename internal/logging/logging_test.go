package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" DEBUG ", zerolog.DebugLevel, true},
		{"trace", zerolog.TraceLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"error", zerolog.ErrorLevel, true},
		{"off", zerolog.Disabled, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		lvl, ok := ParseLevel(tt.raw)
		assert.Equal(t, tt.want, lvl, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:     "debug",
		EnvLogTimestamp: "false",
		EnvLogNoColor:   "1",
	}
	cfg := DefaultConfig()
	applyEnvOverrides(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, zerolog.DebugLevel, cfg.Level)
	assert.False(t, cfg.Timestamp)
	assert.True(t, cfg.NoColor)

	// garbage leaves values alone
	env = map[string]string{EnvLogLevel: "loud", EnvLogTimestamp: "maybe"}
	cfg = DefaultConfig()
	applyEnvOverrides(&cfg, func(k string) string { return env[k] })
	assert.Equal(t, DefaultConfig().Level, cfg.Level)
	assert.True(t, cfg.Timestamp)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New("pth2safetensors", Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf})

	log.Debug().Msg("hidden")
	log.Info().Int("tensors", 3).Msg("converted")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "converted")
	assert.Contains(t, out, "tensors=3")
	assert.Contains(t, out, "app=pth2safetensors")
}

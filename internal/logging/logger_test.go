package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestComponentLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	log := Component("threads")
	threadLog := WithThread(log, "th_1")
	threadLog.Info().Msg("created")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "threads", rec["component"])
	assert.Equal(t, "th_1", rec["thread_id"])
	assert.Equal(t, "created", rec["message"])
}

func TestFromContext(t *testing.T) {
	custom := zerolog.Nop().With().Str("k", "v").Logger()
	ctx := WithContext(context.Background(), custom)

	got := FromContext(ctx)
	assert.Equal(t, custom, got)
	assert.Equal(t, Logger, FromContext(context.Background()))
}

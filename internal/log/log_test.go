package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := L
	defer func() { L = prev }()

	SetOutput(&buf)
	SetLevel(zerolog.InfoLevel)

	l := With("transport")
	l.Info().Int("port", 3000).Msg("listening")
	l.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "Expected exactly one JSON line")
	assert.Equal(t, "transport", entry["component"])
	assert.Equal(t, "listening", entry["message"])
	assert.EqualValues(t, 3000, entry["port"])
}

func TestSampledLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Sampled(zerolog.New(&buf), 2)

	for i := 0; i < 10; i++ {
		l.Warn().Msg("queue full")
	}

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 2, lines, "Expected burst sampler to let only 2 entries through")
}

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	tests := []struct {
		name   string
		logger zerolog.Logger
		want   map[string]any
	}{
		{"component", WithComponent("mapping"), map[string]any{"component": "mapping"}},
		{"cluster", WithClusterID(7), map[string]any{"cluster_id": float64(7)}},
		{"task", WithTaskID(42), map[string]any{"task_id": float64(42)}},
		{"object in cluster", WithObject(types.ServiceRef(3), 7), map[string]any{"object": types.ServiceRef(3).String(), "cluster_id": float64(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logger.Info().Msg("hello")

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, "hello", line["message"])
			for k, v := range tt.want {
				assert.Equal(t, v, line[k])
			}
		})
	}

	buf.Reset()
	unbound := WithObject(types.ProviderRef(1), 0)
	unbound.Info().Msg("unbound")
	assert.NotContains(t, buf.String(), "cluster_id")
}

func TestInitLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	logger := WithComponent("test")
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

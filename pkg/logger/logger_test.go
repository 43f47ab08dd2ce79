/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New(&Config{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l.WithComponent("x").GetLevel())

	_, err = New(&Config{Level: "loud"})
	require.Error(t, err)
}

func TestConfigParseLevel(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want zerolog.Level
	}{
		{name: "nil config", cfg: nil, want: zerolog.InfoLevel},
		{name: "empty level", cfg: &Config{}, want: zerolog.InfoLevel},
		{name: "warn", cfg: &Config{Level: "warn"}, want: zerolog.WarnLevel},
		{name: "debug flag wins", cfg: &Config{Level: "error", Debug: true}, want: zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ParseLevel()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigWriterFormats(t *testing.T) {
	_, ok := (&Config{Format: FormatConsole}).Writer().(zerolog.ConsoleWriter)
	assert.True(t, ok)

	_, ok = (&Config{}).Writer().(zerolog.ConsoleWriter)
	assert.False(t, ok)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("PHONEFLEET_LOG_LEVEL", "")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DEBUG", "yes")

	config := DefaultConfig()

	assert.Equal(t, "warn", config.Level)
	assert.True(t, config.Debug)
	assert.Equal(t, "stdout", config.Output)
	assert.Equal(t, FormatJSON, config.Format)

	t.Setenv("PHONEFLEET_LOG_LEVEL", "error")
	assert.Equal(t, "error", DefaultConfig().Level)
}

func TestWriterLoggerEmitsComponentField(t *testing.T) {
	var buf bytes.Buffer

	l := NewWriterLogger(&buf)
	cl := l.WithComponent("broker")
	cl.Info().Str("host_id", "HOST01").Msg("worker connected")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "broker", line["component"])
	assert.Equal(t, "HOST01", line["host_id"])
	assert.Equal(t, "worker connected", line["message"])
}

func TestTestLoggerDiscards(t *testing.T) {
	l := NewTestLogger()
	l.Info().Msg("ignored")
	assert.Equal(t, zerolog.Disabled, l.WithComponent("x").GetLevel())
}

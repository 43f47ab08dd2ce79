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

// Package logger wraps zerolog behind an injectable Logger. Processes build
// one root logger from Config and hand component loggers down.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	Format     string `json:"format,omitempty" yaml:"format"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// Writer returns the destination selected by Output and Format. Console
// output is meant for operators running a worker by hand.
func (c *Config) Writer() io.Writer {
	var w io.Writer = os.Stdout
	if c != nil && c.Output == "stderr" {
		w = os.Stderr
	}

	if c != nil && c.Format == FormatConsole {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: c.timeFormat()}
	}

	return w
}

func (c *Config) timeFormat() string {
	if c == nil || c.TimeFormat == "" {
		return time.RFC3339
	}

	return c.TimeFormat
}

// ParseLevel resolves the effective level, Debug taking precedence.
func (c *Config) ParseLevel() (zerolog.Level, error) {
	if c == nil {
		return zerolog.InfoLevel, nil
	}

	if c.Debug {
		return zerolog.DebugLevel, nil
	}

	if c.Level == "" {
		return zerolog.InfoLevel, nil
	}

	return zerolog.ParseLevel(c.Level)
}

// New builds a root logger from cfg; a nil cfg means DefaultConfig.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := cfg.ParseLevel()
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = cfg.timeFormat()

	return Wrap(zerolog.New(cfg.Writer()).Level(level).With().Timestamp().Logger()), nil
}

// Shutdown exists for symmetry with lifecycle.ShutdownLogger. zerolog writes
// synchronously so there is nothing buffered to flush.
func Shutdown() error {
	return nil
}

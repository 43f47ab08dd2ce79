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
	"io"

	"github.com/rs/zerolog"
)

// Logger is the injected, non-global logging handle every component takes in
// its constructor.
type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	Fatal() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) zerolog.Logger
	WithFields(fields map[string]interface{}) zerolog.Logger
	SetLevel(level zerolog.Level)
	SetDebug(debug bool)
}

// NewTestLogger creates a no-op logger for testing that discards all output
func NewTestLogger() Logger {
	return &zeroLogger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

// NewWriterLogger logs JSON lines to w at debug level. Tests use it to assert
// on emitted fields.
func NewWriterLogger(w io.Writer) Logger {
	return &zeroLogger{zl: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

// Wrap adapts an existing zerolog.Logger to the Logger interface.
func Wrap(zl zerolog.Logger) Logger {
	return &zeroLogger{zl: zl}
}

type zeroLogger struct {
	zl zerolog.Logger
}

func (l *zeroLogger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *zeroLogger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *zeroLogger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *zeroLogger) Error() *zerolog.Event { return l.zl.Error() }
func (l *zeroLogger) Fatal() *zerolog.Event { return l.zl.Fatal() }
func (l *zeroLogger) With() zerolog.Context { return l.zl.With() }

func (l *zeroLogger) WithComponent(component string) zerolog.Logger {
	return l.zl.With().Str("component", component).Logger()
}

func (l *zeroLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	return l.zl.With().Fields(fields).Logger()
}

func (l *zeroLogger) SetLevel(level zerolog.Level) { l.zl = l.zl.Level(level) }

func (l *zeroLogger) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}

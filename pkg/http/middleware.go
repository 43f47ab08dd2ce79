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

// Package http holds middleware shared by the phonefleet HTTP surfaces.
package http

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/carverauto/phonefleet/pkg/logger"
)

var errHijackUnsupported = errors.New("response writer does not support hijacking")

// statusRecorder captures the response status while still allowing the
// websocket handlers behind it to hijack the connection.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}

	n, err := r.ResponseWriter.Write(b)
	r.bytes += n

	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errHijackUnsupported
	}

	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}

	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// CommonMiddleware logs every request and converts handler panics into a 500.
func CommonMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Str("method", r.Method).Str("path", r.URL.Path).
						Msg("Recovered panic in HTTP handler")

					if rec.status == 0 {
						http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}

				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}

				event := log.Debug()
				if status >= http.StatusInternalServerError {
					event = log.Warn()
				}

				event.Str("method", r.Method).Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).
					Int("status", status).Int("bytes", rec.bytes).Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

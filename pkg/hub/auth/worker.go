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

// Package auth authenticates the two connection classes accepted by the Hub:
// Workers presenting a host id and shared secret, and Dashboards presenting a
// bearer token issued by the external identity provider.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
)

const (
	HeaderHostID       = "X-Host-Id"
	HeaderWorkerSecret = "X-Worker-Secret"
)

// WorkerIdentity is the result of a successful Worker handshake.
type WorkerIdentity struct {
	HostID          string
	AuthenticatedAt time.Time
}

// SecretsEqual compares two secrets in time that depends only on the longer
// length. Both inputs are padded to the same size before the comparison, so a
// length mismatch always yields false without an early return.
func SecretsEqual(provided, expected string) bool {
	n := len(provided)
	if len(expected) > n {
		n = len(expected)
	}

	a := make([]byte, n)
	b := make([]byte, n)

	copy(a, provided)
	copy(b, expected)

	lengthOK := subtle.ConstantTimeEq(int32(len(provided)), int32(len(expected)))
	bytesOK := subtle.ConstantTimeCompare(a, b)

	return lengthOK&bytesOK == 1 && len(expected) > 0
}

// WorkerAuthenticator checks Worker credentials against the configured secret.
type WorkerAuthenticator struct {
	secret string
	now    func() time.Time
}

func NewWorkerAuthenticator(secret string) *WorkerAuthenticator {
	return &WorkerAuthenticator{secret: secret, now: time.Now}
}

// Authenticate validates hostID against the host id pattern and the secret
// against the server-held value. It never creates any session state.
func (a *WorkerAuthenticator) Authenticate(hostID, secret string) (*WorkerIdentity, error) {
	if hostID == "" || secret == "" {
		return nil, models.NewAuthError(models.CodeAuthMissing, "host id and worker secret are required")
	}

	if !models.ValidHostID(hostID) {
		return nil, models.NewAuthError(models.CodeInvalidHostID, "host id does not match the expected pattern")
	}

	if !SecretsEqual(secret, a.secret) {
		return nil, models.NewAuthError(models.CodeAuthInvalid, "invalid worker credentials")
	}

	return &WorkerIdentity{HostID: hostID, AuthenticatedAt: a.now()}, nil
}

// AuthenticateRequest reads the handshake headers from r.
func (a *WorkerAuthenticator) AuthenticateRequest(r *http.Request) (*WorkerIdentity, error) {
	return a.Authenticate(strings.TrimSpace(r.Header.Get(HeaderHostID)), r.Header.Get(HeaderWorkerSecret))
}

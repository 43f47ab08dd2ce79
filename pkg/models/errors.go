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

package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every FleetError matches exactly one of these with errors.Is.
var (
	ErrAuthentication    = errors.New("authentication error")
	ErrValidation        = errors.New("validation error")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrPersistence       = errors.New("persistence error")
	ErrExecution         = errors.New("execution error")
)

// Stable machine-readable error codes sent to clients.
const (
	CodeAuthMissing      = "AUTH_MISSING"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeAuthExpired      = "AUTH_EXPIRED"
	CodeInvalidHostID    = "INVALID_HOST_ID"
	CodeInvalidSerial    = "INVALID_SERIAL"
	CodeInvalidCommand   = "INVALID_COMMAND"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeDeviceNotFound   = "DEVICE_NOT_FOUND"
	CodeHostNotConnected = "HOST_NOT_CONNECTED"
	CodeDeviceBusy       = "DEVICE_BUSY"
	CodeDeviceOffline    = "DEVICE_OFFLINE"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeJobNotActive     = "JOB_NOT_ACTIVE"
	CodePersistence      = "PERSISTENCE_FAILED"
	CodeExecution        = "EXECUTION_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeSendFailed       = "SEND_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeShuttingDown     = "SHUTTING_DOWN"
)

// FleetError is the typed error surfaced to Workers, Dashboards and HTTP callers.
type FleetError struct {
	Kind        error  `json:"-"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Err         error  `json:"-"`
}

func (e *FleetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is the kind sentinel of this error.
func (e *FleetError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *FleetError) Unwrap() error {
	return e.Err
}

// Payload renders the client-facing form of the error.
func (e *FleetError) Payload() ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message, Recoverable: e.Recoverable}
}

func NewAuthError(code, message string) *FleetError {
	return &FleetError{Kind: ErrAuthentication, Code: code, Message: message}
}

func NewValidationError(code, message string) *FleetError {
	return &FleetError{Kind: ErrValidation, Code: code, Message: message}
}

func NewUnavailableError(code, message string) *FleetError {
	return &FleetError{Kind: ErrDeviceUnavailable, Code: code, Message: message, Recoverable: true}
}

func NewPersistenceError(message string, err error) *FleetError {
	return &FleetError{Kind: ErrPersistence, Code: CodePersistence, Message: message, Recoverable: true, Err: err}
}

func NewExecutionError(message string, recoverable bool, err error) *FleetError {
	return &FleetError{Kind: ErrExecution, Code: CodeExecution, Message: message, Recoverable: recoverable, Err: err}
}

// AsPayload converts any error into a client payload. Errors that are not a
// FleetError are reported as non-recoverable execution failures.
func AsPayload(err error) ErrorPayload {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Payload()
	}

	return ErrorPayload{Code: CodeExecution, Message: err.Error()}
}

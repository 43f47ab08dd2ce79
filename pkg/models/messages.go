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
	"encoding/json"
	"errors"
	"time"
)

// MessageType names one entry of the Hub wire catalogue.
type MessageType string

// Worker -> Hub.
const (
	MsgHeartbeat    MessageType = "heartbeat"
	MsgJobStarted   MessageType = "job_started"
	MsgJobProgress  MessageType = "job_progress"
	MsgJobCompleted MessageType = "job_completed"
	MsgJobFailed    MessageType = "job_failed"
	MsgJobRequest   MessageType = "job_request"
	MsgCommandAck   MessageType = "command_ack"
	MsgInitComplete MessageType = "init_complete"
	MsgDeviceLog    MessageType = "device_log"
)

// Hub -> Worker.
const (
	MsgDeviceInit    MessageType = "device_init"
	MsgJobAssign     MessageType = "job_assign"
	MsgNoJob         MessageType = "no_job"
	MsgDeviceCommand MessageType = "device_command"
	MsgJobControl    MessageType = "job_control"
)

// Dashboard -> Hub.
const (
	MsgCommandSend      MessageType = "command_send"
	MsgCommandBroadcast MessageType = "command_broadcast"
	MsgJobDistribute    MessageType = "job_distribute"
	MsgJobPause         MessageType = "job_pause"
	MsgJobResume        MessageType = "job_resume"
	MsgJobCancel        MessageType = "job_cancel"
	MsgDeviceList       MessageType = "device_list"
	MsgLogsJoin         MessageType = "logs_join"
	MsgLogsLeave        MessageType = "logs_leave"
)

// Hub -> Dashboard.
const (
	MsgDeviceStatusUpdate  MessageType = "device_status_update"
	MsgJobStatusUpdate     MessageType = "job_status_update"
	MsgCommandResult       MessageType = "command_result"
	MsgDeviceSnapshot      MessageType = "device_snapshot"
	MsgJobDistributeResult MessageType = "job_distribute_result"
	MsgAuthExpired         MessageType = "auth_expired"
	MsgServerShutdown      MessageType = "server_shutdown"
	MsgError               MessageType = "error"
)

// Stream control, Dashboard -> Hub -> Worker.
const (
	MsgStreamStart MessageType = "stream_start"
	MsgStreamStop  MessageType = "stream_stop"
)

// Envelope is the text frame shape of every message on both channels.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into dst, reporting a validation error on failure.
func (e Envelope) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return NewValidationError(CodeInvalidPayload, "missing payload for "+string(e.Type))
	}

	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return &FleetError{Kind: ErrValidation, Code: CodeInvalidPayload, Message: "malformed payload for " + string(e.Type), Err: err}
	}

	return nil
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type HeartbeatPayload struct {
	HostID    string         `json:"hostId"`
	Devices   []DeviceReport `json:"devices"`
	Metrics   *HostMetrics   `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JobEventPayload covers job_started, job_progress, job_completed and job_failed.
type JobEventPayload struct {
	JobID        string `json:"jobId"`
	AssignmentID string `json:"assignmentId"`
	DeviceID     string `json:"deviceId"`
	Progress     int    `json:"progress,omitempty"`
	Error        string `json:"error,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`
}

type JobRequestPayload struct {
	DeviceID string `json:"deviceId"`
}

type NoJobPayload struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason,omitempty"`
}

// JobAssignPayload is identical for push distribution and job_request replies.
type JobAssignPayload struct {
	AssignmentID string    `json:"assignmentId"`
	JobID        string    `json:"jobId"`
	DeviceID     string    `json:"deviceId"`
	Params       JobParams `json:"params"`
	Comment      string    `json:"comment,omitempty"`
}

type DeviceInitPayload struct {
	DeviceID     string             `json:"deviceId"`
	Provisioning ProvisioningConfig `json:"provisioning"`
}

// ProvisioningConfig is pushed once to a device the first time it is seen idle.
type ProvisioningConfig struct {
	StayAwake        bool              `json:"stayAwake"`
	ScreenTimeoutSec int               `json:"screenTimeoutSec,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
	RunnerPackage    string            `json:"runnerPackage,omitempty"`
}

type InitCompletePayload struct {
	DeviceID string `json:"deviceId"`
}

type DeviceCommandPayload struct {
	CommandID string            `json:"commandId"`
	DeviceID  string            `json:"deviceId"`
	Verb      string            `json:"verb"`
	Params    map[string]string `json:"params,omitempty"`
}

type CommandAckPayload struct {
	CommandID string        `json:"commandId"`
	DeviceID  string        `json:"deviceId"`
	Status    CommandStatus `json:"status"`
	Output    string        `json:"output,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

type CommandSendPayload struct {
	CommandID string            `json:"commandId,omitempty"`
	DeviceID  string            `json:"deviceId"`
	Verb      string            `json:"verb"`
	Params    map[string]string `json:"params,omitempty"`
}

type CommandBroadcastPayload struct {
	DeviceIDs []string          `json:"deviceIds"`
	Verb      string            `json:"verb"`
	Params    map[string]string `json:"params,omitempty"`
}

type CommandResultPayload struct {
	CommandID string        `json:"commandId"`
	DeviceID  string        `json:"deviceId"`
	Status    CommandStatus `json:"status"`
	Output    string        `json:"output,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

type DistributeTarget struct {
	DeviceID string `json:"deviceId"`
}

type JobDistributePayload struct {
	JobID       string             `json:"jobId"`
	Assignments []DistributeTarget `json:"assignments"`
}

type JobDistributeResultPayload struct {
	JobID      string            `json:"jobId"`
	SentCount  int               `json:"sentCount"`
	TotalCount int               `json:"totalCount"`
	Skipped    []SkippedDispatch `json:"skipped,omitempty"`
}

type SkippedDispatch struct {
	DeviceID string `json:"deviceId"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

type JobIDPayload struct {
	JobID string `json:"jobId"`
}

// JobControlAction is a cooperative control signal broadcast to Workers.
type JobControlAction string

const (
	JobControlPause  JobControlAction = "pause"
	JobControlResume JobControlAction = "resume"
	JobControlCancel JobControlAction = "cancel"
)

type JobControlPayload struct {
	JobID  string           `json:"jobId"`
	Action JobControlAction `json:"action"`
}

type JobStatusUpdatePayload struct {
	Job          Job    `json:"job"`
	AssignmentID string `json:"assignmentId,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	Event        string `json:"event,omitempty"`
	Progress     int    `json:"progress,omitempty"`
}

type DeviceStatusUpdatePayload struct {
	Device         Device       `json:"device"`
	PreviousStatus DeviceStatus `json:"previousStatus,omitempty"`
	Transition     string       `json:"transition"`
}

type DeviceSnapshotPayload struct {
	Devices []Device `json:"devices"`
}

type DeviceRefPayload struct {
	DeviceID string `json:"deviceId"`
}

// Capture rate bounds for stream_start. The minimum is 1.
const (
	MaxStreamFPS     = 15
	DefaultStreamFPS = 5
)

// ClampFPS bounds a requested capture rate, substituting the default for
// unset values.
func ClampFPS(fps int) int {
	switch {
	case fps <= 0:
		return DefaultStreamFPS
	case fps > MaxStreamFPS:
		return MaxStreamFPS
	default:
		return fps
	}
}

type StreamPayload struct {
	DeviceID string `json:"deviceId"`
	FPS      int    `json:"fps,omitempty"`
}

type DeviceLogPayload struct {
	DeviceID string    `json:"deviceId"`
	Level    string    `json:"level,omitempty"`
	Line     string    `json:"line"`
	Time     time.Time `json:"time"`
}

type NoticePayload struct {
	Message string `json:"message"`
}

var errFrameTooShort = errors.New("stream frame too short")

const maxFrameDeviceIDLen = 255

// EncodeFrame packs a binary stream frame: 1 byte id length, id, image bytes.
func EncodeFrame(deviceID string, image []byte) ([]byte, error) {
	if deviceID == "" || len(deviceID) > maxFrameDeviceIDLen {
		return nil, NewValidationError(CodeInvalidPayload, "invalid frame device id")
	}

	buf := make([]byte, 0, 1+len(deviceID)+len(image))
	buf = append(buf, byte(len(deviceID)))
	buf = append(buf, deviceID...)
	buf = append(buf, image...)

	return buf, nil
}

// DecodeFrame is the inverse of EncodeFrame. The returned image aliases data.
func DecodeFrame(data []byte) (deviceID string, image []byte, err error) {
	if len(data) < 2 {
		return "", nil, errFrameTooShort
	}

	n := int(data[0])
	if n == 0 || len(data) < 1+n {
		return "", nil, errFrameTooShort
	}

	return string(data[1 : 1+n]), data[1+n:], nil
}

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
	"fmt"
	"regexp"
	"time"
)

// DeviceStatus is the Hub-side lifecycle state of a device.
type DeviceStatus string

const (
	DeviceIdle    DeviceStatus = "idle"
	DeviceBusy    DeviceStatus = "busy"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceIdle, DeviceBusy, DeviceOffline, DeviceError:
		return true
	default:
		return false
	}
}

var hostIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{2,16}(-[A-Za-z0-9]{1,16})?$`)

// ValidHostID reports whether id is an alphanumeric short code with an
// optional single suffix, e.g. "HOST01" or "PC07-B".
func ValidHostID(id string) bool {
	return hostIDPattern.MatchString(id)
}

// DeviceIDFor derives the logical device id from a host id and slot number.
func DeviceIDFor(hostID string, slot int) string {
	return fmt.Sprintf("%s-%03d", hostID, slot)
}

// Device is the Hub's authoritative record of one handset.
type Device struct {
	DeviceID            string       `json:"deviceId"`
	HardwareSerial      string       `json:"hardwareSerial"`
	HostID              string       `json:"hostId"`
	Slot                int          `json:"slot"`
	IP                  string       `json:"ip,omitempty"`
	Status              DeviceStatus `json:"status"`
	LastHeartbeatAt     time.Time    `json:"lastHeartbeatAt"`
	CurrentAssignmentID string       `json:"currentAssignmentId,omitempty"`
	Initialized         bool         `json:"initialized"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// DeviceReport is one row of a Worker heartbeat slot table.
type DeviceReport struct {
	DeviceID string       `json:"deviceId"`
	Slot     int          `json:"slot"`
	Serial   string       `json:"serial,omitempty"`
	IP       string       `json:"ip,omitempty"`
	Status   DeviceStatus `json:"status"`
}

// HostMetrics is optional host telemetry attached to a heartbeat.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

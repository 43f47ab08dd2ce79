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

// Package relay forwards live frames and ad-hoc device commands between
// Dashboards and the Worker that owns the target device.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

const (
	defaultCommandTimeout = 60 * time.Second
	minExpiryInterval     = time.Second
)

// Outbound delivers relay traffic. SendFrame must drop rather than queue when
// the Dashboard is slow.
type Outbound interface {
	SendToHost(hostID string, env models.Envelope) error
	SendToDashboard(socketID string, env models.Envelope) error
	SendFrame(socketID, deviceID string, frame []byte)
	HostConnected(hostID string) bool
}

type DeviceLookup interface {
	Get(deviceID string) (models.Device, bool)
}

// Issuer identifies the Dashboard session behind a command.
type Issuer struct {
	SocketID  string
	SubjectID string
}

type streamSession struct {
	hostID      string
	fps         int
	subscribers map[string]struct{}
}

type pendingCommand struct {
	issuer   Issuer
	deviceID string
	hostID   string
	verb     string
	issuedAt time.Time
}

type Relay struct {
	mu      sync.Mutex
	streams map[string]*streamSession
	pending map[string]*pendingCommand

	out            Outbound
	devices        DeviceLookup
	events         natsutil.Emitter
	commandTimeout time.Duration
	now            func() time.Time
	newID          func() string
	logger         logger.Logger
}

func New(out Outbound, devices DeviceLookup, events natsutil.Emitter, commandTimeout time.Duration, log logger.Logger) *Relay {
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}

	if events == nil {
		events = natsutil.NopEmitter{}
	}

	return &Relay{
		streams:        make(map[string]*streamSession),
		pending:        make(map[string]*pendingCommand),
		out:            out,
		devices:        devices,
		events:         events,
		commandTimeout: commandTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         log,
	}
}

func (r *Relay) reachable(deviceID string) (models.Device, error) {
	d, ok := r.devices.Get(deviceID)
	if !ok {
		return d, models.NewUnavailableError(models.CodeDeviceNotFound, "device "+deviceID+" is not known")
	}

	if !r.out.HostConnected(d.HostID) {
		return d, models.NewUnavailableError(models.CodeHostNotConnected, "host "+d.HostID+" is not connected")
	}

	if d.Status == models.DeviceOffline {
		return d, models.NewUnavailableError(models.CodeDeviceOffline, "device "+deviceID+" is offline")
	}

	return d, nil
}

// StartStream subscribes socketID to deviceID. Only the first subscriber
// causes a stream_start to the owning Worker.
func (r *Relay) StartStream(socketID string, p *models.StreamPayload) error {
	d, err := r.reachable(p.DeviceID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[p.DeviceID]; ok {
		s.subscribers[socketID] = struct{}{}

		return nil
	}

	fps := models.ClampFPS(p.FPS)

	env, err := models.NewEnvelope(models.MsgStreamStart, models.StreamPayload{DeviceID: p.DeviceID, FPS: fps})
	if err != nil {
		return err
	}

	if err := r.out.SendToHost(d.HostID, env); err != nil {
		return models.NewUnavailableError(models.CodeSendFailed, "failed to start stream on "+d.HostID)
	}

	r.streams[p.DeviceID] = &streamSession{
		hostID:      d.HostID,
		fps:         fps,
		subscribers: map[string]struct{}{socketID: {}},
	}

	r.logger.Info().Str("device_id", p.DeviceID).Str("host_id", d.HostID).Int("fps", fps).Msg("Started device stream")

	return nil
}

// StopStream unsubscribes socketID. The last unsubscribe stops the capture.
func (r *Relay) StopStream(socketID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked(socketID, deviceID)
}

func (r *Relay) unsubscribeLocked(socketID, deviceID string) {
	s, ok := r.streams[deviceID]
	if !ok {
		return
	}

	if _, subscribed := s.subscribers[socketID]; !subscribed {
		return
	}

	delete(s.subscribers, socketID)

	if len(s.subscribers) > 0 {
		return
	}

	delete(r.streams, deviceID)

	env, err := models.NewEnvelope(models.MsgStreamStop, models.StreamPayload{DeviceID: deviceID})
	if err == nil {
		err = r.out.SendToHost(s.hostID, env)
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("device_id", deviceID).Str("host_id", s.hostID).Msg("Failed to send stream_stop")
	}

	r.logger.Info().Str("device_id", deviceID).Str("host_id", s.hostID).Msg("Stopped device stream")
}

// DashboardClosed releases every subscription and pending command of socketID.
func (r *Relay) DashboardClosed(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for deviceID := range r.streams {
		r.unsubscribeLocked(socketID, deviceID)
	}

	for id, pc := range r.pending {
		if pc.issuer.SocketID == socketID {
			delete(r.pending, id)
		}
	}
}

// HostClosed drops the host's streams and fails its pending commands.
func (r *Relay) HostClosed(hostID string) {
	var failed map[string]*pendingCommand

	r.mu.Lock()

	for deviceID, s := range r.streams {
		if s.hostID == hostID {
			delete(r.streams, deviceID)
		}
	}

	for id, pc := range r.pending {
		if pc.hostID == hostID {
			if failed == nil {
				failed = make(map[string]*pendingCommand)
			}

			failed[id] = pc
			delete(r.pending, id)
		}
	}

	r.mu.Unlock()

	for id, pc := range failed {
		r.reportResult(pc.issuer, id, pc.deviceID, models.CommandFailed, "",
			models.NewUnavailableError(models.CodeHostNotConnected, "host "+hostID+" disconnected"))
	}
}

// RelayFrame fans a binary frame from hostID out to every subscriber.
func (r *Relay) RelayFrame(hostID string, frame []byte) error {
	deviceID, _, err := models.DecodeFrame(frame)
	if err != nil {
		return models.NewValidationError(models.CodeInvalidPayload, err.Error())
	}

	r.mu.Lock()

	s, ok := r.streams[deviceID]
	if !ok || s.hostID != hostID {
		r.mu.Unlock()

		return nil
	}

	subscribers := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		subscribers = append(subscribers, id)
	}

	r.mu.Unlock()

	for _, socketID := range subscribers {
		r.out.SendFrame(socketID, deviceID, frame)
	}

	return nil
}

// Subscribers reports how many Dashboards watch deviceID.
func (r *Relay) Subscribers(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[deviceID]; ok {
		return len(s.subscribers)
	}

	return 0
}

func (r *Relay) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.streams)
}

// Run expires pending commands until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.commandTimeout / 4
	if interval < minExpiryInterval {
		interval = minExpiryInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.ExpirePending(now)
		}
	}
}

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

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
)

// LogRoom names the Dashboard room that receives device_log lines for deviceID.
func LogRoom(deviceID string) string {
	return "logs:" + deviceID
}

// SendToHost queues env for the Worker session of hostID.
func (b *Broker) SendToHost(hostID string, env models.Envelope) error {
	b.mu.RLock()
	s := b.workers[hostID]
	b.mu.RUnlock()

	if s == nil {
		return fmt.Errorf("%w: %s", errHostNotConnected, hostID)
	}

	return s.enqueueEnvelope(env)
}

// HostConnected reports whether a Worker session for hostID is registered.
func (b *Broker) HostConnected(hostID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.workers[hostID]

	return ok
}

func (b *Broker) BroadcastWorkers(env models.Envelope) {
	b.broadcast(b.snapshot(b.workers), env)
}

func (b *Broker) SendToDashboard(socketID string, env models.Envelope) error {
	b.mu.RLock()
	s := b.dashboards[socketID]
	b.mu.RUnlock()

	if s == nil {
		return fmt.Errorf("%w: %s", errDashboardNotFound, socketID)
	}

	return s.enqueueEnvelope(env)
}

func (b *Broker) BroadcastDashboards(env models.Envelope) {
	b.broadcast(b.snapshot(b.dashboards), env)
}

// SendFrame hands a binary frame to a Dashboard. Frames never queue behind
// each other: an undelivered frame for the same device is replaced.
func (b *Broker) SendFrame(socketID, deviceID string, frame []byte) {
	b.mu.RLock()
	s := b.dashboards[socketID]
	b.mu.RUnlock()

	if s == nil {
		return
	}

	s.queueFrame(deviceID, frame)
}

// Join adds a Dashboard session to a named room.
func (b *Broker) Join(room, socketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.dashboards[socketID]; !ok {
		return
	}

	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		b.rooms[room] = members
	}

	members[socketID] = struct{}{}
}

func (b *Broker) Leave(room, socketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		return
	}

	delete(members, socketID)

	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

func (b *Broker) BroadcastRoom(room string, env models.Envelope) {
	b.mu.RLock()
	targets := make([]*session, 0, len(b.rooms[room]))

	for id := range b.rooms[room] {
		if s, ok := b.dashboards[id]; ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.broadcast(targets, env)
}

// Counts returns the number of connected Workers and Dashboards.
func (b *Broker) Counts() (workers, dashboards int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.workers), len(b.dashboards)
}

// Ready reports whether the broker still accepts new sessions.
func (b *Broker) Ready() bool {
	return !b.closing.Load()
}

func (b *Broker) snapshot(m map[string]*session) []*session {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}

	return out
}

func (b *Broker) broadcast(targets []*session, env models.Envelope) {
	if len(targets) == 0 {
		return
	}

	data, err := marshalEnvelope(env)
	if err != nil {
		b.logger.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode broadcast")
		return
	}

	for _, s := range targets {
		if err := s.enqueue(data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("session", s.id).
				Str("kind", string(s.kind)).
				Str("type", string(env.Type)).
				Msg("Dropped broadcast to session")
		}
	}
}

// Run expires Dashboard sessions whose token has lapsed until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.TokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.SweepExpired(b.now())
		}
	}
}

// SweepExpired sends auth_expired to every Dashboard whose token has lapsed
// and closes it. It returns the number of sessions closed.
func (b *Broker) SweepExpired(now time.Time) int {
	var expired []*session

	for _, s := range b.snapshot(b.dashboards) {
		if s.identity.Expired(now) {
			expired = append(expired, s)
		}
	}

	for _, s := range expired {
		env, _ := models.NewEnvelope(models.MsgAuthExpired, models.NoticePayload{Message: "dashboard token expired"})
		_ = s.enqueueEnvelope(env)

		s.closeGracefully()

		b.logger.Info().Str("socket_id", s.id).Str("subject", s.identity.SubjectID).Msg("Closed dashboard with expired token")
	}

	return len(expired)
}

// BeginShutdown stops accepting sessions and tells every connected client
// the Hub is going away.
func (b *Broker) BeginShutdown() {
	if b.closing.Swap(true) {
		return
	}

	env, _ := models.NewEnvelope(models.MsgServerShutdown, models.NoticePayload{Message: "hub is shutting down"})

	b.broadcast(append(b.snapshot(b.workers), b.snapshot(b.dashboards)...), env)
}

// Close gracefully closes every session and waits for them to finish or for
// ctx to expire. Sessions torn down here skip the disconnect callbacks, so
// device and assignment state survive a Hub restart.
func (b *Broker) Close(ctx context.Context) error {
	b.BeginShutdown()

	for _, s := range append(b.snapshot(b.workers), b.snapshot(b.dashboards)...) {
		s.closeGracefully()
	}

	done := make(chan struct{})

	go func() {
		b.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, s := range append(b.snapshot(b.workers), b.snapshot(b.dashboards)...) {
			s.terminate()
		}

		return ctx.Err()
	}
}

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
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/carverauto/phonefleet/pkg/hub/auth"
	"github.com/carverauto/phonefleet/pkg/models"
)

type sessionKind string

const (
	kindWorker    sessionKind = "worker"
	kindDashboard sessionKind = "dashboard"

	writeWait = 10 * time.Second
)

var (
	errSessionClosed = errors.New("session closed")
	errSlowConsumer  = errors.New("session send buffer full")
)

// session is one authenticated websocket. Only writePump writes to conn.
type session struct {
	id          string
	kind        sessionKind
	hostID      string
	identity    auth.DashboardIdentity
	remoteAddr  string
	connectedAt time.Time
	conn        *websocket.Conn
	limiter     *rate.Limiter

	send chan []byte

	framesMu  sync.Mutex
	frames    map[string][]byte
	frameKick chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	graceful  bool
	cleaned   chan struct{}
}

func newSession(id string, kind sessionKind, conn *websocket.Conn, buffer int, now time.Time) *session {
	return &session{
		id:          id,
		kind:        kind,
		conn:        conn,
		connectedAt: now,
		send:        make(chan []byte, buffer),
		frames:      make(map[string][]byte),
		frameKick:   make(chan struct{}, 1),
		done:        make(chan struct{}),
		cleaned:     make(chan struct{}),
	}
}

func (s *session) enqueueEnvelope(env models.Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	return s.enqueue(data)
}

// enqueue never blocks. A session whose buffer is full is closed.
func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.terminate()

		return errSlowConsumer
	}
}

// queueFrame keeps only the newest frame per device until the writer runs.
func (s *session) queueFrame(deviceID string, frame []byte) {
	s.framesMu.Lock()
	s.frames[deviceID] = frame
	s.framesMu.Unlock()

	select {
	case s.frameKick <- struct{}{}:
	default:
	}
}

func (s *session) takeFrames() map[string][]byte {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()

	if len(s.frames) == 0 {
		return nil
	}

	frames := s.frames
	s.frames = make(map[string][]byte)

	return frames
}

// closeGracefully flushes queued messages and sends a close frame.
func (s *session) closeGracefully() {
	s.closeOnce.Do(func() {
		s.graceful = true
		close(s.done)
	})
}

// terminate drops the connection immediately so the read loop unblocks.
func (s *session) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	_ = s.conn.Close()
}

func (s *session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			if s.graceful {
				s.flush()

				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"))
			}

			_ = s.conn.Close()

			return
		case data := <-s.send:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.terminate()

				return
			}
		case <-s.frameKick:
			for _, frame := range s.takeFrames() {
				if err := s.write(websocket.BinaryMessage, frame); err != nil {
					s.terminate()

					return
				}
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.terminate()

				return
			}
		}
	}
}

func (s *session) flush() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return s.conn.WriteMessage(messageType, data)
}

func marshalEnvelope(env models.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

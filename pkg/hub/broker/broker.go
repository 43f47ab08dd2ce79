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

// Package broker owns the Worker and Dashboard websocket channels. It
// authenticates every upgrade, keeps one writer goroutine per session and
// hands decoded messages to a Handler.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/carverauto/phonefleet/pkg/hub/auth"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

const (
	defaultPingInterval       = 30 * time.Second
	defaultPongWait           = 60 * time.Second
	defaultTokenSweepInterval = 5 * time.Minute
	defaultSendBuffer         = 256

	workerReadLimit    = 8 << 20
	dashboardReadLimit = 1 << 20
)

var (
	errHostNotConnected    = errors.New("host not connected")
	errDashboardNotFound   = errors.New("dashboard session not found")
	errBinaryFromDashboard = errors.New("dashboards may not send binary frames")
)

// Handler receives session lifecycle and message callbacks. WorkerMessage and
// DashboardMessage errors are reported back to the sending session as an
// error message.
type Handler interface {
	WorkerConnected(hostID string)
	WorkerMessage(ctx context.Context, hostID string, env models.Envelope) error
	WorkerFrame(hostID string, frame []byte)
	WorkerDisconnected(hostID string)
	DashboardConnected(d Dashboard)
	DashboardMessage(ctx context.Context, d Dashboard, env models.Envelope) error
	DashboardDisconnected(socketID string)
}

// Dashboard describes an authenticated Dashboard session.
type Dashboard struct {
	SocketID string
	Identity auth.DashboardIdentity
}

type Config struct {
	PingInterval       time.Duration
	PongWait           time.Duration
	TokenSweepInterval time.Duration
	CommandRate        float64
	CommandBurst       int
	SendBuffer         int
	AllowedOrigins     []string
}

type Broker struct {
	cfg        Config
	workerAuth *auth.WorkerAuthenticator
	tokens     *auth.TokenVerifier
	handler    Handler
	upgrader   websocket.Upgrader
	logger     logger.Logger
	now        func() time.Time

	// admitMu serialises Worker admission so a replacement never overlaps
	// the disconnect cascade of the session it replaces.
	admitMu sync.Mutex

	mu         sync.RWMutex
	workers    map[string]*session
	dashboards map[string]*session
	rooms      map[string]map[string]struct{}

	closing  atomic.Bool
	sessions sync.WaitGroup
}

func New(cfg Config, workerAuth *auth.WorkerAuthenticator, tokens *auth.TokenVerifier, handler Handler, log logger.Logger) *Broker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}

	if cfg.TokenSweepInterval <= 0 {
		cfg.TokenSweepInterval = defaultTokenSweepInterval
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	b := &Broker{
		cfg:        cfg,
		workerAuth: workerAuth,
		tokens:     tokens,
		handler:    handler,
		logger:     log,
		now:        time.Now,
		workers:    make(map[string]*session),
		dashboards: make(map[string]*session),
		rooms:      make(map[string]map[string]struct{}),
	}

	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}

	return b
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(b.cfg.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	b.logger.Warn().Str("origin", origin).Msg("Rejected websocket origin")

	return false
}

// HandleWorker authenticates and serves one Worker connection.
func (b *Broker) HandleWorker(w http.ResponseWriter, r *http.Request) {
	if b.closing.Load() {
		writeError(w, models.NewUnavailableError(models.CodeShuttingDown, "hub is shutting down"), http.StatusServiceUnavailable)
		return
	}

	identity, err := b.workerAuth.AuthenticateRequest(r)
	if err != nil {
		b.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Worker authentication failed")
		writeError(w, err, http.StatusUnauthorized)

		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Str("host_id", identity.HostID).Msg("Failed to upgrade worker connection")
		return
	}

	s := newSession(uuid.NewString(), kindWorker, conn, b.cfg.SendBuffer, b.now())
	s.hostID = identity.HostID
	s.remoteAddr = r.RemoteAddr

	b.sessions.Add(1)
	defer b.sessions.Done()

	b.admitWorker(s)

	go s.writePump(b.cfg.PingInterval)

	b.readPump(s, workerReadLimit)
	b.releaseWorker(s)
}

func (b *Broker) admitWorker(s *session) {
	b.admitMu.Lock()
	defer b.admitMu.Unlock()

	b.mu.RLock()
	old := b.workers[s.hostID]
	b.mu.RUnlock()

	if old != nil {
		b.logger.Info().
			Str("host_id", s.hostID).
			Str("old_session", old.id).
			Str("new_session", s.id).
			Msg("Replacing existing worker session")

		old.terminate()
		<-old.cleaned
	}

	b.mu.Lock()
	b.workers[s.hostID] = s
	b.mu.Unlock()

	b.logger.Info().Str("host_id", s.hostID).Str("remote_addr", s.remoteAddr).Msg("Worker connected")

	b.handler.WorkerConnected(s.hostID)
}

func (b *Broker) releaseWorker(s *session) {
	defer close(s.cleaned)

	s.terminate()

	b.mu.Lock()
	if b.workers[s.hostID] == s {
		delete(b.workers, s.hostID)
	}
	b.mu.Unlock()

	b.logger.Info().Str("host_id", s.hostID).Msg("Worker disconnected")

	if b.closing.Load() {
		return
	}

	b.handler.WorkerDisconnected(s.hostID)
}

// HandleDashboard authenticates and serves one Dashboard connection.
func (b *Broker) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if b.closing.Load() {
		writeError(w, models.NewUnavailableError(models.CodeShuttingDown, "hub is shutting down"), http.StatusServiceUnavailable)
		return
	}

	identity, err := b.tokens.VerifyRequest(r)
	if err != nil {
		b.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Dashboard authentication failed")
		writeError(w, err, http.StatusUnauthorized)

		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", identity.SubjectID).Msg("Failed to upgrade dashboard connection")
		return
	}

	s := newSession(uuid.NewString(), kindDashboard, conn, b.cfg.SendBuffer, b.now())
	s.identity = *identity
	s.remoteAddr = r.RemoteAddr

	if b.cfg.CommandRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(b.cfg.CommandRate), b.cfg.CommandBurst)
	}

	b.sessions.Add(1)
	defer b.sessions.Done()

	b.mu.Lock()
	b.dashboards[s.id] = s
	b.mu.Unlock()

	b.logger.Info().Str("socket_id", s.id).Str("subject", identity.SubjectID).Msg("Dashboard connected")

	go s.writePump(b.cfg.PingInterval)

	b.handler.DashboardConnected(dashboardOf(s))

	b.readPump(s, dashboardReadLimit)
	b.releaseDashboard(s)
}

func (b *Broker) releaseDashboard(s *session) {
	defer close(s.cleaned)

	s.terminate()

	b.mu.Lock()
	delete(b.dashboards, s.id)

	for room, members := range b.rooms {
		delete(members, s.id)

		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	b.mu.Unlock()

	b.logger.Info().Str("socket_id", s.id).Msg("Dashboard disconnected")

	if b.closing.Load() {
		return
	}

	b.handler.DashboardDisconnected(s.id)
}

func dashboardOf(s *session) Dashboard {
	return Dashboard{SocketID: s.id, Identity: s.identity}
}

func (b *Broker) readPump(s *session, limit int64) {
	s.conn.SetReadLimit(limit)

	_ = s.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug().Err(err).Str("session", s.id).Str("kind", string(s.kind)).Msg("Websocket closed unexpectedly")
			}

			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))

		if messageType == websocket.BinaryMessage {
			b.handleBinary(s, data)
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			b.replyError(s, models.NewValidationError(models.CodeInvalidPayload, "malformed message"))
			continue
		}

		if err := b.dispatch(s, env); err != nil {
			b.replyError(s, err)
		}
	}
}

func (b *Broker) handleBinary(s *session, data []byte) {
	if s.kind != kindWorker {
		b.replyError(s, models.NewValidationError(models.CodeInvalidPayload, errBinaryFromDashboard.Error()))
		return
	}

	b.handler.WorkerFrame(s.hostID, data)
}

func (b *Broker) dispatch(s *session, env models.Envelope) error {
	ctx := context.Background()

	if s.kind == kindWorker {
		return b.handler.WorkerMessage(ctx, s.hostID, env)
	}

	switch env.Type {
	case models.MsgLogsJoin, models.MsgLogsLeave:
		var p models.DeviceRefPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		if p.DeviceID == "" {
			return models.NewValidationError(models.CodeInvalidPayload, "deviceId is required")
		}

		if env.Type == models.MsgLogsJoin {
			b.Join(LogRoom(p.DeviceID), s.id)
		} else {
			b.Leave(LogRoom(p.DeviceID), s.id)
		}

		return nil
	case models.MsgCommandSend, models.MsgCommandBroadcast:
		if s.limiter != nil && !s.limiter.Allow() {
			return &models.FleetError{
				Kind:        models.ErrValidation,
				Code:        models.CodeRateLimited,
				Message:     "command rate exceeded",
				Recoverable: true,
			}
		}
	}

	return b.handler.DashboardMessage(ctx, dashboardOf(s), env)
}

func (b *Broker) replyError(s *session, err error) {
	env, mErr := models.NewEnvelope(models.MsgError, models.AsPayload(err))
	if mErr != nil {
		return
	}

	if sendErr := s.enqueueEnvelope(env); sendErr != nil {
		b.logger.Debug().Err(sendErr).Str("session", s.id).Msg("Failed to deliver error reply")
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(models.AsPayload(err))
}

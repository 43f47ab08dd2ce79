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

// Package hub wires the Connection Broker, device table, job engine and relay
// into the fleet-hub HTTP server.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/phonefleet/pkg/hub/auth"
	"github.com/carverauto/phonefleet/pkg/hub/broker"
	"github.com/carverauto/phonefleet/pkg/hub/devices"
	"github.com/carverauto/phonefleet/pkg/hub/jobs"
	"github.com/carverauto/phonefleet/pkg/hub/relay"
	"github.com/carverauto/phonefleet/pkg/hub/store"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

const (
	defaultShutdownDrain = 5 * time.Second
	defaultReadTimeout   = 15 * time.Second
	defaultIdleTimeout   = 60 * time.Second
)

// Server is the fleet-hub process. It implements lifecycle.Service.
type Server struct {
	cfg    *models.HubConfig
	logger logger.Logger

	store   store.Store
	nats    *natsutil.Connection
	broker  *broker.Broker
	devices *devices.Manager
	jobs    *jobs.Engine
	relay   *relay.Relay
	tokens  *auth.TokenVerifier

	router     *mux.Router
	httpServer *http.Server

	ready    atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

// NewServer opens the store and the optional NATS connection and builds the
// component graph.
func NewServer(ctx context.Context, cfg *models.HubConfig, log logger.Logger) (*Server, error) {
	st, err := store.New(ctx, &cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var (
		conn   *natsutil.Connection
		events natsutil.Emitter = natsutil.NopEmitter{}
	)

	if cfg.NATS.Enabled() {
		conn, err = natsutil.Connect(ctx, cfg.NATS, log)
		if err != nil {
			_ = st.Close()

			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		events = conn
	}

	s := newServer(cfg, st, events, log)
	s.nats = conn

	return s, nil
}

func newServer(cfg *models.HubConfig, st store.Store, events natsutil.Emitter, log logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log,
		store:  st,
		tokens: auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		done:   make(chan struct{}),
	}

	d := &dispatcher{events: events, logger: log}

	s.broker = broker.New(broker.Config{
		PingInterval:       cfg.PingInterval.Std(0),
		PongWait:           cfg.PongWait.Std(0),
		TokenSweepInterval: cfg.Auth.TokenSweepInterval.Std(0),
		CommandRate:        cfg.CommandRate,
		CommandBurst:       cfg.CommandBurst,
		AllowedOrigins:     cfg.AllowedOrigins,
	}, auth.NewWorkerAuthenticator(cfg.WorkerSecret), s.tokens, d, log)

	s.devices = devices.NewManager(devices.Config{
		StaleAfter:    cfg.StaleAfter.Std(0),
		SweepInterval: cfg.StaleSweepInterval.Std(0),
		Provisioning:  cfg.Provisioning,
	}, s.broker, st, events, log)

	s.jobs = jobs.NewEngine(st, s.devices, s.broker, events, log)
	s.relay = relay.New(s.broker, s.devices, events, cfg.CommandTimeout.Std(0), log)

	d.broker = s.broker
	d.devices = s.devices
	d.jobs = s.jobs
	d.relay = s.relay

	s.router = mux.NewRouter()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: defaultReadTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound listen address once Start has been called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Start restores the device table, binds the listener and runs the
// background monitors. It blocks until ctx is cancelled or a component fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.devices.Load(ctx); err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	// Monitors outlive ctx so Stop decides when the final flush happens.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return s.devices.Run(gctx) })
	g.Go(func() error { return s.relay.Run(gctx) })
	g.Go(func() error { return s.broker.Run(gctx) })

	go func() {
		s.runErr = g.Wait()
		close(s.done)
	}()

	serveErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	s.ready.Store(true)

	s.logger.Info().Str("listen_addr", ln.Addr().String()).Str("store", string(s.cfg.Store.Driver)).
		Bool("nats", s.nats != nil).Msg("Hub started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	case <-s.done:
		return s.runErr
	}
}

// Stop shuts the Hub down: readiness drops, clients are told, sessions close,
// in-flight persistence drains, monitors flush, then the store, NATS and the
// listener are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	s.broker.BeginShutdown()

	var errs []error

	if err := s.broker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownDrain.Std(defaultShutdownDrain))
	if err := s.jobs.Drain(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown drain incomplete")
	}
	cancel()

	s.mu.Lock()
	stopMonitors := s.cancel
	s.mu.Unlock()

	if stopMonitors != nil {
		stopMonitors()

		select {
		case <-s.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if s.nats != nil {
		if err := s.nats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close nats: %w", err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}

	return errors.Join(errs...)
}

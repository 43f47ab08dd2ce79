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

// Package worker implements the fleet-worker agent: it owns the attached
// handsets of one host, reports them to the Hub and executes what the Hub
// sends back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/worker/adb"
	"github.com/carverauto/phonefleet/pkg/worker/identity"
	"github.com/carverauto/phonefleet/pkg/worker/jobs"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultCommandTimeout    = 30 * time.Second
	jobPullInterval          = 30 * time.Second
)

var errAgentStopped = errors.New("worker agent stopped")

// Agent is the fleet-worker process. It implements lifecycle.Service.
type Agent struct {
	cfg      *models.WorkerConfig
	adb      *adb.Executor
	registry *identity.Registry
	jobs     *jobs.Executor
	client   *HubClient
	streams  *streamManager
	metrics  MetricsCollector
	interval time.Duration
	logger   logger.Logger

	mu          sync.Mutex
	serials     map[string]string
	lastRequest map[string]time.Time

	tasks    sync.WaitGroup
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewAgent wires an agent that drives the real adb binary.
func NewAgent(cfg *models.WorkerConfig, log logger.Logger) *Agent {
	return newAgent(cfg, adb.OSRunner{}, newHostMetrics(), log)
}

func newAgent(cfg *models.WorkerConfig, runner adb.Runner, metrics MetricsCollector, log logger.Logger) *Agent {
	a := &Agent{
		cfg:         cfg,
		adb:         adb.NewExecutorWithRunner(cfg.ADBPath, cfg.CommandTimeout.Std(defaultCommandTimeout), runner, log),
		registry:    identity.New(cfg.RegistryPath, cfg.MaxSlots, log),
		metrics:     metrics,
		interval:    cfg.HeartbeatInterval.Std(defaultHeartbeatInterval),
		serials:     make(map[string]string),
		lastRequest: make(map[string]time.Time),
		logger:      log,
	}

	a.client = NewHubClient(HubClientConfig{
		URL:                  cfg.HubURL,
		HostID:               cfg.HostID,
		Secret:               cfg.WorkerSecret,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay.Std(defaultReconnectDelay),
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay.Std(maxReconnectDelay),
		SendHighWatermark:    cfg.SendHighWatermark,
	}, log)

	a.jobs = jobs.NewExecutor(a.adb, a, jobs.Config{
		RunnerPackage:  cfg.RunnerPackage,
		RunnerActivity: cfg.RunnerActivity,
		PollInterval:   cfg.StatusPollInterval.Std(0),
		JobTimeout:     cfg.JobTimeout.Std(0),
	}, log)

	a.streams = newStreamManager(a.adb, a.client, log)

	return a
}

// Start runs the hub connection and heartbeat loop until ctx ends or the
// reconnect budget is exhausted.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return a.client.Run(gctx, a)
	})

	g.Go(func() error {
		a.heartbeatLoop(gctx)

		return nil
	})

	a.logger.Info().Str("host_id", a.cfg.HostID).Str("hub_url", a.cfg.HubURL).Int("max_slots", a.cfg.MaxSlots).
		Msg("Worker agent started")

	errCh := make(chan error, 1)

	go func() {
		err := g.Wait()
		errCh <- err

		close(a.done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == nil {
			return errAgentStopped
		}

		return err
	}
}

// Stop fails in-flight jobs while the Hub link is still up, stops capture
// loops and then closes the connection.
func (a *Agent) Stop(ctx context.Context) error {
	var errs []error

	a.stopping.Store(true)

	if err := a.jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job shutdown: %w", err))
	}

	a.streams.StopAll()

	if a.cancel != nil {
		a.cancel()

		select {
		case <-a.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	a.tasks.Wait()

	return errors.Join(errs...)
}

// HubConnected sends an immediate heartbeat so the Hub sees the slot table
// without waiting a full interval.
func (a *Agent) HubConnected(ctx context.Context) {
	a.mu.Lock()
	a.lastRequest = make(map[string]time.Time)
	a.mu.Unlock()

	a.goTask(func() { a.sendHeartbeat(ctx) })
}

func (a *Agent) HubDisconnected() {
	a.streams.StopAll()
}

// HubMessage routes one Hub envelope. Anything that touches a device runs
// off the read loop.
func (a *Agent) HubMessage(ctx context.Context, env models.Envelope) {
	var err error

	switch env.Type {
	case models.MsgDeviceCommand:
		var p models.DeviceCommandPayload
		if err = env.Decode(&p); err == nil {
			a.goTask(func() { a.handleCommand(ctx, &p) })
		}
	case models.MsgJobAssign:
		var p models.JobAssignPayload
		if err = env.Decode(&p); err == nil {
			a.handleAssign(ctx, &p)
		}
	case models.MsgNoJob:
		var p models.NoJobPayload
		if err = env.Decode(&p); err == nil {
			a.logger.Debug().Str("device_id", p.DeviceID).Str("reason", p.Reason).Msg("No job available")
		}
	case models.MsgJobControl:
		var p models.JobControlPayload
		if err = env.Decode(&p); err == nil {
			a.goTask(func() { a.jobs.Control(ctx, p) })
		}
	case models.MsgDeviceInit:
		var p models.DeviceInitPayload
		if err = env.Decode(&p); err == nil {
			a.goTask(func() { a.provision(ctx, &p) })
		}
	case models.MsgStreamStart:
		var p models.StreamPayload
		if err = env.Decode(&p); err == nil {
			err = a.startStream(ctx, &p)
		}
	case models.MsgStreamStop:
		var p models.StreamPayload
		if err = env.Decode(&p); err == nil {
			a.streams.Stop(p.DeviceID)
		}
	case models.MsgError:
		var p models.ErrorPayload
		if err = env.Decode(&p); err == nil {
			a.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("Hub reported an error")
		}
	case models.MsgServerShutdown:
	default:
		a.logger.Debug().Str("type", string(env.Type)).Msg("Ignoring unknown hub message")
	}

	if err != nil {
		a.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Failed to handle hub message")
	}
}

func (a *Agent) goTask(fn func()) {
	a.tasks.Add(1)

	go func() {
		defer a.tasks.Done()
		fn()
	}()
}

// resolve maps a logical device id to the serial of an attached handset.
func (a *Agent) resolve(deviceID string) (string, error) {
	a.mu.Lock()
	serial, ok := a.serials[deviceID]
	a.mu.Unlock()

	if ok {
		return serial, nil
	}

	if _, err := a.slotOf(deviceID); err != nil {
		return "", err
	}

	return "", models.NewUnavailableError(models.CodeDeviceOffline, "device "+deviceID+" is not attached")
}

func (a *Agent) slotOf(deviceID string) (int, error) {
	prefix := a.cfg.HostID + "-"
	if !strings.HasPrefix(deviceID, prefix) {
		return 0, models.NewValidationError(models.CodeDeviceNotFound, "device "+deviceID+" does not belong to host "+a.cfg.HostID)
	}

	slot, err := strconv.Atoi(strings.TrimPrefix(deviceID, prefix))
	if err != nil || slot < 1 || slot > a.cfg.MaxSlots {
		return 0, models.NewValidationError(models.CodeDeviceNotFound, "device "+deviceID+" has no slot on this host")
	}

	return slot, nil
}

func (a *Agent) handleCommand(ctx context.Context, p *models.DeviceCommandPayload) {
	ack := models.CommandAckPayload{CommandID: p.CommandID, DeviceID: p.DeviceID, Status: models.CommandOK}

	serial, err := a.resolve(p.DeviceID)
	if err == nil {
		ack.Output, err = a.adb.Execute(ctx, serial, p.Verb, p.Params)
	}

	if err != nil {
		payload := models.AsPayload(err)
		ack.Status = models.CommandFailed
		ack.Error = &payload

		a.logger.Warn().Err(err).Str("command_id", p.CommandID).Str("device_id", p.DeviceID).Str("verb", p.Verb).
			Msg("Device command failed")
		a.deviceLog(p.DeviceID, "warn", fmt.Sprintf("command %s failed: %s", p.Verb, payload.Message))
	} else {
		a.deviceLog(p.DeviceID, "info", "command "+p.Verb+" ok")
	}

	if err := a.client.Send(models.MsgCommandAck, ack); err != nil {
		a.logger.Warn().Err(err).Str("command_id", p.CommandID).Msg("Failed to send command_ack")
	}
}

func (a *Agent) handleAssign(ctx context.Context, p *models.JobAssignPayload) {
	serial, err := a.resolve(p.DeviceID)
	if err == nil {
		err = a.jobs.Start(ctx, serial, *p)
	}

	if err == nil {
		a.deviceLog(p.DeviceID, "info", "assignment "+p.AssignmentID+" accepted")

		return
	}

	a.logger.Warn().Err(err).Str("assignment_id", p.AssignmentID).Str("device_id", p.DeviceID).Msg("Rejecting assignment")

	payload := models.AsPayload(err)

	_ = a.SendJobEvent(models.MsgJobFailed, models.JobEventPayload{
		JobID:        p.JobID,
		AssignmentID: p.AssignmentID,
		DeviceID:     p.DeviceID,
		Error:        payload.Message,
		Recoverable:  payload.Recoverable,
	})
}

// SendJobEvent reports job lifecycle to the Hub. A finished assignment frees
// the device, so the next job is requested right away.
func (a *Agent) SendJobEvent(msgType models.MessageType, p models.JobEventPayload) error {
	if err := a.client.Send(msgType, p); err != nil {
		return err
	}

	switch msgType {
	case models.MsgJobCompleted:
		a.deviceLog(p.DeviceID, "info", "assignment "+p.AssignmentID+" completed")
		a.requestJob(p.DeviceID, true)
	case models.MsgJobFailed:
		a.deviceLog(p.DeviceID, "warn", "assignment "+p.AssignmentID+" failed: "+p.Error)
		a.requestJob(p.DeviceID, true)
	}

	return nil
}

// requestJob asks the Hub for work for an idle device, at most once per
// jobPullInterval unless forced.
func (a *Agent) requestJob(deviceID string, force bool) {
	if a.stopping.Load() {
		return
	}

	now := time.Now()

	a.mu.Lock()
	last, seen := a.lastRequest[deviceID]
	if !force && seen && now.Sub(last) < jobPullInterval {
		a.mu.Unlock()

		return
	}
	a.lastRequest[deviceID] = now
	a.mu.Unlock()

	if err := a.client.Send(models.MsgJobRequest, models.JobRequestPayload{DeviceID: deviceID}); err != nil {
		a.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Failed to send job_request")
	}
}

func (a *Agent) deviceLog(deviceID, level, line string) {
	_ = a.client.Send(models.MsgDeviceLog, models.DeviceLogPayload{
		DeviceID: deviceID,
		Level:    level,
		Line:     line,
		Time:     time.Now().UTC(),
	})
}

func (a *Agent) startStream(ctx context.Context, p *models.StreamPayload) error {
	serial, err := a.resolve(p.DeviceID)
	if err != nil {
		return err
	}

	a.streams.Start(ctx, p.DeviceID, serial, models.ClampFPS(p.FPS))

	return nil
}

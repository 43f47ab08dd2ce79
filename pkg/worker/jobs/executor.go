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

// Package jobs runs assignments on devices through a registry of workflow
// handlers and reports their lifecycle back to the Hub.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultJobTimeout   = 30 * time.Minute

	remoteJobDir    = "/sdcard/fleet/jobs"
	remoteStatusDir = "/sdcard/fleet/status"

	cancelledMessage = "cancelled by operator"
)

var errCancelled = errors.New(cancelledMessage)

// Bridge is the device surface handlers drive. *adb.Executor satisfies it.
type Bridge interface {
	Shell(ctx context.Context, serial string, args ...string) ([]byte, error)
	Push(ctx context.Context, serial, local, remote string) error
	MakeDir(ctx context.Context, serial, remote string) error
	ReadFile(ctx context.Context, serial, remote string) ([]byte, error)
	RemoveFile(ctx context.Context, serial, remote string) error
	StartActivity(ctx context.Context, serial, component string, extras map[string]string) error
	Broadcast(ctx context.Context, serial, action string, extras map[string]string) error
	Install(ctx context.Context, serial, apkPath string) error
	Uninstall(ctx context.Context, serial, pkg string) error
}

// Reporter delivers job lifecycle messages to the Hub.
type Reporter interface {
	SendJobEvent(msgType models.MessageType, p models.JobEventPayload) error
}

// Handler executes one workflow. It calls task.Started once the work is
// under way and returns when the work is finished.
type Handler interface {
	Execute(ctx context.Context, task *Task) error
}

type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Execute(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

type Config struct {
	RunnerPackage  string
	RunnerActivity string
	PollInterval   time.Duration
	JobTimeout     time.Duration
}

// Task is one assignment bound to a device serial.
type Task struct {
	Assignment models.JobAssignPayload
	Serial     string

	started  sync.Once
	onStart  func()
	progress func(int)
}

// Started reports job_started. Only the first call has an effect.
func (t *Task) Started() {
	t.started.Do(t.onStart)
}

// Progress reports job_progress with a percentage, reporting job_started
// first if the handler has not.
func (t *Task) Progress(pct int) {
	t.Started()
	t.progress(pct)
}

type run struct {
	task   *Task
	cancel context.CancelFunc
	paused bool
	reason error
}

// Executor owns every in-flight assignment on this host.
type Executor struct {
	bridge   Bridge
	reporter Reporter
	cfg      Config
	handlers map[string]Handler
	logger   logger.Logger

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

func NewExecutor(bridge Bridge, reporter Reporter, cfg Config, log logger.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	if cfg.RunnerPackage == "" {
		cfg.RunnerPackage = models.DefaultRunnerPackage
	}

	if cfg.RunnerActivity == "" {
		cfg.RunnerActivity = cfg.RunnerPackage + "/.JobActivity"
	}

	e := &Executor{
		bridge:   bridge,
		reporter: reporter,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		running:  make(map[string]*run),
		logger:   log,
	}

	e.registerBuiltins()

	return e
}

// Register installs or replaces the handler for workflow.
func (e *Executor) Register(workflow string, h Handler) {
	e.handlers[workflow] = h
}

// Start validates the assignment and runs it in the background. Errors are
// returned synchronously and nothing is reported for them; the caller sends
// job_failed. A device runs one assignment at a time: a second assignment for
// a busy device is refused with DEVICE_BUSY and the running one is untouched.
// The Hub counts that refusal as a failed execution of the new assignment only.
func (e *Executor) Start(ctx context.Context, serial string, a models.JobAssignPayload) error {
	workflow := a.Params.Workflow
	if workflow == "" {
		workflow = models.WorkflowWatch
	}

	h, ok := e.handlers[workflow]
	if !ok {
		return models.NewValidationError(models.CodeInvalidPayload, "unknown workflow "+workflow)
	}

	e.mu.Lock()

	for _, r := range e.running {
		if r.task.Assignment.DeviceID == a.DeviceID {
			e.mu.Unlock()

			return models.NewUnavailableError(models.CodeDeviceBusy, "device "+a.DeviceID+" is already running "+r.task.Assignment.AssignmentID)
		}
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.JobTimeout)

	task := &Task{Assignment: a, Serial: serial}
	task.onStart = func() { e.report(models.MsgJobStarted, a, 0, nil) }
	task.progress = func(pct int) { e.report(models.MsgJobProgress, a, pct, nil) }

	e.running[a.AssignmentID] = &run{task: task, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info().Str("assignment_id", a.AssignmentID).Str("job_id", a.JobID).Str("device_id", a.DeviceID).
		Str("workflow", workflow).Msg("Starting assignment")

	go e.execute(runCtx, cancel, h, task)

	return nil
}

func (e *Executor) execute(ctx context.Context, cancel context.CancelFunc, h Handler, task *Task) {
	defer e.wg.Done()
	defer cancel()

	err := h.Execute(ctx, task)

	e.mu.Lock()
	r := e.running[task.Assignment.AssignmentID]
	delete(e.running, task.Assignment.AssignmentID)
	e.mu.Unlock()

	if r != nil && r.reason != nil {
		err = r.reason
	} else if err == nil && ctx.Err() != nil {
		err = models.NewExecutionError("job timed out", true, ctx.Err())
	}

	if err != nil {
		e.logger.Warn().Err(err).Str("assignment_id", task.Assignment.AssignmentID).Msg("Assignment failed")
		e.report(models.MsgJobFailed, task.Assignment, 0, err)

		return
	}

	task.Started()

	e.logger.Info().Str("assignment_id", task.Assignment.AssignmentID).Msg("Assignment completed")
	e.report(models.MsgJobCompleted, task.Assignment, 100, nil)
}

func (e *Executor) report(msgType models.MessageType, a models.JobAssignPayload, progress int, err error) {
	p := models.JobEventPayload{
		JobID:        a.JobID,
		AssignmentID: a.AssignmentID,
		DeviceID:     a.DeviceID,
		Progress:     progress,
	}

	if err != nil {
		payload := models.AsPayload(err)
		p.Error = payload.Message
		p.Recoverable = payload.Recoverable
	}

	if sendErr := e.reporter.SendJobEvent(msgType, p); sendErr != nil {
		e.logger.Warn().Err(sendErr).Str("assignment_id", a.AssignmentID).Str("type", string(msgType)).
			Msg("Failed to report job event")
	}
}

// Control applies a cooperative pause, resume or cancel to every local
// assignment of the job.
func (e *Executor) Control(ctx context.Context, p models.JobControlPayload) int {
	e.mu.Lock()

	var targets []*run

	for _, r := range e.running {
		if r.task.Assignment.JobID != p.JobID {
			continue
		}

		switch p.Action {
		case models.JobControlPause:
			r.paused = true
		case models.JobControlResume:
			r.paused = false
		case models.JobControlCancel:
			r.reason = models.NewExecutionError(cancelledMessage, false, errCancelled)
		}

		targets = append(targets, r)
	}

	e.mu.Unlock()

	for _, r := range targets {
		extras := map[string]string{
			"action":       string(p.Action),
			"jobId":        p.JobID,
			"assignmentId": r.task.Assignment.AssignmentID,
		}

		if err := e.bridge.Broadcast(ctx, r.task.Serial, e.cfg.RunnerPackage+".JOB_CONTROL", extras); err != nil {
			e.logger.Warn().Err(err).Str("assignment_id", r.task.Assignment.AssignmentID).
				Str("action", string(p.Action)).Msg("Failed to deliver job control to device")
		}

		if p.Action == models.JobControlCancel {
			r.cancel()
		}
	}

	if len(targets) > 0 {
		e.logger.Info().Str("job_id", p.JobID).Str("action", string(p.Action)).Int("assignments", len(targets)).
			Msg("Applied job control")
	}

	return len(targets)
}

// Paused reports whether the assignment is paused.
func (e *Executor) Paused(assignmentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.running[assignmentID]

	return ok && r.paused
}

// Busy reports whether deviceID has a local assignment in flight.
func (e *Executor) Busy(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.running {
		if r.task.Assignment.DeviceID == deviceID {
			return true
		}
	}

	return false
}

func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.running)
}

// Shutdown stops polling for every assignment and waits for the handlers to
// return or ctx to expire. Interrupted assignments are reported as failed.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, r := range e.running {
		r.reason = models.NewExecutionError("worker shutting down", true, context.Canceled)
		r.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

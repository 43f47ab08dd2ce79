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

package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path"
	"strings"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
)

var (
	errMissingPackage = errors.New("workflow requires params.package")
	errMissingAPK     = errors.New("workflow requires params.apkPath")
	errNotBooted      = errors.New("device has not finished booting")
	errLaunchFailed   = errors.New("runner could not be launched")
)

// Marker states written by the on-device runner.
const (
	markerRunning   = "running"
	markerCompleted = "completed"
	markerFailed    = "failed"
)

// descriptor is the job file the on-device runner reads.
type descriptor struct {
	AssignmentID string           `json:"assignmentId"`
	JobID        string           `json:"jobId"`
	DeviceID     string           `json:"deviceId"`
	Params       models.JobParams `json:"params"`
	Comment      string           `json:"comment,omitempty"`
	StatusPath   string           `json:"statusPath"`
	IssuedAt     time.Time        `json:"issuedAt"`
}

// marker is the status file the runner maintains while it works.
type marker struct {
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (e *Executor) registerBuiltins() {
	e.Register(models.WorkflowWatch, HandlerFunc(e.watch))
	e.Register(models.WorkflowInstall, HandlerFunc(e.install))
	e.Register(models.WorkflowUninstall, HandlerFunc(e.uninstall))
	e.Register(models.WorkflowHealthCheck, HandlerFunc(e.healthCheck))
	e.Register(models.WorkflowReset, HandlerFunc(e.reset))
}

func statusPath(assignmentID string) string {
	return path.Join(remoteStatusDir, assignmentID+".json")
}

// watch hands the assignment to the on-device runner and follows its status
// marker until the runner reports a terminal state.
func (e *Executor) watch(ctx context.Context, task *Task) error {
	a := task.Assignment

	desc := descriptor{
		AssignmentID: a.AssignmentID,
		JobID:        a.JobID,
		DeviceID:     a.DeviceID,
		Params:       a.Params,
		Comment:      a.Comment,
		StatusPath:   statusPath(a.AssignmentID),
		IssuedAt:     time.Now().UTC(),
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return models.NewExecutionError("failed to encode job descriptor", false, err)
	}

	// A stale marker from an earlier attempt would end polling immediately.
	_ = e.bridge.RemoveFile(ctx, task.Serial, desc.StatusPath)

	if err := e.launch(ctx, task, data); err != nil {
		return err
	}

	task.Started()

	return e.poll(ctx, task, desc.StatusPath)
}

// launch pushes the descriptor and starts the runner activity. If either step
// fails the descriptor is delivered inline as a base64 broadcast instead.
func (e *Executor) launch(ctx context.Context, task *Task, data []byte) error {
	a := task.Assignment
	remote := path.Join(remoteJobDir, a.AssignmentID+".json")

	primary := e.pushDescriptor(ctx, task.Serial, remote, data)
	if primary == nil {
		primary = e.bridge.StartActivity(ctx, task.Serial, e.cfg.RunnerActivity, map[string]string{
			"descriptor":   remote,
			"assignmentId": a.AssignmentID,
		})
	}

	if primary == nil {
		return nil
	}

	e.logger.Warn().Err(primary).Str("assignment_id", a.AssignmentID).
		Msg("Activity launch failed, falling back to broadcast")

	fallback := e.bridge.Broadcast(ctx, task.Serial, e.cfg.RunnerPackage+".RUN_JOB", map[string]string{
		"payload":      base64.StdEncoding.EncodeToString(data),
		"assignmentId": a.AssignmentID,
	})
	if fallback != nil {
		return models.NewExecutionError(errLaunchFailed.Error(), true, errors.Join(primary, fallback))
	}

	return nil
}

func (e *Executor) pushDescriptor(ctx context.Context, serial, remote string, data []byte) error {
	f, err := os.CreateTemp("", "phonefleet-job-*.json")
	if err != nil {
		return err
	}

	defer func() { _ = os.Remove(f.Name()) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := e.bridge.MakeDir(ctx, serial, remoteJobDir); err != nil {
		return err
	}

	return e.bridge.Push(ctx, serial, f.Name(), remote)
}

// poll reads the status marker every PollInterval. Progress changes are
// reported, a missing or half-written marker is retried, and polling stops
// when ctx ends.
func (e *Executor) poll(ctx context.Context, task *Task, remote string) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	lastProgress := -1

	for {
		select {
		case <-ctx.Done():
			return models.NewExecutionError("job timed out waiting for runner", true, ctx.Err())
		case <-ticker.C:
		}

		if e.Paused(task.Assignment.AssignmentID) {
			continue
		}

		raw, err := e.bridge.ReadFile(ctx, task.Serial, remote)
		if err != nil {
			e.logger.Debug().Err(err).Str("assignment_id", task.Assignment.AssignmentID).Msg("Status marker not readable yet")

			continue
		}

		var m marker
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}

		switch m.Status {
		case markerCompleted:
			_ = e.bridge.RemoveFile(ctx, task.Serial, remote)

			return nil
		case markerFailed:
			_ = e.bridge.RemoveFile(ctx, task.Serial, remote)

			msg := m.Error
			if msg == "" {
				msg = "runner reported failure"
			}

			return models.NewExecutionError(msg, true, nil)
		case markerRunning:
			if m.Progress != lastProgress && m.Progress > 0 && m.Progress < 100 {
				lastProgress = m.Progress
				task.Progress(m.Progress)
			}
		}
	}
}

func (e *Executor) install(ctx context.Context, task *Task) error {
	apk := task.Assignment.Params.APKPath
	if apk == "" {
		return models.NewValidationError(models.CodeInvalidPayload, errMissingAPK.Error())
	}

	if sum := task.Assignment.Params.APKSHA256; sum != "" {
		if err := verifyFile(apk, sum); err != nil {
			return models.NewExecutionError("apk failed verification", false, err)
		}
	}

	task.Started()

	return e.bridge.Install(ctx, task.Serial, apk)
}

func (e *Executor) uninstall(ctx context.Context, task *Task) error {
	pkg := task.Assignment.Params.Package
	if pkg == "" {
		return models.NewValidationError(models.CodeInvalidPayload, errMissingPackage.Error())
	}

	task.Started()

	return e.bridge.Uninstall(ctx, task.Serial, pkg)
}

// healthCheck verifies the device booted and its shell answers.
func (e *Executor) healthCheck(ctx context.Context, task *Task) error {
	task.Started()

	out, err := e.bridge.Shell(ctx, task.Serial, "getprop", "sys.boot_completed")
	if err != nil {
		return err
	}

	if strings.TrimSpace(string(out)) != "1" {
		return models.NewExecutionError(errNotBooted.Error(), true, errNotBooted)
	}

	task.Progress(50)

	_, err = e.bridge.Shell(ctx, task.Serial, "dumpsys", "battery")

	return err
}

// reset stops the runner, clears its job files and returns to the launcher.
func (e *Executor) reset(ctx context.Context, task *Task) error {
	task.Started()

	if _, err := e.bridge.Shell(ctx, task.Serial, "am", "force-stop", e.cfg.RunnerPackage); err != nil {
		return err
	}

	for _, dir := range []string{remoteJobDir, remoteStatusDir} {
		if _, err := e.bridge.Shell(ctx, task.Serial, "rm", "-rf", dir); err != nil {
			return err
		}
	}

	_, err := e.bridge.Shell(ctx, task.Serial, "input", "keyevent", "3")

	return err
}

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
	"errors"

	"github.com/carverauto/phonefleet/pkg/hub/store"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

// HandleJobEvent applies a job lifecycle message from hostID. Persistence runs
// asynchronously so one slow write does not stall the host's other devices.
func (e *Engine) HandleJobEvent(hostID string, msgType models.MessageType, p *models.JobEventPayload) error {
	if p.AssignmentID == "" || p.DeviceID == "" {
		return models.NewValidationError(models.CodeInvalidPayload, "assignmentId and deviceId are required")
	}

	if d, ok := e.devices.Get(p.DeviceID); !ok || d.HostID != hostID {
		return models.NewValidationError(models.CodeDeviceNotFound, "device "+p.DeviceID+" is not owned by "+hostID)
	}

	switch msgType {
	case models.MsgJobStarted:
		e.async(func(ctx context.Context) {
			if _, err := e.store.MarkAssignmentRunning(ctx, p.AssignmentID, e.now().UTC()); err != nil {
				e.logPersistence(err, p.AssignmentID, "Failed to mark assignment running")

				return
			}

			e.publishAssignment(ctx, p.JobID, p.AssignmentID, p.DeviceID, EventStarted, 0)
		})
	case models.MsgJobProgress:
		e.async(func(ctx context.Context) {
			if err := e.store.UpdateAssignmentProgress(ctx, p.AssignmentID, p.Progress); err != nil {
				e.logPersistence(err, p.AssignmentID, "Failed to record assignment progress")

				return
			}

			e.publishAssignment(ctx, p.JobID, p.AssignmentID, p.DeviceID, EventProgress, p.Progress)
		})
	case models.MsgJobCompleted:
		e.RecordCompletion(p.DeviceID, p.AssignmentID, models.OutcomeSuccess, "")
	case models.MsgJobFailed:
		e.RecordCompletion(p.DeviceID, p.AssignmentID, models.OutcomeFailure, p.Error)
	default:
		return models.NewValidationError(models.CodeInvalidPayload, "unexpected job event "+string(msgType))
	}

	return nil
}

// RecordCompletion applies JOB_TERMINAL to the device immediately and then
// records the outcome. Repeated calls for one assignment count once.
func (e *Engine) RecordCompletion(deviceID, assignmentID string, outcome models.Outcome, errMsg string) {
	e.devices.CompleteJob(deviceID, assignmentID)
	e.finish(deviceID, assignmentID, outcome, errMsg)
}

// FailOrphaned fails the assignments held by devices of a disconnected host.
func (e *Engine) FailOrphaned(hostID string, orphaned map[string]string) {
	for deviceID, assignmentID := range orphaned {
		e.logger.Warn().Str("host_id", hostID).Str("device_id", deviceID).Str("assignment_id", assignmentID).
			Msg("Failing assignment of disconnected host")

		e.finish(deviceID, assignmentID, models.OutcomeFailure, reasonHostGone)
	}
}

func (e *Engine) finish(deviceID, assignmentID string, outcome models.Outcome, errMsg string) {
	e.async(func(ctx context.Context) {
		res, err := e.store.CompleteAssignment(ctx, assignmentID, outcome, errMsg, e.now().UTC())
		if err != nil {
			e.logPersistence(err, assignmentID, "Failed to record assignment outcome")

			if !errors.Is(err, store.ErrNotFound) {
				e.notifyDashboards(models.NewPersistenceError("failed to record outcome of assignment "+assignmentID, err))
			}

			return
		}

		if !res.Applied {
			e.logger.Debug().Str("assignment_id", assignmentID).Msg("Ignoring repeated completion")

			return
		}

		event := EventAssignmentSuccess
		if outcome == models.OutcomeFailure {
			event = EventAssignmentFailure
		}

		e.logger.Info().Str("job_id", res.Job.JobID).Str("assignment_id", assignmentID).Str("device_id", deviceID).
			Str("outcome", string(outcome)).Int("completed_count", res.Job.CompletedCount).
			Int("failed_count", res.Job.FailedCount).Int("assigned_count", res.Job.AssignedCount).
			Str("job_status", string(res.Job.Status)).Msg("Recorded assignment outcome")

		e.events.Emit(ctx, natsutil.EventAssignmentFinished, assignmentID, res.Assignment)
		e.publishJob(ctx, &res.Job, assignmentID, deviceID, event, 0)
	})
}

func (e *Engine) publishAssignment(ctx context.Context, jobID, assignmentID, deviceID, event string, progress int) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Debug().Err(err).Str("job_id", jobID).Msg("Skipping job_status_update for unknown job")

		return
	}

	e.publishJob(ctx, job, assignmentID, deviceID, event, progress)
}

func (e *Engine) notifyDashboards(err error) {
	env, encErr := models.NewEnvelope(models.MsgError, models.AsPayload(err))
	if encErr != nil {
		return
	}

	e.out.BroadcastDashboards(env)
}

func (e *Engine) logPersistence(err error, assignmentID, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn().Str("assignment_id", assignmentID).Msg(msg + ": unknown assignment")

		return
	}

	e.logger.Error().Err(err).Str("assignment_id", assignmentID).Msg(msg)
}

// async runs fn in the background while the engine accepts work. Once Drain
// has begun, fn runs inline so Drain never races a late wg.Add.
func (e *Engine) async(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		runPersist(fn)

		return
	}

	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		runPersist(fn)
	}()
}

func runPersist(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	fn(ctx)
}

// Drain stops new distribution and waits for in-flight persistence.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
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
		e.logger.Warn().Msg("Timed out draining job persistence")

		return ctx.Err()
	}
}

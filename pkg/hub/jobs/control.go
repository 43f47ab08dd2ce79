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
)

func (e *Engine) Pause(ctx context.Context, jobID string) (*models.Job, error) {
	return e.control(ctx, jobID, models.JobControlPause, []models.JobStatus{models.JobActive}, models.JobPaused, EventPaused)
}

func (e *Engine) Resume(ctx context.Context, jobID string) (*models.Job, error) {
	return e.control(ctx, jobID, models.JobControlResume, []models.JobStatus{models.JobPaused}, models.JobActive, EventResumed)
}

func (e *Engine) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	return e.control(ctx, jobID, models.JobControlCancel,
		[]models.JobStatus{models.JobActive, models.JobPaused}, models.JobCancelled, EventCancelled)
}

// control persists the status change and broadcasts a cooperative control
// signal to every Worker. In-flight executions are never preempted here.
func (e *Engine) control(ctx context.Context, jobID string, action models.JobControlAction,
	from []models.JobStatus, to models.JobStatus, event string) (*models.Job, error) {
	job, err := e.store.SetJobStatus(ctx, jobID, from, to)

	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, models.NewValidationError(models.CodeJobNotFound, "job "+jobID+" does not exist")
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, models.NewValidationError(models.CodeJobNotActive, "job "+jobID+" cannot be "+event)
	case err != nil:
		return nil, models.NewPersistenceError("failed to update job status", err)
	}

	env, err := models.NewEnvelope(models.MsgJobControl, models.JobControlPayload{JobID: jobID, Action: action})
	if err != nil {
		return nil, err
	}

	e.out.BroadcastWorkers(env)

	e.logger.Info().Str("job_id", jobID).Str("action", string(action)).Msg("Broadcast job control")

	e.publishJob(ctx, job, "", "", event, 0)

	return job, nil
}

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

// Package jobs implements job creation, push distribution, dynamic
// job_request assignment, operator control and completion accounting.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/phonefleet/pkg/hub/store"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

// Job events carried in job_status_update.
const (
	EventCreated           = "created"
	EventDistributed       = "distributed"
	EventAssigned          = "assigned"
	EventStarted           = "started"
	EventProgress          = "progress"
	EventAssignmentSuccess = "assignment_completed"
	EventAssignmentFailure = "assignment_failed"
	EventPaused            = "paused"
	EventResumed           = "resumed"
	EventCancelled         = "cancelled"
)

const (
	persistTimeout = 10 * time.Second

	reasonNoJob        = "no job available"
	reasonUnknown      = "device not owned by host"
	reasonNotIdle      = "device not idle"
	reasonHostGone     = "host disconnected"
	reasonShuttingDown = "hub shutting down"
)

// Outbound delivers messages produced by the engine.
type Outbound interface {
	SendToHost(hostID string, env models.Envelope) error
	BroadcastWorkers(env models.Envelope)
	BroadcastDashboards(env models.Envelope)
	HostConnected(hostID string) bool
}

// DeviceTable is the subset of the device state machine the engine drives.
type DeviceTable interface {
	Get(deviceID string) (models.Device, bool)
	Reserve(deviceID, assignmentID string) error
	Release(deviceID, assignmentID string)
	CompleteJob(deviceID, assignmentID string) bool
}

// Engine is the Job Distribution Engine.
type Engine struct {
	store   store.Store
	devices DeviceTable
	out     Outbound
	events  natsutil.Emitter
	logger  logger.Logger
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewEngine(st store.Store, devices DeviceTable, out Outbound, events natsutil.Emitter, log logger.Logger) *Engine {
	if events == nil {
		events = natsutil.NopEmitter{}
	}

	return &Engine{
		store:   st,
		devices: devices,
		out:     out,
		events:  events,
		logger:  log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// CreateJob validates and persists a new active job.
func (e *Engine) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := req.toJob(e.newID(), e.now().UTC())

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, models.NewPersistenceError("failed to create job", err)
	}

	if len(req.Comments) > 0 {
		n, err := e.store.AddComments(ctx, job.JobID, req.Comments)
		if err != nil {
			return nil, models.NewPersistenceError("failed to load comment pool", err)
		}

		e.logger.Debug().Str("job_id", job.JobID).Int("comment_count", n).Msg("Loaded comment pool")
	}

	e.logger.Info().Str("job_id", job.JobID).Str("workflow", job.Params.Workflow).Int("target_count", job.TargetCount).
		Bool("priority", job.Priority).Msg("Created job")

	e.publishJob(ctx, job, "", "", EventCreated, 0)

	return job, nil
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, jobLookupError(jobID, err)
	}

	return job, nil
}

func (e *Engine) ListJobs(ctx context.Context) ([]models.Job, error) {
	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return nil, models.NewPersistenceError("failed to list jobs", err)
	}

	return jobs, nil
}

func (e *Engine) ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	assignments, err := e.store.ListAssignments(ctx, jobID)
	if err != nil {
		return nil, models.NewPersistenceError("failed to list assignments", err)
	}

	return assignments, nil
}

// AddComments appends entries to a job's one-shot comment pool.
func (e *Engine) AddComments(ctx context.Context, jobID string, contents []string) (int, error) {
	n, err := e.store.AddComments(ctx, jobID, contents)
	if err != nil {
		return 0, jobLookupError(jobID, err)
	}

	return n, nil
}

// SetLatestVideo records the newest video of a channel; jobs targeting the
// channel resolve their url from it at assign time.
func (e *Engine) SetLatestVideo(ctx context.Context, channelID, videoURL string) error {
	if channelID == "" || videoURL == "" {
		return models.NewValidationError(models.CodeInvalidPayload, "channel id and url are required")
	}

	if err := e.store.SetLatestVideo(ctx, channelID, videoURL, e.now().UTC()); err != nil {
		return models.NewPersistenceError("failed to update channel watermark", err)
	}

	return nil
}

// Distribute pushes job jobID to each target device. Targets whose owning
// host is absent, or that cannot take the job, are reported as skipped.
func (e *Engine) Distribute(ctx context.Context, jobID string, targets []models.DistributeTarget) (*models.JobDistributeResultPayload, error) {
	if e.isClosing() {
		return nil, models.NewUnavailableError(models.CodeShuttingDown, reasonShuttingDown)
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, jobLookupError(jobID, err)
	}

	if job.Status != models.JobActive {
		return nil, models.NewValidationError(models.CodeJobNotActive, "job "+jobID+" is "+string(job.Status))
	}

	params, err := e.resolveParams(ctx, job)
	if err != nil {
		return nil, err
	}

	result := &models.JobDistributeResultPayload{JobID: jobID, TotalCount: len(targets)}
	seen := make(map[string]bool, len(targets))

	for _, target := range targets {
		if seen[target.DeviceID] {
			result.Skipped = append(result.Skipped, models.SkippedDispatch{
				DeviceID: target.DeviceID, Code: models.CodeInvalidPayload, Reason: "duplicate target",
			})

			continue
		}

		seen[target.DeviceID] = true

		if err := e.dispatch(ctx, job, params, target.DeviceID); err != nil {
			p := models.AsPayload(err)
			result.Skipped = append(result.Skipped, models.SkippedDispatch{DeviceID: target.DeviceID, Code: p.Code, Reason: p.Message})

			continue
		}

		result.SentCount++
	}

	e.logger.Info().Str("job_id", jobID).Int("sent_count", result.SentCount).Int("total_count", result.TotalCount).
		Msg("Distributed job")

	if latest, err := e.store.GetJob(ctx, jobID); err == nil {
		e.publishJob(ctx, latest, "", "", EventDistributed, 0)
	}

	return result, nil
}

// dispatch reserves the device first so a busy device never inflates the
// job's assignedCount.
func (e *Engine) dispatch(ctx context.Context, job *models.Job, params models.JobParams, deviceID string) error {
	d, ok := e.devices.Get(deviceID)
	if !ok {
		return models.NewUnavailableError(models.CodeDeviceNotFound, "device "+deviceID+" is not known")
	}

	if !e.out.HostConnected(d.HostID) {
		return models.NewUnavailableError(models.CodeHostNotConnected, "host "+d.HostID+" is not connected")
	}

	a := &models.Assignment{
		AssignmentID: e.newID(),
		JobID:        job.JobID,
		DeviceID:     deviceID,
		HostID:       d.HostID,
		CreatedAt:    e.now().UTC(),
	}

	if err := e.devices.Reserve(deviceID, a.AssignmentID); err != nil {
		return err
	}

	if _, err := e.store.AddAssignment(ctx, a); err != nil {
		e.devices.Release(deviceID, a.AssignmentID)

		if errors.Is(err, store.ErrJobNotActive) {
			return models.NewValidationError(models.CodeJobNotActive, "job "+job.JobID+" is no longer active")
		}

		return models.NewPersistenceError("failed to record assignment", err)
	}

	if err := e.sendAssignment(ctx, job, params, a); err != nil {
		e.devices.Release(deviceID, a.AssignmentID)

		return err
	}

	return nil
}

// HandleJobRequest serves a Worker's job_request for one idle device. The
// reply is always either job_assign or no_job.
func (e *Engine) HandleJobRequest(ctx context.Context, hostID, deviceID string) error {
	if e.isClosing() {
		return e.sendNoJob(hostID, deviceID, reasonShuttingDown)
	}

	d, ok := e.devices.Get(deviceID)
	if !ok || d.HostID != hostID {
		return e.sendNoJob(hostID, deviceID, reasonUnknown)
	}

	if d.Status != models.DeviceIdle || d.CurrentAssignmentID != "" {
		return e.sendNoJob(hostID, deviceID, reasonNotIdle)
	}

	a, job, err := e.store.ClaimJobForDevice(ctx, deviceID, hostID, e.newID(), e.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return e.sendNoJob(hostID, deviceID, reasonNoJob)
	}

	if err != nil {
		_ = e.sendNoJob(hostID, deviceID, reasonNoJob)

		return models.NewPersistenceError("failed to claim job", err)
	}

	params, err := e.resolveParams(ctx, job)
	if err != nil {
		e.finish(a.DeviceID, a.AssignmentID, models.OutcomeFailure, models.AsPayload(err).Message)

		return e.sendNoJob(hostID, deviceID, reasonNoJob)
	}

	// A lost race leaves the claimed assignment pending for the next request.
	if err := e.devices.Reserve(deviceID, a.AssignmentID); err != nil {
		return e.sendNoJob(hostID, deviceID, reasonNotIdle)
	}

	if err := e.sendAssignment(ctx, job, params, a); err != nil {
		e.devices.Release(deviceID, a.AssignmentID)

		return err
	}

	e.logger.Info().Str("job_id", job.JobID).Str("assignment_id", a.AssignmentID).Str("device_id", deviceID).
		Msg("Assigned job on request")

	if latest, err := e.store.GetJob(ctx, job.JobID); err == nil {
		e.publishJob(ctx, latest, a.AssignmentID, deviceID, EventAssigned, 0)
	}

	return nil
}

func (e *Engine) sendAssignment(ctx context.Context, job *models.Job, params models.JobParams, a *models.Assignment) error {
	payload := models.JobAssignPayload{
		AssignmentID: a.AssignmentID,
		JobID:        job.JobID,
		DeviceID:     a.DeviceID,
		Params:       params,
	}

	if job.CommentsEnabled {
		c, err := e.store.ClaimComment(ctx, job.JobID)

		switch {
		case err == nil:
			payload.Comment = c.Content
		case errors.Is(err, store.ErrNotFound):
			e.logger.Debug().Str("job_id", job.JobID).Msg("Comment pool exhausted")
		default:
			e.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to claim comment")
		}
	}

	env, err := models.NewEnvelope(models.MsgJobAssign, payload)
	if err != nil {
		return models.NewValidationError(models.CodeInvalidPayload, "failed to encode job_assign")
	}

	if err := e.out.SendToHost(a.HostID, env); err != nil {
		e.logger.Warn().Err(err).Str("assignment_id", a.AssignmentID).Str("host_id", a.HostID).Msg("Failed to send job_assign")

		return models.NewUnavailableError(models.CodeSendFailed, "failed to deliver assignment to "+a.HostID)
	}

	if _, err := e.store.MarkAssignmentRunning(ctx, a.AssignmentID, e.now().UTC()); err != nil {
		e.logger.Error().Err(err).Str("assignment_id", a.AssignmentID).Msg("Failed to mark assignment running")
	}

	return nil
}

// resolveParams fills the url of a channel job from the channel watermark.
func (e *Engine) resolveParams(ctx context.Context, job *models.Job) (models.JobParams, error) {
	params := job.Params
	if params.URL != "" || params.ChannelID == "" {
		return params, nil
	}

	u, err := e.store.LatestVideo(ctx, params.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return params, models.NewValidationError(models.CodeInvalidPayload, "channel "+params.ChannelID+" has no known video")
	}

	if err != nil {
		return params, models.NewPersistenceError("failed to resolve channel video", err)
	}

	params.URL = u

	return params, nil
}

func (e *Engine) sendNoJob(hostID, deviceID, reason string) error {
	env, err := models.NewEnvelope(models.MsgNoJob, models.NoJobPayload{DeviceID: deviceID, Reason: reason})
	if err != nil {
		return err
	}

	return e.out.SendToHost(hostID, env)
}

func (e *Engine) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closing
}

func (e *Engine) publishJob(ctx context.Context, job *models.Job, assignmentID, deviceID, event string, progress int) {
	payload := models.JobStatusUpdatePayload{
		Job:          *job,
		AssignmentID: assignmentID,
		DeviceID:     deviceID,
		Event:        event,
		Progress:     progress,
	}

	env, err := models.NewEnvelope(models.MsgJobStatusUpdate, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to encode job_status_update")

		return
	}

	e.out.BroadcastDashboards(env)

	if event != EventProgress {
		e.events.Emit(ctx, natsutil.EventJobStatus, job.JobID, payload)
	}
}

func jobLookupError(jobID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return models.NewValidationError(models.CodeJobNotFound, "job "+jobID+" does not exist")
	}

	return models.NewPersistenceError("failed to load job", err)
}

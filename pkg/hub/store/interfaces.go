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

// Package store is the Hub's persistence boundary: jobs, assignments, last
// known device records, the per-job comment pool and channel watermarks.
package store

//go:generate mockgen -destination=mock_store.go -package=store github.com/carverauto/phonefleet/pkg/hub/store Store

import (
	"context"
	"errors"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobNotActive is returned when an assignment is added to a job that is
	// not accepting work.
	ErrJobNotActive = errors.New("job not active")
	// ErrInvalidTransition is returned by SetJobStatus when the current
	// status is not one of the allowed sources.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is implemented by the memory, PostgreSQL and SQLite backends. Every
// multi-row mutation is atomic within the backend.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	// SetJobStatus moves a job to `to` only if its current status is in from.
	SetJobStatus(ctx context.Context, jobID string, from []models.JobStatus, to models.JobStatus) (*models.Job, error)

	// AddAssignment inserts a pending assignment and increments the job's
	// assigned count in one step. The job must be active.
	AddAssignment(ctx context.Context, a *models.Assignment) (*models.Job, error)
	GetAssignment(ctx context.Context, assignmentID string) (*models.Assignment, error)
	ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error)
	// MarkAssignmentRunning moves a pending assignment to running. Other
	// states are left untouched and reported as not applied.
	MarkAssignmentRunning(ctx context.Context, assignmentID string, at time.Time) (bool, error)
	UpdateAssignmentProgress(ctx context.Context, assignmentID string, progress int) error
	// CompleteAssignment marks a non-terminal assignment terminal and bumps
	// the job's completed or failed counter in a single atomic operation.
	// Repeated calls for the same assignment return Applied=false and leave
	// the counters unchanged. The job becomes completed when
	// completed+failed reaches assigned.
	CompleteAssignment(ctx context.Context, assignmentID string, outcome models.Outcome, errMsg string, at time.Time) (*models.CompletionResult, error)
	// ClaimJobForDevice returns the device's oldest pending assignment, or
	// creates one on the highest priority, oldest active job with spare
	// capacity that the device has not run yet. Returns ErrNotFound when
	// nothing is available.
	ClaimJobForDevice(ctx context.Context, deviceID, hostID, assignmentID string, now time.Time) (*models.Assignment, *models.Job, error)

	UpsertDevice(ctx context.Context, d *models.Device) error
	ListDevices(ctx context.Context) ([]models.Device, error)

	AddComments(ctx context.Context, jobID string, contents []string) (int, error)
	// ClaimComment atomically takes one unused comment for the job and marks
	// it used. Returns ErrNotFound when the pool is exhausted.
	ClaimComment(ctx context.Context, jobID string) (*models.Comment, error)

	SetLatestVideo(ctx context.Context, channelID, videoURL string, at time.Time) error
	LatestVideo(ctx context.Context, channelID string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

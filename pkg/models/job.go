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

package models

import "time"

// JobStatus is the operator-visible state of a job.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// AssignmentStatus tracks one job execution on one device.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed
}

// Outcome of a finished assignment.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Workflow names understood by the Worker handler registry.
const (
	WorkflowWatch       = "watch"
	WorkflowInstall     = "install"
	WorkflowUninstall   = "uninstall"
	WorkflowHealthCheck = "health_check"
	WorkflowReset       = "reset"
)

// JobParams are the target parameters carried into every assignment.
type JobParams struct {
	Workflow       string  `json:"workflow,omitempty"`
	URL            string  `json:"url,omitempty"`
	ChannelID      string  `json:"channelId,omitempty"`
	DurationMinSec int     `json:"durationMinSec,omitempty"`
	DurationMaxSec int     `json:"durationMaxSec,omitempty"`
	ProbLike       float64 `json:"probLike,omitempty"`
	ProbComment    float64 `json:"probComment,omitempty"`
	ProbSubscribe  float64 `json:"probSubscribe,omitempty"`
	Package        string  `json:"package,omitempty"`
	APKPath        string  `json:"apkPath,omitempty"`
	APKSHA256      string  `json:"apkSha256,omitempty"`
}

// Job is an operator-created unit of automation work.
type Job struct {
	JobID           string    `json:"jobId"`
	Title           string    `json:"title,omitempty"`
	Params          JobParams `json:"params"`
	Status          JobStatus `json:"status"`
	Priority        bool      `json:"priority"`
	CommentsEnabled bool      `json:"commentsEnabled"`
	TargetCount     int       `json:"targetCount"`
	AssignedCount   int       `json:"assignedCount"`
	CompletedCount  int       `json:"completedCount"`
	FailedCount     int       `json:"failedCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Finished reports whether the job has handed out its full target and every
// one of those executions has reported back. Assignments are added one at a
// time, so an early completion must not close a job that is still filling.
func (j *Job) Finished() bool {
	return j.AssignedCount > 0 && j.AssignedCount >= j.TargetCount &&
		j.CompletedCount+j.FailedCount >= j.AssignedCount
}

// HasCapacity reports whether the job accepts another dynamic assignment.
func (j *Job) HasCapacity() bool {
	return j.Status == JobActive && j.AssignedCount < j.TargetCount
}

// Assignment binds exactly one device to exactly one job.
type Assignment struct {
	AssignmentID string           `json:"assignmentId"`
	JobID        string           `json:"jobId"`
	DeviceID     string           `json:"deviceId"`
	HostID       string           `json:"hostId,omitempty"`
	Status       AssignmentStatus `json:"status"`
	Progress     int              `json:"progress,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
}

// CompletionResult is returned by the atomic completion path.
type CompletionResult struct {
	Applied    bool       `json:"applied"`
	Assignment Assignment `json:"assignment"`
	Job        Job        `json:"job"`
}

// Comment is one entry of a job's consumable comment pool.
type Comment struct {
	ID      string `json:"id"`
	JobID   string `json:"jobId"`
	Content string `json:"content"`
	Used    bool   `json:"used"`
}

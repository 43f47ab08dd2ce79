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
	"strings"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
)

// CreateJobRequest is the operator input for a new job.
type CreateJobRequest struct {
	Title           string   `json:"title,omitempty"`
	Workflow        string   `json:"workflow,omitempty"`
	URL             string   `json:"url,omitempty"`
	ChannelID       string   `json:"channelId,omitempty"`
	DurationMinSec  int      `json:"durationMinSec,omitempty"`
	DurationMaxSec  int      `json:"durationMaxSec,omitempty"`
	ProbLike        float64  `json:"probLike,omitempty"`
	ProbComment     float64  `json:"probComment,omitempty"`
	ProbSubscribe   float64  `json:"probSubscribe,omitempty"`
	Package         string   `json:"package,omitempty"`
	APKPath         string   `json:"apkPath,omitempty"`
	APKSHA256       string   `json:"apkSha256,omitempty"`
	Priority        bool     `json:"priority,omitempty"`
	TargetCount     int      `json:"targetCount"`
	CommentsEnabled bool     `json:"commentsEnabled,omitempty"`
	Comments        []string `json:"comments,omitempty"`
}

func invalid(msg string) error {
	return models.NewValidationError(models.CodeInvalidPayload, msg)
}

// Validate normalizes the workflow and checks the fields it requires.
func (r *CreateJobRequest) Validate() error {
	r.Workflow = strings.TrimSpace(r.Workflow)
	if r.Workflow == "" {
		r.Workflow = models.WorkflowWatch
	}

	switch r.Workflow {
	case models.WorkflowWatch:
		if r.URL == "" && r.ChannelID == "" {
			return invalid("watch jobs need a url or a channelId")
		}
	case models.WorkflowInstall:
		if r.APKPath == "" {
			return invalid("install jobs need an apkPath")
		}
	case models.WorkflowUninstall:
		if r.Package == "" {
			return invalid("uninstall jobs need a package")
		}
	case models.WorkflowHealthCheck, models.WorkflowReset:
	default:
		return invalid("unknown workflow " + r.Workflow)
	}

	if r.TargetCount < 1 {
		return invalid("targetCount must be at least 1")
	}

	if r.DurationMinSec < 0 || r.DurationMaxSec < 0 || (r.DurationMaxSec > 0 && r.DurationMinSec > r.DurationMaxSec) {
		return invalid("duration bounds are invalid")
	}

	for _, p := range []float64{r.ProbLike, r.ProbComment, r.ProbSubscribe} {
		if p < 0 || p > 1 {
			return invalid("probabilities must be between 0 and 1")
		}
	}

	return nil
}

func (r *CreateJobRequest) toJob(jobID string, now time.Time) *models.Job {
	return &models.Job{
		JobID: jobID,
		Title: r.Title,
		Params: models.JobParams{
			Workflow:       r.Workflow,
			URL:            r.URL,
			ChannelID:      r.ChannelID,
			DurationMinSec: r.DurationMinSec,
			DurationMaxSec: r.DurationMaxSec,
			ProbLike:       r.ProbLike,
			ProbComment:    r.ProbComment,
			ProbSubscribe:  r.ProbSubscribe,
			Package:        r.Package,
			APKPath:        r.APKPath,
			APKSHA256:      r.APKSHA256,
		},
		Status:          models.JobActive,
		Priority:        r.Priority,
		CommentsEnabled: r.CommentsEnabled,
		TargetCount:     r.TargetCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

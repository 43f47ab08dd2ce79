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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/phonefleet/pkg/models"
)

// MemoryStore keeps everything in process. It is the default backend and the
// reference behavior the SQL backends are tested against.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	assignments map[string]*models.Assignment
	devices     map[string]*models.Device
	comments    map[string][]*models.Comment
	watermarks  map[string]string
	closed      bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		assignments: make(map[string]*models.Assignment),
		devices:     make(map[string]*models.Device),
		comments:    make(map[string][]*models.Comment),
		watermarks:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	if job.Status == "" {
		job.Status = models.JobActive
	}

	cp := *job
	m.jobs[job.JobID] = &cp

	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *j

	return &cp, nil
}

func (m *MemoryStore) ListJobs(_ context.Context) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })

	return out, nil
}

func (m *MemoryStore) SetJobStatus(_ context.Context, jobID string, from []models.JobStatus, to models.JobStatus) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	if !statusIn(j.Status, from) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}

	j.Status = to
	j.UpdatedAt = time.Now().UTC()

	cp := *j

	return &cp, nil
}

func (m *MemoryStore) AddAssignment(_ context.Context, a *models.Assignment) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[a.JobID]
	if !ok {
		return nil, ErrNotFound
	}

	if j.Status != models.JobActive {
		return nil, ErrJobNotActive
	}

	m.insertAssignmentLocked(a, j)

	cp := *j

	return &cp, nil
}

func (m *MemoryStore) insertAssignmentLocked(a *models.Assignment, j *models.Job) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	a.Status = models.AssignmentPending

	cp := *a
	m.assignments[a.AssignmentID] = &cp

	j.AssignedCount++
	j.UpdatedAt = a.CreatedAt
}

func (m *MemoryStore) GetAssignment(_ context.Context, assignmentID string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[assignmentID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *a

	return &cp, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, jobID string) ([]models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Assignment

	for _, a := range m.assignments {
		if a.JobID == jobID {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(x, y int) bool { return out[x].CreatedAt.Before(out[y].CreatedAt) })

	return out, nil
}

func (m *MemoryStore) MarkAssignmentRunning(_ context.Context, assignmentID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[assignmentID]
	if !ok {
		return false, ErrNotFound
	}

	if a.Status != models.AssignmentPending {
		return false, nil
	}

	a.Status = models.AssignmentRunning
	started := at.UTC()
	a.StartedAt = &started

	return true, nil
}

func (m *MemoryStore) UpdateAssignmentProgress(_ context.Context, assignmentID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[assignmentID]
	if !ok {
		return ErrNotFound
	}

	if !a.Status.Terminal() {
		a.Progress = progress
	}

	return nil
}

func (m *MemoryStore) CompleteAssignment(_ context.Context, assignmentID string, outcome models.Outcome, errMsg string, at time.Time) (*models.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[assignmentID]
	if !ok {
		return nil, ErrNotFound
	}

	j, ok := m.jobs[a.JobID]
	if !ok {
		return nil, ErrNotFound
	}

	if a.Status.Terminal() {
		return &models.CompletionResult{Applied: false, Assignment: *a, Job: *j}, nil
	}

	finished := at.UTC()
	a.FinishedAt = &finished
	a.Error = errMsg

	if outcome == models.OutcomeSuccess {
		a.Status = models.AssignmentCompleted
		a.Progress = 100
		j.CompletedCount++
	} else {
		a.Status = models.AssignmentFailed
		j.FailedCount++
	}

	if (j.Status == models.JobActive || j.Status == models.JobPaused) && j.Finished() {
		j.Status = models.JobCompleted
	}

	j.UpdatedAt = finished

	return &models.CompletionResult{Applied: true, Assignment: *a, Job: *j}, nil
}

func (m *MemoryStore) ClaimJobForDevice(_ context.Context, deviceID, hostID, assignmentID string, now time.Time) (*models.Assignment, *models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		pending *models.Assignment
		seen    = make(map[string]bool)
	)

	for _, a := range m.assignments {
		if a.DeviceID != deviceID {
			continue
		}

		seen[a.JobID] = true

		if a.Status != models.AssignmentPending {
			continue
		}

		if j := m.jobs[a.JobID]; j == nil || j.Status != models.JobActive {
			continue
		}

		if pending == nil || a.CreatedAt.Before(pending.CreatedAt) {
			pending = a
		}
	}

	if pending != nil {
		ac, jc := *pending, *m.jobs[pending.JobID]

		return &ac, &jc, nil
	}

	var candidates []*models.Job

	for _, j := range m.jobs {
		if j.HasCapacity() && !seen[j.JobID] {
			candidates = append(candidates, j)
		}
	}

	if len(candidates) == 0 {
		return nil, nil, ErrNotFound
	}

	sort.Slice(candidates, func(x, y int) bool {
		return jobBefore(candidates[x], candidates[y])
	})

	j := candidates[0]
	a := &models.Assignment{
		AssignmentID: assignmentID,
		JobID:        j.JobID,
		DeviceID:     deviceID,
		HostID:       hostID,
		CreatedAt:    now.UTC(),
	}

	m.insertAssignmentLocked(a, j)

	ac, jc := *m.assignments[assignmentID], *j

	return &ac, &jc, nil
}

// jobBefore orders by priority flag descending, then creation time ascending.
func jobBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.JobID < b.JobID
}

func (m *MemoryStore) UpsertDevice(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.devices[d.DeviceID] = &cp

	return nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].DeviceID < out[b].DeviceID })

	return out, nil
}

func (m *MemoryStore) AddComments(_ context.Context, jobID string, contents []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return 0, ErrNotFound
	}

	added := 0

	for _, c := range contents {
		if c == "" {
			continue
		}

		m.comments[jobID] = append(m.comments[jobID], &models.Comment{
			ID:      uuid.NewString(),
			JobID:   jobID,
			Content: c,
		})
		added++
	}

	return added, nil
}

func (m *MemoryStore) ClaimComment(_ context.Context, jobID string) (*models.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.comments[jobID] {
		if !c.Used {
			c.Used = true
			cp := *c

			return &cp, nil
		}
	}

	return nil, ErrNotFound
}

func (m *MemoryStore) SetLatestVideo(_ context.Context, channelID, videoURL string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watermarks[channelID] = videoURL

	return nil
}

func (m *MemoryStore) LatestVideo(_ context.Context, channelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.watermarks[channelID]
	if !ok {
		return "", ErrNotFound
	}

	return u, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errStoreClosed
	}

	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func statusIn(s models.JobStatus, set []models.JobStatus) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}

	return false
}

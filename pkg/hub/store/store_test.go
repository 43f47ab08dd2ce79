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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()

	b := map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "fleet.db"), logger.NewTestLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })

			return s
		},
	}

	if dsn := os.Getenv("PHONEFLEET_TEST_PG_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()

			s, err := NewPostgresStore(ctx, &models.StoreConfig{Driver: models.StorePostgres, DSN: dsn}, logger.NewTestLogger())
			require.NoError(t, err)

			_, err = s.pool.Exec(ctx, `TRUNCATE fleet_comments, fleet_assignments, fleet_jobs, fleet_devices, fleet_channel_watermarks`)
			require.NoError(t, err)

			t.Cleanup(func() { _ = s.Close() })

			return s
		}
	}

	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(t *testing.T, s Store, target int, priority bool, createdOffset time.Duration) *models.Job {
	t.Helper()

	job := &models.Job{
		JobID:       uuid.NewString(),
		Title:       "watch",
		Params:      models.JobParams{Workflow: models.WorkflowWatch, URL: "https://video.example/v/1", DurationMinSec: 30, DurationMaxSec: 60, ProbLike: 0.2},
		Priority:    priority,
		TargetCount: target,
		CreatedAt:   baseTime.Add(createdOffset),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))

	return job
}

func addAssignment(t *testing.T, s Store, jobID, deviceID string) *models.Assignment {
	t.Helper()

	a := &models.Assignment{AssignmentID: uuid.NewString(), JobID: jobID, DeviceID: deviceID, HostID: "HOST01"}
	_, err := s.AddAssignment(context.Background(), a)
	require.NoError(t, err)

	return a
}

func TestJobCRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 5, true, 0)

		got, err := s.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobActive, got.Status)
		assert.Equal(t, 5, got.TargetCount)
		assert.True(t, got.Priority)
		assert.Equal(t, job.Params, got.Params)

		_, err = s.GetJob(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		jobs, err := s.ListJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestSetJobStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 1, false, 0)

		got, err := s.SetJobStatus(ctx, job.JobID, []models.JobStatus{models.JobActive}, models.JobPaused)
		require.NoError(t, err)
		assert.Equal(t, models.JobPaused, got.Status)

		_, err = s.SetJobStatus(ctx, job.JobID, []models.JobStatus{models.JobActive}, models.JobPaused)
		require.ErrorIs(t, err, ErrInvalidTransition)

		_, err = s.SetJobStatus(ctx, "missing", []models.JobStatus{models.JobActive}, models.JobPaused)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAddAssignmentRequiresActiveJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 2, false, 0)

		a := &models.Assignment{AssignmentID: uuid.NewString(), JobID: job.JobID, DeviceID: "HOST01-001"}
		updated, err := s.AddAssignment(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.AssignedCount)
		assert.Equal(t, models.AssignmentPending, a.Status)

		_, err = s.SetJobStatus(ctx, job.JobID, []models.JobStatus{models.JobActive}, models.JobPaused)
		require.NoError(t, err)

		_, err = s.AddAssignment(ctx, &models.Assignment{AssignmentID: uuid.NewString(), JobID: job.JobID, DeviceID: "HOST01-002"})
		require.ErrorIs(t, err, ErrJobNotActive)

		_, err = s.AddAssignment(ctx, &models.Assignment{AssignmentID: uuid.NewString(), JobID: "missing", DeviceID: "HOST01-002"})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkAssignmentRunning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 1, false, 0)
		a := addAssignment(t, s, job.JobID, "HOST01-001")

		ok, err := s.MarkAssignmentRunning(ctx, a.AssignmentID, baseTime)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MarkAssignmentRunning(ctx, a.AssignmentID, baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetAssignment(ctx, a.AssignmentID)
		require.NoError(t, err)
		assert.Equal(t, models.AssignmentRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		require.NoError(t, s.UpdateAssignmentProgress(ctx, a.AssignmentID, 40))

		got, err = s.GetAssignment(ctx, a.AssignmentID)
		require.NoError(t, err)
		assert.Equal(t, 40, got.Progress)

		_, err = s.MarkAssignmentRunning(ctx, "missing", baseTime)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCompleteAssignmentIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 2, false, 0)
		a := addAssignment(t, s, job.JobID, "HOST01-001")
		addAssignment(t, s, job.JobID, "HOST01-002")

		res, err := s.CompleteAssignment(ctx, a.AssignmentID, models.OutcomeSuccess, "", baseTime)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, 1, res.Job.CompletedCount)
		assert.Equal(t, models.AssignmentCompleted, res.Assignment.Status)

		res, err = s.CompleteAssignment(ctx, a.AssignmentID, models.OutcomeSuccess, "", baseTime)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, 1, res.Job.CompletedCount)

		res, err = s.CompleteAssignment(ctx, a.AssignmentID, models.OutcomeFailure, "late failure", baseTime)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, 0, res.Job.FailedCount)
		assert.Equal(t, models.AssignmentCompleted, res.Assignment.Status)

		_, err = s.CompleteAssignment(ctx, "missing", models.OutcomeSuccess, "", baseTime)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestJobCompletesWhenAllAssignmentsReport(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 3, false, 0)

		var ids []string
		for i := 1; i <= 3; i++ {
			ids = append(ids, addAssignment(t, s, job.JobID, models.DeviceIDFor("HOST01", i)).AssignmentID)
		}

		res, err := s.CompleteAssignment(ctx, ids[0], models.OutcomeSuccess, "", baseTime)
		require.NoError(t, err)
		assert.Equal(t, models.JobActive, res.Job.Status)

		res, err = s.CompleteAssignment(ctx, ids[1], models.OutcomeFailure, "app crashed", baseTime)
		require.NoError(t, err)
		assert.Equal(t, models.JobActive, res.Job.Status)
		assert.Equal(t, "app crashed", res.Assignment.Error)

		res, err = s.CompleteAssignment(ctx, ids[2], models.OutcomeSuccess, "", baseTime)
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, res.Job.Status)
		assert.Equal(t, 2, res.Job.CompletedCount)
		assert.Equal(t, 1, res.Job.FailedCount)
		assert.Equal(t, 3, res.Job.AssignedCount)
	})
}

func TestJobStaysActiveUntilTargetFilled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 5, false, 0)

		a, _, err := s.ClaimJobForDevice(ctx, "HOST01-001", "HOST01", uuid.NewString(), baseTime)
		require.NoError(t, err)

		res, err := s.CompleteAssignment(ctx, a.AssignmentID, models.OutcomeSuccess, "", baseTime)
		require.NoError(t, err)
		assert.Equal(t, models.JobActive, res.Job.Status)
		assert.Equal(t, 1, res.Job.AssignedCount)
		assert.Equal(t, 1, res.Job.CompletedCount)

		_, j, err := s.ClaimJobForDevice(ctx, "HOST01-002", "HOST01", uuid.NewString(), baseTime)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, j.JobID)
		assert.Equal(t, 2, j.AssignedCount)
	})
}

func TestCancelledJobStaysCancelledOnCompletion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 1, false, 0)
		a := addAssignment(t, s, job.JobID, "HOST01-001")

		_, err := s.SetJobStatus(ctx, job.JobID, []models.JobStatus{models.JobActive}, models.JobCancelled)
		require.NoError(t, err)

		res, err := s.CompleteAssignment(ctx, a.AssignmentID, models.OutcomeFailure, "cancelled", baseTime)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, models.JobCancelled, res.Job.Status)
		assert.Equal(t, 1, res.Job.FailedCount)
	})
}

func TestConcurrentCompletionsAreNotLost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const n = 24

		job := newJob(t, s, n, false, 0)

		ids := make([]string, n)
		for i := range ids {
			ids[i] = addAssignment(t, s, job.JobID, models.DeviceIDFor("HOST01", i+1)).AssignmentID
		}

		var wg sync.WaitGroup

		errs := make(chan error, n*2)

		for i, id := range ids {
			outcome := models.OutcomeSuccess
			if i%3 == 0 {
				outcome = models.OutcomeFailure
			}

			// Each completion is delivered twice to exercise idempotency under contention.
			for k := 0; k < 2; k++ {
				wg.Add(1)

				go func(id string, outcome models.Outcome) {
					defer wg.Done()

					if _, err := s.CompleteAssignment(ctx, id, outcome, "", time.Now()); err != nil {
						errs <- err
					}
				}(id, outcome)
			}
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, n/3, got.FailedCount)
		assert.Equal(t, n-n/3, got.CompletedCount)
		assert.Equal(t, models.JobCompleted, got.Status)
	})
}

func TestClaimJobForDeviceOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		oldNormal := newJob(t, s, 5, false, 0)
		newPriority := newJob(t, s, 5, true, 2*time.Minute)
		oldPriority := newJob(t, s, 1, true, time.Minute)

		a, j, err := s.ClaimJobForDevice(ctx, "HOST01-001", "HOST01", uuid.NewString(), baseTime)
		require.NoError(t, err)
		assert.Equal(t, oldPriority.JobID, j.JobID, "priority first, then oldest")
		assert.Equal(t, models.AssignmentPending, a.Status)
		assert.Equal(t, 1, j.AssignedCount)

		// oldPriority is at capacity now.
		_, j, err = s.ClaimJobForDevice(ctx, "HOST01-002", "HOST01", uuid.NewString(), baseTime)
		require.NoError(t, err)
		assert.Equal(t, newPriority.JobID, j.JobID)

		// A pending assignment for the device is reused rather than duplicated.
		again, j2, err := s.ClaimJobForDevice(ctx, "HOST01-002", "HOST01", uuid.NewString(), baseTime)
		require.NoError(t, err)
		assert.Equal(t, newPriority.JobID, j2.JobID)
		assert.Equal(t, 1, j2.AssignedCount)

		_, err = s.CompleteAssignment(ctx, again.AssignmentID, models.OutcomeSuccess, "", baseTime)
		require.NoError(t, err)

		// The device has already run newPriority, so it falls through to the normal job.
		_, j, err = s.ClaimJobForDevice(ctx, "HOST01-002", "HOST01", uuid.NewString(), baseTime)
		require.NoError(t, err)
		assert.Equal(t, oldNormal.JobID, j.JobID)
	})
}

func TestClaimJobForDeviceSkipsInactiveAndFull(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		paused := newJob(t, s, 5, true, 0)
		_, err := s.SetJobStatus(ctx, paused.JobID, []models.JobStatus{models.JobActive}, models.JobPaused)
		require.NoError(t, err)

		full := newJob(t, s, 1, true, time.Second)
		addAssignment(t, s, full.JobID, "HOST02-001")

		_, _, err = s.ClaimJobForDevice(ctx, "HOST01-001", "HOST01", uuid.NewString(), baseTime)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCommentPoolIsOneShot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 2, false, 0)

		n, err := s.AddComments(ctx, job.JobID, []string{"nice video", "", "love it"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		seen := map[string]bool{}

		for i := 0; i < 2; i++ {
			c, err := s.ClaimComment(ctx, job.JobID)
			require.NoError(t, err)
			assert.True(t, c.Used)
			assert.False(t, seen[c.Content], "comment %q claimed twice", c.Content)
			seen[c.Content] = true
		}

		_, err = s.ClaimComment(ctx, job.JobID)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.AddComments(ctx, "missing", []string{"x"})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentCommentClaims(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(t, s, 1, false, 0)

		const n = 10

		contents := make([]string, n)
		for i := range contents {
			contents[i] = fmt.Sprintf("comment-%d", i)
		}

		_, err := s.AddComments(ctx, job.JobID, contents)
		require.NoError(t, err)

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			claims = map[string]int{}
		)

		for i := 0; i < n+5; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				c, err := s.ClaimComment(ctx, job.JobID)
				if err != nil {
					return
				}

				mu.Lock()
				claims[c.ID]++
				mu.Unlock()
			}()
		}

		wg.Wait()

		assert.Len(t, claims, n)

		for id, count := range claims {
			assert.Equal(t, 1, count, "comment %s claimed more than once", id)
		}
	})
}

func TestLatestVideoWatermark(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LatestVideo(ctx, "chan-1")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetLatestVideo(ctx, "chan-1", "https://video.example/v/1", baseTime))
		require.NoError(t, s.SetLatestVideo(ctx, "chan-1", "https://video.example/v/2", baseTime.Add(time.Hour)))

		u, err := s.LatestVideo(ctx, "chan-1")
		require.NoError(t, err)
		assert.Equal(t, "https://video.example/v/2", u)
	})
}

func TestUpsertDevice(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		d := &models.Device{
			DeviceID:        "HOST01-003",
			HardwareSerial:  "R58M123ABC",
			HostID:          "HOST01",
			Slot:            3,
			Status:          models.DeviceIdle,
			LastHeartbeatAt: baseTime,
			UpdatedAt:       baseTime,
		}
		require.NoError(t, s.UpsertDevice(ctx, d))

		d.Status = models.DeviceBusy
		d.CurrentAssignmentID = "a-1"
		d.Initialized = true
		require.NoError(t, s.UpsertDevice(ctx, d))

		devices, err := s.ListDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, models.DeviceBusy, devices[0].Status)
		assert.Equal(t, "a-1", devices[0].CurrentAssignmentID)
		assert.True(t, devices[0].Initialized)
		assert.True(t, baseTime.Equal(devices[0].LastHeartbeatAt))
	})
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(context.Background(), &models.StoreConfig{Driver: models.StoreMemory}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(context.Background(), &models.StoreConfig{Driver: models.StoreSQLite, Path: filepath.Join(t.TempDir(), "x.db")}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(context.Background(), &models.StoreConfig{Driver: "mongo"}, logger.NewTestLogger())
	require.ErrorIs(t, err, errUnknownDriver)
}

func TestMemoryStoreClose(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Ping(context.Background()), errStoreClosed)
}

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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fleet_jobs (
	job_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active','paused','completed','cancelled')),
	priority INTEGER NOT NULL DEFAULT 0,
	comments_enabled INTEGER NOT NULL DEFAULT 0,
	target_count INTEGER NOT NULL,
	assigned_count INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (completed_count + failed_count <= assigned_count)
);

CREATE TABLE IF NOT EXISTS fleet_assignments (
	assignment_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES fleet_jobs(job_id) ON DELETE CASCADE,
	device_id TEXT NOT NULL,
	host_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')),
	progress INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS fleet_assignments_device_idx ON fleet_assignments (device_id, status);
CREATE INDEX IF NOT EXISTS fleet_assignments_job_idx ON fleet_assignments (job_id);

CREATE TABLE IF NOT EXISTS fleet_devices (
	device_id TEXT PRIMARY KEY,
	hardware_serial TEXT NOT NULL DEFAULT '',
	host_id TEXT NOT NULL,
	slot INTEGER NOT NULL,
	ip TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	last_heartbeat_at TEXT NOT NULL,
	current_assignment_id TEXT NOT NULL DEFAULT '',
	initialized INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fleet_comments (
	comment_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES fleet_jobs(job_id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	used INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS fleet_comments_job_idx ON fleet_comments (job_id, used, seq);

CREATE TABLE IF NOT EXISTS fleet_channel_watermarks (
	channel_id TEXT PRIMARY KEY,
	latest_video_url TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore is the single-node backend. The connection pool is limited to
// one connection, which serializes every transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, path string, log logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	log.Info().Str("path", path).Msg("opened SQLite store")

	return &SQLiteStore{db: db, logger: log}, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	if job.Status == "" {
		job.Status = models.JobActive
	}

	params, err := json.Marshal(job.Params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO fleet_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Title, string(params), string(job.Status), boolToInt(job.Priority), boolToInt(job.CommentsEnabled),
		job.TargetCount, job.AssignedCount, job.CompletedCount, job.FailedCount, ts(job.CreatedAt), ts(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getJob(ctx context.Context, q queryer, jobID string) (*models.Job, error) {
	return scanSQLiteJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM fleet_jobs WHERE job_id = ?`, jobID))
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM fleet_jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job

	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *j)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, jobID string, from []models.JobStatus, to models.JobStatus) (*models.Job, error) {
	var job *models.Job

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}

		if !statusIn(j.Status, from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE fleet_jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
			string(to), ts(now), jobID); err != nil {
			return err
		}

		j.Status = to
		j.UpdatedAt = now
		job = j

		return nil
	})

	return job, err
}

func (s *SQLiteStore) AddAssignment(ctx context.Context, a *models.Assignment) (*models.Job, error) {
	var job *models.Job

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error

		job, err = s.insertAssignment(ctx, tx, a)

		return err
	})

	return job, err
}

func (s *SQLiteStore) insertAssignment(ctx context.Context, tx *sql.Tx, a *models.Assignment) (*models.Job, error) {
	j, err := s.getJob(ctx, tx, a.JobID)
	if err != nil {
		return nil, err
	}

	if j.Status != models.JobActive {
		return nil, ErrJobNotActive
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	a.Status = models.AssignmentPending

	if _, err := tx.ExecContext(ctx, `
INSERT INTO fleet_assignments (assignment_id, job_id, device_id, host_id, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, a.AssignmentID, a.JobID, a.DeviceID, a.HostID, string(a.Status), ts(a.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE fleet_jobs SET assigned_count = assigned_count + 1, updated_at = ? WHERE job_id = ?`,
		ts(a.CreatedAt), a.JobID); err != nil {
		return nil, err
	}

	j.AssignedCount++
	j.UpdatedAt = a.CreatedAt

	return j, nil
}

func (s *SQLiteStore) getAssignment(ctx context.Context, q queryer, assignmentID string) (*models.Assignment, error) {
	return scanSQLiteAssignment(q.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM fleet_assignments WHERE assignment_id = ?`, assignmentID))
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	return s.getAssignment(ctx, s.db, assignmentID)
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM fleet_assignments WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []models.Assignment

	for rows.Next() {
		a, err := scanSQLiteAssignment(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *a)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) MarkAssignmentRunning(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE fleet_assignments SET status = 'running', started_at = ?
WHERE assignment_id = ? AND status = 'pending'`, ts(at), assignmentID)
	if err != nil {
		return false, fmt.Errorf("mark assignment running: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	if _, err := s.GetAssignment(ctx, assignmentID); err != nil {
		return false, err
	}

	return false, nil
}

func (s *SQLiteStore) UpdateAssignmentProgress(ctx context.Context, assignmentID string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE fleet_assignments SET progress = ?
WHERE assignment_id = ? AND status IN ('pending', 'running')`, progress, assignmentID)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.GetAssignment(ctx, assignmentID)
		return err
	}

	return nil
}

func (s *SQLiteStore) CompleteAssignment(ctx context.Context, assignmentID string, outcome models.Outcome, errMsg string, at time.Time) (*models.CompletionResult, error) {
	status := models.AssignmentFailed
	completedInc, failedInc := 0, 1

	if outcome == models.OutcomeSuccess {
		status = models.AssignmentCompleted
		completedInc, failedInc = 1, 0
	}

	result := &models.CompletionResult{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE fleet_assignments
SET status = ?, error = ?, finished_at = ?, progress = CASE WHEN ? = 'completed' THEN 100 ELSE progress END
WHERE assignment_id = ? AND status IN ('pending', 'running')`,
			string(status), errMsg, ts(at), string(status), assignmentID)
		if err != nil {
			return fmt.Errorf("complete assignment: %w", err)
		}

		n, _ := res.RowsAffected()

		a, err := s.getAssignment(ctx, tx, assignmentID)
		if err != nil {
			return err
		}

		if n == 1 {
			if _, err := tx.ExecContext(ctx, `
UPDATE fleet_jobs
SET completed_count = completed_count + ?,
    failed_count = failed_count + ?,
    status = CASE
        WHEN status IN ('active', 'paused')
             AND assigned_count >= target_count
             AND completed_count + failed_count + 1 >= assigned_count
        THEN 'completed' ELSE status END,
    updated_at = ?
WHERE job_id = ?`, completedInc, failedInc, ts(at), a.JobID); err != nil {
				return fmt.Errorf("bump job counters: %w", err)
			}
		}

		j, err := s.getJob(ctx, tx, a.JobID)
		if err != nil {
			return err
		}

		result.Applied = n == 1
		result.Assignment = *a
		result.Job = *j

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *SQLiteStore) ClaimJobForDevice(ctx context.Context, deviceID, hostID, assignmentID string, now time.Time) (*models.Assignment, *models.Job, error) {
	var (
		assignment *models.Assignment
		job        *models.Job
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanSQLiteAssignment(tx.QueryRowContext(ctx, `
SELECT a.assignment_id, a.job_id, a.device_id, a.host_id, a.status, a.progress, a.error, a.created_at, a.started_at, a.finished_at
FROM fleet_assignments a JOIN fleet_jobs j ON j.job_id = a.job_id
WHERE a.device_id = ? AND a.status = 'pending' AND j.status = 'active'
ORDER BY a.created_at ASC
LIMIT 1`, deviceID))

		switch {
		case err == nil:
			assignment = a
			job, err = s.getJob(ctx, tx, a.JobID)

			return err
		case !errors.Is(err, ErrNotFound):
			return err
		}

		var jobID string

		err = tx.QueryRowContext(ctx, `
SELECT j.job_id FROM fleet_jobs j
WHERE j.status = 'active'
  AND j.assigned_count < j.target_count
  AND NOT EXISTS (SELECT 1 FROM fleet_assignments a WHERE a.job_id = j.job_id AND a.device_id = ?)
ORDER BY j.priority DESC, j.created_at ASC, j.job_id ASC
LIMIT 1`, deviceID).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}

		if err != nil {
			return fmt.Errorf("pick job: %w", err)
		}

		assignment = &models.Assignment{
			AssignmentID: assignmentID,
			JobID:        jobID,
			DeviceID:     deviceID,
			HostID:       hostID,
			CreatedAt:    now.UTC(),
		}

		job, err = s.insertAssignment(ctx, tx, assignment)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return assignment, job, nil
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *models.Device) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fleet_devices (`+deviceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	hardware_serial=excluded.hardware_serial,
	host_id=excluded.host_id,
	slot=excluded.slot,
	ip=excluded.ip,
	status=excluded.status,
	last_heartbeat_at=excluded.last_heartbeat_at,
	current_assignment_id=excluded.current_assignment_id,
	initialized=excluded.initialized,
	updated_at=excluded.updated_at`,
		d.DeviceID, d.HardwareSerial, d.HostID, d.Slot, d.IP, string(d.Status), ts(d.LastHeartbeatAt),
		d.CurrentAssignmentID, boolToInt(d.Initialized), ts(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM fleet_devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device

	for rows.Next() {
		var (
			d                 models.Device
			status            string
			lastHB, updatedAt string
			initialized       int
		)

		if err := rows.Scan(&d.DeviceID, &d.HardwareSerial, &d.HostID, &d.Slot, &d.IP, &status,
			&lastHB, &d.CurrentAssignmentID, &initialized, &updatedAt); err != nil {
			return nil, err
		}

		d.Status = models.DeviceStatus(status)
		d.Initialized = initialized != 0
		d.LastHeartbeatAt, _ = parseTS(lastHB)
		d.UpdatedAt, _ = parseTS(updatedAt)

		out = append(out, d)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) AddComments(ctx context.Context, jobID string, contents []string) (int, error) {
	added := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getJob(ctx, tx, jobID); err != nil {
			return err
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM fleet_comments WHERE job_id = ?`, jobID).Scan(&seq); err != nil {
			return err
		}

		for _, c := range contents {
			if c == "" {
				continue
			}

			seq++

			if _, err := tx.ExecContext(ctx, `INSERT INTO fleet_comments (comment_id, job_id, seq, content) VALUES (?, ?, ?, ?)`,
				uuid.NewString(), jobID, seq, c); err != nil {
				return fmt.Errorf("insert comment: %w", err)
			}

			added++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return added, nil
}

func (s *SQLiteStore) ClaimComment(ctx context.Context, jobID string) (*models.Comment, error) {
	var c models.Comment

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
SELECT comment_id, job_id, content FROM fleet_comments
WHERE job_id = ? AND used = 0
ORDER BY seq ASC LIMIT 1`, jobID).Scan(&c.ID, &c.JobID, &c.Content)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}

		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE fleet_comments SET used = 1 WHERE comment_id = ?`, c.ID)
		c.Used = true

		return err
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *SQLiteStore) SetLatestVideo(ctx context.Context, channelID, videoURL string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fleet_channel_watermarks (channel_id, latest_video_url, updated_at) VALUES (?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET latest_video_url=excluded.latest_video_url, updated_at=excluded.updated_at`,
		channelID, videoURL, ts(at))
	if err != nil {
		return fmt.Errorf("set latest video: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LatestVideo(ctx context.Context, channelID string) (string, error) {
	var u string

	err := s.db.QueryRowContext(ctx, `SELECT latest_video_url FROM fleet_channel_watermarks WHERE channel_id = ?`, channelID).Scan(&u)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	return u, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func scanSQLiteJob(row sqlRow) (*models.Job, error) {
	var (
		j                    models.Job
		params, status       string
		priority, comments   int
		createdAt, updatedAt string
	)

	err := row.Scan(&j.JobID, &j.Title, &params, &status, &priority, &comments, &j.TargetCount,
		&j.AssignedCount, &j.CompletedCount, &j.FailedCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}

	j.Status = models.JobStatus(status)
	j.Priority = priority != 0
	j.CommentsEnabled = comments != 0
	j.CreatedAt, _ = parseTS(createdAt)
	j.UpdatedAt, _ = parseTS(updatedAt)

	return &j, nil
}

func scanSQLiteAssignment(row sqlRow) (*models.Assignment, error) {
	var (
		a                   models.Assignment
		status, createdAt   string
		startedAt, finished sql.NullString
	)

	err := row.Scan(&a.AssignmentID, &a.JobID, &a.DeviceID, &a.HostID, &status, &a.Progress, &a.Error,
		&createdAt, &startedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scan assignment: %w", err)
	}

	a.Status = models.AssignmentStatus(status)
	a.CreatedAt, _ = parseTS(createdAt)
	a.StartedAt = nullableParse(startedAt)
	a.FinishedAt = nullableParse(finished)

	return &a, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}

	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

func nullableParse(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}

	t, err := parseTS(v.String)
	if err != nil {
		return nil
	}

	return &t
}

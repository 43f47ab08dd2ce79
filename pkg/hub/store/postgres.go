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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS fleet_jobs (
	job_id           TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	params           JSONB NOT NULL,
	status           TEXT NOT NULL,
	priority         BOOLEAN NOT NULL DEFAULT FALSE,
	comments_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	target_count     INTEGER NOT NULL,
	assigned_count   INTEGER NOT NULL DEFAULT 0,
	completed_count  INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	CHECK (completed_count + failed_count <= assigned_count)
);
CREATE INDEX IF NOT EXISTS fleet_jobs_pick_idx ON fleet_jobs (priority DESC, created_at ASC) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS fleet_assignments (
	assignment_id TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES fleet_jobs(job_id) ON DELETE CASCADE,
	device_id     TEXT NOT NULL,
	host_id       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS fleet_assignments_device_idx ON fleet_assignments (device_id, status);
CREATE INDEX IF NOT EXISTS fleet_assignments_job_idx ON fleet_assignments (job_id);

CREATE TABLE IF NOT EXISTS fleet_devices (
	device_id             TEXT PRIMARY KEY,
	hardware_serial       TEXT NOT NULL DEFAULT '',
	host_id               TEXT NOT NULL,
	slot                  INTEGER NOT NULL,
	ip                    TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	last_heartbeat_at     TIMESTAMPTZ NOT NULL,
	current_assignment_id TEXT NOT NULL DEFAULT '',
	initialized           BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fleet_comments (
	comment_id TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES fleet_jobs(job_id) ON DELETE CASCADE,
	content    TEXT NOT NULL,
	used       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	used_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS fleet_comments_unused_idx ON fleet_comments (job_id, created_at) WHERE NOT used;

CREATE TABLE IF NOT EXISTS fleet_channel_watermarks (
	channel_id       TEXT PRIMARY KEY,
	latest_video_url TEXT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

const (
	jobColumns        = `job_id, title, params, status, priority, comments_enabled, target_count, assigned_count, completed_count, failed_count, created_at, updated_at`
	assignmentColumns = `assignment_id, job_id, device_id, host_id, status, progress, error, created_at, started_at, finished_at`
	deviceColumns     = `device_id, hardware_serial, host_id, slot, ip, status, last_heartbeat_at, current_assignment_id, initialized, updated_at`
)

// PostgresStore persists to PostgreSQL through a pgx pool. Counter updates
// are single statements so concurrent completions never lose increments.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore dials cfg.DSN, applies the schema and returns the store.
func NewPostgresStore(ctx context.Context, cfg *models.StoreConfig, log logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = "fleet-hub"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("connected to PostgreSQL")

	return &PostgresStore{pool: pool, logger: log}, nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
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

	_, err = p.pool.Exec(ctx, `
INSERT INTO fleet_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.JobID, job.Title, string(params), job.Status, job.Priority, job.CommentsEnabled, job.TargetCount,
		job.AssignedCount, job.CompletedCount, job.FailedCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM fleet_jobs WHERE job_id = $1`, jobID))
}

func (p *PostgresStore) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+jobColumns+` FROM fleet_jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *j)
	}

	return out, rows.Err()
}

func (p *PostgresStore) SetJobStatus(ctx context.Context, jobID string, from []models.JobStatus, to models.JobStatus) (*models.Job, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	j, err := scanJob(p.pool.QueryRow(ctx, `
UPDATE fleet_jobs SET status = $2, updated_at = now()
WHERE job_id = $1 AND status = ANY($3)
RETURNING `+jobColumns, jobID, to, allowed))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetJob(ctx, jobID); getErr != nil {
			return nil, getErr
		}

		return nil, fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
	}

	return j, err
}

func (p *PostgresStore) AddAssignment(ctx context.Context, a *models.Assignment) (*models.Job, error) {
	var job *models.Job

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var err error

		job, err = p.insertAssignment(ctx, tx, a)

		return err
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (p *PostgresStore) insertAssignment(ctx context.Context, tx pgx.Tx, a *models.Assignment) (*models.Job, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	a.Status = models.AssignmentPending

	job, err := scanJob(tx.QueryRow(ctx, `
UPDATE fleet_jobs SET assigned_count = assigned_count + 1, updated_at = $2
WHERE job_id = $1 AND status = 'active'
RETURNING `+jobColumns, a.JobID, a.CreatedAt))
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if qErr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM fleet_jobs WHERE job_id = $1)`, a.JobID).Scan(&exists); qErr != nil {
			return nil, qErr
		}

		if exists {
			return nil, ErrJobNotActive
		}

		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO fleet_assignments (assignment_id, job_id, device_id, host_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		a.AssignmentID, a.JobID, a.DeviceID, a.HostID, a.Status, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}

	return job, nil
}

func (p *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	return scanAssignment(p.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM fleet_assignments WHERE assignment_id = $1`, assignmentID))
}

func (p *PostgresStore) ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM fleet_assignments WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []models.Assignment

	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *a)
	}

	return out, rows.Err()
}

func (p *PostgresStore) MarkAssignmentRunning(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE fleet_assignments SET status = 'running', started_at = $2
WHERE assignment_id = $1 AND status = 'pending'`, assignmentID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark assignment running: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := p.GetAssignment(ctx, assignmentID); err != nil {
		return false, err
	}

	return false, nil
}

func (p *PostgresStore) UpdateAssignmentProgress(ctx context.Context, assignmentID string, progress int) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE fleet_assignments SET progress = $2
WHERE assignment_id = $1 AND status IN ('pending', 'running')`, assignmentID, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	if tag.RowsAffected() == 0 {
		_, err = p.GetAssignment(ctx, assignmentID)
		return err
	}

	return nil
}

// completeAssignmentSQL marks the assignment terminal and bumps the parent job
// in one statement. A second call matches no assignment row, so the job
// update joins against an empty set and nothing changes.
const completeAssignmentSQL = `
WITH done AS (
	UPDATE fleet_assignments
	SET status = $2::text,
	    error = $3,
	    finished_at = $4,
	    progress = CASE WHEN $2::text = 'completed' THEN 100 ELSE progress END
	WHERE assignment_id = $1 AND status IN ('pending', 'running')
	RETURNING job_id
), bumped AS (
	UPDATE fleet_jobs j
	SET completed_count = j.completed_count + CASE WHEN $2::text = 'completed' THEN 1 ELSE 0 END,
	    failed_count = j.failed_count + CASE WHEN $2::text = 'failed' THEN 1 ELSE 0 END,
	    status = CASE
	        WHEN j.status IN ('active', 'paused')
             AND j.assigned_count >= j.target_count
             AND j.completed_count + j.failed_count + 1 >= j.assigned_count
	        THEN 'completed' ELSE j.status END,
	    updated_at = $4
	FROM done
	WHERE j.job_id = done.job_id
	RETURNING j.job_id
)
SELECT count(*) FROM bumped`

func (p *PostgresStore) CompleteAssignment(ctx context.Context, assignmentID string, outcome models.Outcome, errMsg string, at time.Time) (*models.CompletionResult, error) {
	status := models.AssignmentFailed
	if outcome == models.OutcomeSuccess {
		status = models.AssignmentCompleted
	}

	result := &models.CompletionResult{}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var applied int
		if err := tx.QueryRow(ctx, completeAssignmentSQL, assignmentID, string(status), errMsg, at.UTC()).Scan(&applied); err != nil {
			return fmt.Errorf("complete assignment: %w", err)
		}

		a, err := scanAssignment(tx.QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM fleet_assignments WHERE assignment_id = $1`, assignmentID))
		if err != nil {
			return err
		}

		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM fleet_jobs WHERE job_id = $1`, a.JobID))
		if err != nil {
			return err
		}

		result.Applied = applied == 1
		result.Assignment = *a
		result.Job = *j

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (p *PostgresStore) ClaimJobForDevice(ctx context.Context, deviceID, hostID, assignmentID string, now time.Time) (*models.Assignment, *models.Job, error) {
	var (
		assignment *models.Assignment
		job        *models.Job
	)

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		a, err := scanAssignment(tx.QueryRow(ctx, `
SELECT a.assignment_id, a.job_id, a.device_id, a.host_id, a.status, a.progress, a.error, a.created_at, a.started_at, a.finished_at
FROM fleet_assignments a JOIN fleet_jobs j ON j.job_id = a.job_id
WHERE a.device_id = $1 AND a.status = 'pending' AND j.status = 'active'
ORDER BY a.created_at ASC
LIMIT 1
FOR UPDATE OF a SKIP LOCKED`, deviceID))

		switch {
		case err == nil:
			assignment = a
			job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM fleet_jobs WHERE job_id = $1`, a.JobID))

			return err
		case !errors.Is(err, ErrNotFound):
			return err
		}

		var jobID string

		err = tx.QueryRow(ctx, `
SELECT j.job_id FROM fleet_jobs j
WHERE j.status = 'active'
  AND j.assigned_count < j.target_count
  AND NOT EXISTS (SELECT 1 FROM fleet_assignments a WHERE a.job_id = j.job_id AND a.device_id = $1)
ORDER BY j.priority DESC, j.created_at ASC, j.job_id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, deviceID).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
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

		job, err = p.insertAssignment(ctx, tx, assignment)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return assignment, job, nil
}

func (p *PostgresStore) UpsertDevice(ctx context.Context, d *models.Device) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO fleet_devices (`+deviceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (device_id) DO UPDATE SET
	hardware_serial = EXCLUDED.hardware_serial,
	host_id = EXCLUDED.host_id,
	slot = EXCLUDED.slot,
	ip = EXCLUDED.ip,
	status = EXCLUDED.status,
	last_heartbeat_at = EXCLUDED.last_heartbeat_at,
	current_assignment_id = EXCLUDED.current_assignment_id,
	initialized = EXCLUDED.initialized,
	updated_at = EXCLUDED.updated_at`,
		d.DeviceID, d.HardwareSerial, d.HostID, d.Slot, d.IP, d.Status, d.LastHeartbeatAt.UTC(),
		d.CurrentAssignmentID, d.Initialized, d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	return nil
}

func (p *PostgresStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+deviceColumns+` FROM fleet_devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device

	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.DeviceID, &d.HardwareSerial, &d.HostID, &d.Slot, &d.IP, &d.Status,
			&d.LastHeartbeatAt, &d.CurrentAssignmentID, &d.Initialized, &d.UpdatedAt); err != nil {
			return nil, err
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

func (p *PostgresStore) AddComments(ctx context.Context, jobID string, contents []string) (int, error) {
	added := 0

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM fleet_jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
			return err
		}

		if !exists {
			return ErrNotFound
		}

		batch := &pgx.Batch{}

		for _, c := range contents {
			if c == "" {
				continue
			}

			batch.Queue(`INSERT INTO fleet_comments (comment_id, job_id, content, created_at) VALUES ($1, $2, $3, clock_timestamp())`,
				uuid.NewString(), jobID, c)
			added++
		}

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, err
	}

	return added, nil
}

func (p *PostgresStore) ClaimComment(ctx context.Context, jobID string) (*models.Comment, error) {
	var c models.Comment

	err := p.pool.QueryRow(ctx, `
UPDATE fleet_comments SET used = TRUE, used_at = now()
WHERE comment_id = (
	SELECT comment_id FROM fleet_comments
	WHERE job_id = $1 AND NOT used
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING comment_id, job_id, content, used`, jobID).Scan(&c.ID, &c.JobID, &c.Content, &c.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("claim comment: %w", err)
	}

	return &c, nil
}

func (p *PostgresStore) SetLatestVideo(ctx context.Context, channelID, videoURL string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO fleet_channel_watermarks (channel_id, latest_video_url, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (channel_id) DO UPDATE SET latest_video_url = EXCLUDED.latest_video_url, updated_at = EXCLUDED.updated_at`,
		channelID, videoURL, at.UTC())
	if err != nil {
		return fmt.Errorf("set latest video: %w", err)
	}

	return nil
}

func (p *PostgresStore) LatestVideo(ctx context.Context, channelID string) (string, error) {
	var u string

	err := p.pool.QueryRow(ctx, `SELECT latest_video_url FROM fleet_channel_watermarks WHERE channel_id = $1`, channelID).Scan(&u)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}

	return u, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		params []byte
	)

	err := row.Scan(&j.JobID, &j.Title, &params, &j.Status, &j.Priority, &j.CommentsEnabled, &j.TargetCount,
		&j.AssignedCount, &j.CompletedCount, &j.FailedCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, wrapPgError("scan job", err)
	}

	if err := json.Unmarshal(params, &j.Params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}

	return &j, nil
}

func scanAssignment(row pgx.Row) (*models.Assignment, error) {
	var a models.Assignment

	err := row.Scan(&a.AssignmentID, &a.JobID, &a.DeviceID, &a.HostID, &a.Status, &a.Progress, &a.Error,
		&a.CreatedAt, &a.StartedAt, &a.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, wrapPgError("scan assignment", err)
	}

	return &a, nil
}

func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %s (%s): %w", op, pgErr.Message, pgErr.Code, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a stage change would leave a terminal
// stage or re-enter one already passed.
var ErrInvalidTransition = errors.New("invalid stage transition")

// Create inserts a job in the received stage and records its first history entry.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is empty")
	}
	if strings.TrimSpace(job.TargetFormat) == "" {
		return errors.New("job target format is empty")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.Stage = StageReceived

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (
                id, acsm_path, manifest_hash, title, source_format, target_format,
                stage, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			job.ACSMPath,
			nullableString(job.ManifestHash),
			nullableString(job.Title),
			nullableString(job.SourceFormat),
			job.TargetFormat,
			job.Stage,
			formatTime(job.CreatedAt),
			formatTime(job.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return insertHistory(ctx, tx, job.ID, job.Stage, job.CreatedAt)
	})
}

// Get fetches a job by id. It returns nil, nil when the job does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(filter.Stages) > 0 {
		query += ` WHERE stage IN (` + makePlaceholders(len(filter.Stages)) + `)`
		for _, stage := range filter.Stages {
			args = append(args, stage)
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetStage moves a job into a non-terminal stage and appends it to the history.
func (s *Store) SetStage(ctx context.Context, id string, stage Stage) error {
	if stage.IsTerminal() {
		return fmt.Errorf("%w: use SetDone or SetFailed for %s", ErrInvalidTransition, stage)
	}
	now := time.Now().UTC()
	return s.transition(ctx, id, stage, now, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET stage = ?, updated_at = ? WHERE id = ?`,
			stage, formatTime(now), id,
		)
		return err
	})
}

// SetDone marks a job finished with its published artifact.
func (s *Store) SetDone(ctx context.Context, id, artifactPath string) error {
	if strings.TrimSpace(artifactPath) == "" {
		return errors.New("artifact path is empty")
	}
	now := time.Now().UTC()
	return s.transition(ctx, id, StageDone, now, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET stage = ?, artifact_path = ?, error_kind = NULL, error_message = NULL,
                 updated_at = ?, finished_at = ? WHERE id = ?`,
			StageDone, artifactPath, formatTime(now), formatTime(now), id,
		)
		return err
	})
}

// SetFailed marks a job failed with its classified error. A failed job never
// carries an artifact path.
func (s *Store) SetFailed(ctx context.Context, id, kind, message string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, StageFailed, now, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET stage = ?, artifact_path = NULL, error_kind = ?, error_message = ?,
                 updated_at = ?, finished_at = ? WHERE id = ?`,
			StageFailed, nullableString(kind), nullableString(message), formatTime(now), formatTime(now), id,
		)
		return err
	})
}

// MarkDelivered stamps the delivery time. Only done jobs can be delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string, removedArtifact bool) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET delivered_at = ?, updated_at = ? WHERE id = ? AND stage = ?`
	if removedArtifact {
		query = `UPDATE jobs SET delivered_at = ?, updated_at = ?, artifact_path = NULL WHERE id = ? AND stage = ?`
	}
	res, err := s.execWithRetry(ctx, query, formatTime(now), formatTime(now), id, StageDone)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s is not done", ErrInvalidTransition, id)
	}
	return nil
}

// History returns the stage sequence of a job in order of entry.
func (s *Store) History(ctx context.Context, id string) ([]StageEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT stage, entered_at FROM stage_history WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("stage history: %w", err)
	}
	defer rows.Close()

	var entries []StageEntry
	for rows.Next() {
		var (
			stage   string
			entered string
		)
		if err := rows.Scan(&stage, &entered); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		entry := StageEntry{Stage: Stage(stage)}
		if ts, err := parseTimeString(entered); err == nil {
			entry.EnteredAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Recover fails every job left in a non-terminal stage by a previous process.
func (s *Store) Recover(ctx context.Context, kind string) ([]string, error) {
	jobs, err := s.List(ctx, Filter{Stages: []Stage{StageReceived, StageFulfilling, StageStripping, StageConverting}})
	if err != nil {
		return nil, err
	}
	recovered := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if err := s.SetFailed(ctx, job.ID, kind, RestartMessage); err != nil {
			return recovered, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		recovered = append(recovered, job.ID)
	}
	return recovered, nil
}

// PurgeFinishedBefore removes terminal jobs that finished before cutoff along
// with their history. The fulfilled-manifest ledger is kept.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM jobs WHERE stage IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StageDone, StageFailed, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) transition(ctx context.Context, id string, next Stage, at time.Time, apply func(*sql.Tx) error) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT stage FROM jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, sql.ErrNoRows)
		}
		if err != nil {
			return fmt.Errorf("read stage: %w", err)
		}
		if !allowedTransition(Stage(current), next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}
		if err := apply(tx); err != nil {
			return fmt.Errorf("update job stage: %w", err)
		}
		return insertHistory(ctx, tx, id, next, at)
	})
}

func allowedTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	order := map[Stage]int{
		StageReceived:   0,
		StageFulfilling: 1,
		StageStripping:  2,
		StageConverting: 3,
		StageDone:       4,
	}
	return order[to] == order[from]+1
}

func insertHistory(ctx context.Context, tx *sql.Tx, id string, stage Stage, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_history (job_id, stage, entered_at) VALUES (?, ?, ?)`,
		id, stage, formatTime(at),
	); err != nil {
		return fmt.Errorf("insert stage history: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

func (s *Store) CreateCronJob(ctx context.Context, job *CronJob) error {
	job.CreatedAt = now()
	job.UpdatedAt = job.CreatedAt
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cron_jobs (id, agent_id, name, cron_expr, timezone, prompt, timeout_seconds,
			enabled, session_id, last_status, last_summary, last_run_at, created_at, updated_at)
		VALUES (:id, :agent_id, :name, :cron_expr, :timezone, :prompt, :timeout_seconds,
			:enabled, :session_id, :last_status, :last_summary, :last_run_at, :created_at, :updated_at)`, job); err != nil {
		return fmt.Errorf("inserting cron job, %w", err)
	}
	return nil
}

func (s *Store) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	job := &CronJob{}
	if err := s.db.GetContext(ctx, job, `SELECT * FROM cron_jobs WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("cron job %q not found", id)
		}
		return nil, fmt.Errorf("reading cron job, %w", err)
	}
	return job, nil
}

func (s *Store) ListCronJobs(ctx context.Context, agentID *string) ([]*CronJob, error) {
	jobs := []*CronJob{}
	var err error
	if agentID != nil {
		err = s.db.SelectContext(ctx, &jobs, `SELECT * FROM cron_jobs WHERE agent_id = $1 ORDER BY created_at`, *agentID)
	} else {
		err = s.db.SelectContext(ctx, &jobs, `SELECT * FROM cron_jobs ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing cron jobs, %w", err)
	}
	return jobs, nil
}

func (s *Store) UpdateCronJob(ctx context.Context, job *CronJob) error {
	job.UpdatedAt = now()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE cron_jobs SET name = :name, cron_expr = :cron_expr, timezone = :timezone,
			prompt = :prompt, timeout_seconds = :timeout_seconds, enabled = :enabled,
			session_id = :session_id, updated_at = :updated_at
		WHERE id = :id`, job)
	if err != nil {
		return fmt.Errorf("updating cron job, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("cron job %q not found", job.ID)
	}
	return nil
}

// RecordCronRun captures the execution summary written back by the runner pod.
func (s *Store) RecordCronRun(ctx context.Context, id, status, summary string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_status = $1, last_summary = $2, last_run_at = $3, updated_at = $4
		WHERE id = $5`, status, summary, at, now(), id); err != nil {
		return fmt.Errorf("recording cron run, %w", err)
	}
	return nil
}

func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting cron job, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("cron job %q not found", id)
	}
	return nil
}

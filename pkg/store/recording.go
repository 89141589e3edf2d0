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
	"strings"
	"time"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

type RecordingFilter struct {
	CameraID *string
	Status   *RecordingStatus
	Limit    int
	Offset   int
}

// RecordingPatch is a partial update written back by the recorder pod.
type RecordingPatch struct {
	Status          *RecordingStatus `json:"status,omitempty"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
	FileSizeBytes   *int64           `json:"file_size_bytes,omitempty"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
	NodeName        *string          `json:"node_name,omitempty"`
}

// CreateRecording inserts a new recording row. The partial unique index on
// (camera_id) WHERE status='recording' enforces at most one active recording
// per camera; a second concurrent insert surfaces as Conflict.
func (s *Store) CreateRecording(ctx context.Context, recording *Recording) error {
	recording.CreatedAt = now()
	recording.UpdatedAt = recording.CreatedAt
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recordings (id, camera_id, camera_name, file_path, file_name, start_time,
			end_time, duration_seconds, file_size_bytes, status, error_message, node_name,
			camera_deleted, created_at, updated_at)
		VALUES (:id, :camera_id, :camera_name, :file_path, :file_name, :start_time,
			:end_time, :duration_seconds, :file_size_bytes, :status, :error_message, :node_name,
			:camera_deleted, :created_at, :updated_at)`, recording)
	if isUniqueViolation(err) {
		return errors.Conflict("camera %v already has an active recording", recording.CameraID)
	}
	if err != nil {
		return fmt.Errorf("inserting recording, %w", err)
	}
	return nil
}

func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	recording := &Recording{}
	if err := s.db.GetContext(ctx, recording, `SELECT * FROM recordings WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("recording %q not found", id)
		}
		return nil, fmt.Errorf("reading recording, %w", err)
	}
	return recording, nil
}

func (s *Store) ListRecordings(ctx context.Context, filter RecordingFilter) ([]*Recording, error) {
	clauses := []string{}
	args := []interface{}{}
	if filter.CameraID != nil {
		args = append(args, *filter.CameraID)
		clauses = append(clauses, fmt.Sprintf("camera_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT * FROM recordings`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	recordings := []*Recording{}
	if err := s.db.SelectContext(ctx, &recordings, query, args...); err != nil {
		return nil, fmt.Errorf("listing recordings, %w", err)
	}
	return recordings, nil
}

// ActiveRecording returns the camera's recording in status=recording, or nil.
func (s *Store) ActiveRecording(ctx context.Context, cameraID string) (*Recording, error) {
	recording := &Recording{}
	err := s.db.GetContext(ctx, recording, `
		SELECT * FROM recordings WHERE camera_id = $1 AND status = $2`, cameraID, RecordingActive)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading active recording, %w", err)
	}
	return recording, nil
}

// ListActiveRecordings feeds the sweeper's orphan repair pass.
func (s *Store) ListActiveRecordings(ctx context.Context) ([]*Recording, error) {
	status := RecordingActive
	return s.ListRecordings(ctx, RecordingFilter{Status: &status})
}

func (s *Store) PatchRecording(ctx context.Context, id string, patch RecordingPatch) (*Recording, error) {
	recording, err := s.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	wasActive := recording.Status == RecordingActive
	if patch.Status != nil {
		recording.Status = *patch.Status
	}
	if patch.EndTime != nil {
		recording.EndTime = patch.EndTime
	}
	if patch.DurationSeconds != nil {
		recording.DurationSeconds = patch.DurationSeconds
	}
	if patch.FileSizeBytes != nil {
		recording.FileSizeBytes = patch.FileSizeBytes
	}
	if patch.ErrorMessage != nil {
		recording.ErrorMessage = patch.ErrorMessage
	}
	if patch.NodeName != nil {
		recording.NodeName = patch.NodeName
	}
	// Leaving the recording state always stamps end_time and duration.
	if wasActive && recording.Status != RecordingActive {
		if recording.EndTime == nil {
			ts := now()
			recording.EndTime = &ts
		}
		if recording.DurationSeconds == nil {
			d := recording.EndTime.Sub(recording.StartTime).Seconds()
			recording.DurationSeconds = &d
		}
	}
	recording.UpdatedAt = now()
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE recordings SET status = :status, end_time = :end_time,
			duration_seconds = :duration_seconds, file_size_bytes = :file_size_bytes,
			error_message = :error_message, node_name = :node_name, updated_at = :updated_at
		WHERE id = :id`, recording)
	if err != nil {
		return nil, fmt.Errorf("patching recording, %w", err)
	}
	return recording, nil
}

func (s *Store) DeleteRecording(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting recording, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("recording %q not found", id)
	}
	return nil
}

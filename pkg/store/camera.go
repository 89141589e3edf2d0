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
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type CameraFilter struct {
	Protocol *Protocol
	Status   *Status
	Node     *string
}

func (s *Store) CreateCamera(ctx context.Context, camera *Camera) error {
	camera.CreatedAt = now()
	camera.UpdatedAt = camera.CreatedAt
	if camera.Metadata == nil {
		camera.Metadata = Metadata{}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cameras (id, name, protocol, location, source_url, device_path, node_name,
			deployment_name, service_name, stream_port, control_port, status, resolution,
			framerate, metadata, created_at, updated_at)
		VALUES (:id, :name, :protocol, :location, :source_url, :device_path, :node_name,
			:deployment_name, :service_name, :stream_port, :control_port, :status, :resolution,
			:framerate, :metadata, :created_at, :updated_at)`, camera)
	if isUniqueViolation(err) {
		return errors.Conflict("camera %q already exists", camera.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting camera, %w", err)
	}
	return nil
}

func (s *Store) GetCamera(ctx context.Context, id string) (*Camera, error) {
	camera := &Camera{}
	if err := s.db.GetContext(ctx, camera, `SELECT * FROM cameras WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("camera %q not found", id)
		}
		return nil, fmt.Errorf("reading camera, %w", err)
	}
	return camera, nil
}

func (s *Store) ListCameras(ctx context.Context, filter CameraFilter) ([]*Camera, error) {
	clauses := []string{}
	args := map[string]interface{}{}
	if filter.Protocol != nil {
		clauses = append(clauses, "protocol = :protocol")
		args["protocol"] = *filter.Protocol
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = :status")
		args["status"] = *filter.Status
	}
	if filter.Node != nil {
		clauses = append(clauses, "node_name = :node_name")
		args["node_name"] = *filter.Node
	}
	query := `SELECT * FROM cameras`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := sqlx.NamedQueryContext(ctx, s.db, query, args)
	if err != nil {
		return nil, fmt.Errorf("listing cameras, %w", err)
	}
	defer rows.Close()
	cameras := []*Camera{}
	for rows.Next() {
		camera := &Camera{}
		if err := rows.StructScan(camera); err != nil {
			return nil, fmt.Errorf("scanning camera, %w", err)
		}
		cameras = append(cameras, camera)
	}
	return cameras, rows.Err()
}

// ListCameraIDs returns the set of known camera IDs. Used by the sweeper to
// decide which workloads still have an owner.
func (s *Store) ListCameraIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM cameras`); err != nil {
		return nil, fmt.Errorf("listing camera ids, %w", err)
	}
	return ids, nil
}

func (s *Store) UpdateCamera(ctx context.Context, camera *Camera) error {
	camera.UpdatedAt = now()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE cameras SET name = :name, protocol = :protocol, location = :location,
			source_url = :source_url, device_path = :device_path, node_name = :node_name,
			deployment_name = :deployment_name, service_name = :service_name,
			stream_port = :stream_port, control_port = :control_port, status = :status,
			resolution = :resolution, framerate = :framerate, metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id`, camera)
	if err != nil {
		return fmt.Errorf("updating camera, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("camera %q not found", camera.ID)
	}
	return nil
}

// TransitionCamera CAS-updates the camera status. Conflicting concurrent
// mutations surface as Conflict, which the adapter maps to 400/409.
func (s *Store) TransitionCamera(ctx context.Context, id string, from []Status, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cameras SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4::text[])`,
		to, now(), id, "{"+strings.Join(lo.Map(from, func(s Status, _ int) string { return string(s) }), ",")+"}")
	if err != nil {
		return fmt.Errorf("transitioning camera, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetCamera(ctx, id)
		if err != nil {
			return err
		}
		return errors.Conflict("camera %q is %s, cannot transition to %s", id, current.Status, to)
	}
	return nil
}

// SetCameraError captures a cluster failure on the row. Never retried
// automatically; the next explicit action is the retry.
func (s *Store) SetCameraError(ctx context.Context, id string, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cameras SET status = $1, metadata = metadata || jsonb_build_object('error', $2::text),
			updated_at = $3
		WHERE id = $4`, StatusError, message, now(), id)
	if err != nil {
		return fmt.Errorf("recording camera error, %w", err)
	}
	return nil
}

// FindDuplicateCamera enforces the uniqueness invariants: usb cameras may not
// share (node_name, device_path); network cameras may not share a source_url
// host:port. The stream path does not distinguish cameras, only the endpoint.
func (s *Store) FindDuplicateCamera(ctx context.Context, camera *Camera) (*Camera, error) {
	if camera.Protocol == ProtocolUSB {
		dup := &Camera{}
		err := s.db.GetContext(ctx, dup, `
			SELECT * FROM cameras WHERE protocol = 'usb' AND node_name = $1 AND device_path = $2 AND id != $3`,
			camera.NodeName, camera.DevicePath, camera.ID)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("checking duplicate camera, %w", err)
		}
		return dup, nil
	}
	candidates := []*Camera{}
	if err := s.db.SelectContext(ctx, &candidates, `
		SELECT * FROM cameras WHERE protocol != 'usb' AND id != $1`, camera.ID); err != nil {
		return nil, fmt.Errorf("checking duplicate camera, %w", err)
	}
	endpoint := SourceHostPort(lo.FromPtr(camera.SourceURL))
	for _, candidate := range candidates {
		if SourceHostPort(lo.FromPtr(candidate.SourceURL)) == endpoint {
			return candidate, nil
		}
	}
	return nil, nil
}

// SourceHostPort reduces a source URL to its host:port, filling in the scheme
// default when the port is omitted. Unparseable values compare verbatim.
func SourceHostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "rtsp":
			host += ":554"
		case "http", "onvif":
			host += ":80"
		case "https":
			host += ":443"
		}
	}
	return strings.ToLower(host)
}

// DeleteCamera removes the row and detaches its recordings in one transaction.
// Recording rows are never deleted here; active ones are stopped and flagged.
func (s *Store) DeleteCamera(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE recordings SET status = $1, end_time = COALESCE(end_time, $2),
				camera_deleted = TRUE, updated_at = $2
			WHERE camera_id = $3 AND status = $4`, RecordingStopped, ts, id, RecordingActive); err != nil {
			return fmt.Errorf("stopping recordings for deleted camera, %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE recordings SET camera_deleted = TRUE, updated_at = $1 WHERE camera_id = $2`, ts, id); err != nil {
			return fmt.Errorf("flagging recordings for deleted camera, %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cameras WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("deleting camera, %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("camera %q not found", id)
		}
		return nil
	})
}

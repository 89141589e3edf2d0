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

// Package recorder supervises per-camera recorder pods and the recording
// rows they produce.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

// Store is the slice of persistence the supervisor needs.
type Store interface {
	ActiveRecording(ctx context.Context, cameraID string) (*store.Recording, error)
	PatchRecording(ctx context.Context, id string, patch store.RecordingPatch) (*store.Recording, error)
}

type Supervisor struct {
	store      Store
	cluster    cluster.Client
	manifests  *manifest.Generator
	namespace  string
	readyWait  time.Duration
	httpClient *http.Client
}

func NewSupervisor(recordingStore Store, clusterClient cluster.Client, manifests *manifest.Generator, namespace string, readyWait time.Duration) *Supervisor {
	return &Supervisor{
		store:      recordingStore,
		cluster:    clusterClient,
		manifests:  manifests,
		namespace:  namespace,
		readyWait:  readyWait,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deploy applies the recorder Deployment and Service for a camera. Placement
// follows the camera's node; network cameras without one fall back to the
// configured recorder node.
func (s *Supervisor) Deploy(ctx context.Context, camera *store.Camera) error {
	nodeName := lo.FromPtr(camera.NodeName)
	if nodeName == "" {
		nodeName = settings.FromContext(ctx).DefaultRecorderNode
	}
	workloads := s.manifests.Recorder(camera, nodeName)
	if err := s.cluster.ApplyDeployment(ctx, workloads.Deployment); err != nil {
		return err
	}
	_, err := s.cluster.ApplyService(ctx, workloads.Service)
	return err
}

// ensureReady deploys the recorder if needed and waits for its pod to report
// Running. Returns Transient once the wait lapses so callers map it to
// a retryable response.
func (s *Supervisor) ensureReady(ctx context.Context, camera *store.Camera) error {
	if err := s.Deploy(ctx, camera); err != nil {
		return err
	}
	selector := fmt.Sprintf("%s=%s", names.RecorderForLabel, camera.ID)
	err := retry.Do(func() error {
		status, err := s.cluster.GetPodStatusForSelector(ctx, selector)
		if err != nil {
			return err
		}
		if status.Phase != corev1.PodRunning {
			return fmt.Errorf("recorder pod is %s", status.Phase)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(uint(s.readyWait/(2*time.Second))+1),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Transient("recorder for camera %q is still deploying", camera.ID)
	}
	return nil
}

// Start asks the camera's recorder to begin recording. The recorder pod owns
// the Recording row: it calls back into the API to create it once the file is
// open, so success here means "the recorder accepted the start".
func (s *Supervisor) Start(ctx context.Context, camera *store.Camera) error {
	if camera.Status != store.StatusRunning {
		return errors.Validation("camera %q is %s, recordings require a running camera", camera.Name, camera.Status)
	}
	if camera.StreamPort == nil {
		return errors.Validation("camera %q has no stream port yet", camera.Name)
	}
	if active, err := s.store.ActiveRecording(ctx, camera.ID); err != nil {
		return err
	} else if active != nil {
		return errors.Conflict("camera %q already has an active recording %s", camera.Name, active.ID)
	}
	if err := s.ensureReady(ctx, camera); err != nil {
		return err
	}
	if err := s.rpc(ctx, camera, "/start", map[string]string{
		"camera_id":   camera.ID,
		"camera_name": camera.Name,
	}); err != nil {
		return err
	}
	log.FromContext(ctx).Info("recorder accepted start", "camera", camera.Name)
	return nil
}

// Stop asks the recorder to end the active recording. The recorder patches
// the row to stopped with end_time and file size once the file is finalized.
func (s *Supervisor) Stop(ctx context.Context, camera *store.Camera) error {
	if _, err := s.cluster.GetService(ctx, names.RecorderService(camera.Slug())); err != nil {
		if errors.IsNotFound(err) {
			return errors.Validation("camera %q has no recorder", camera.Name)
		}
		return err
	}
	return s.rpc(ctx, camera, "/stop", map[string]string{"camera_id": camera.ID})
}

// Status returns the camera's active recording row, nil when idle.
func (s *Supervisor) Status(ctx context.Context, camera *store.Camera) (*store.Recording, error) {
	return s.store.ActiveRecording(ctx, camera.ID)
}

// RepairOrphaned closes a recording whose recorder pod no longer exists.
func (s *Supervisor) RepairOrphaned(ctx context.Context, recording *store.Recording) error {
	_, err := s.store.PatchRecording(ctx, recording.ID, store.RecordingPatch{
		Status:       lo.ToPtr(store.RecordingStopped),
		ErrorMessage: lo.ToPtr("recorder pod gone"),
	})
	return err
}

// HasPod reports whether a recorder pod currently exists for the camera.
func (s *Supervisor) HasPod(ctx context.Context, cameraID string) (bool, error) {
	_, err := s.cluster.GetPodStatusForSelector(ctx, fmt.Sprintf("%s=%s", names.RecorderForLabel, cameraID))
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Supervisor) rpc(ctx context.Context, camera *store.Camera, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding recorder request, %w", err)
	}
	url := fmt.Sprintf("http://%s:%d%s", names.RecorderServiceHost(camera.Slug(), s.namespace), manifest.ControlPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building recorder request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Transient("calling recorder for camera %q, %s", camera.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Transient("recorder for camera %q returned %d: %s", camera.Name, resp.StatusCode, string(msg))
	}
	return nil
}

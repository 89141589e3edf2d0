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

// Package camera drives the camera state machine. Mutations CAS the status
// row first, so conflicting concurrent transitions surface as Conflict instead
// of racing; cluster failures are captured on the row and never retried
// automatically.
package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/recorder"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

const (
	// How long an async delete waits for pod termination. USB pods get extra
	// grace because the capture binary holds the device open.
	terminationWait    = 15 * time.Second
	usbTerminationWait = 30 * time.Second
)

// Store is the slice of persistence the camera controller needs.
type Store interface {
	CreateCamera(ctx context.Context, camera *store.Camera) error
	GetCamera(ctx context.Context, id string) (*store.Camera, error)
	ListCameras(ctx context.Context, filter store.CameraFilter) ([]*store.Camera, error)
	UpdateCamera(ctx context.Context, camera *store.Camera) error
	TransitionCamera(ctx context.Context, id string, from []store.Status, to store.Status) error
	SetCameraError(ctx context.Context, id string, message string) error
	FindDuplicateCamera(ctx context.Context, camera *store.Camera) (*store.Camera, error)
	DeleteCamera(ctx context.Context, id string) error
}

type Controller struct {
	store     Store
	cluster   cluster.Client
	manifests *manifest.Generator
	recorders *recorder.Supervisor
}

func NewController(cameraStore Store, clusterClient cluster.Client, manifests *manifest.Generator, recorders *recorder.Supervisor) *Controller {
	return &Controller{
		store:     cameraStore,
		cluster:   clusterClient,
		manifests: manifests,
		recorders: recorders,
	}
}

// Create validates and persists a new camera. USB cameras deploy immediately;
// network cameras start stopped and wait for an explicit Start.
func (c *Controller) Create(ctx context.Context, camera *store.Camera) (*store.Camera, error) {
	c.applyDefaults(ctx, camera)
	if err := validate(camera); err != nil {
		return nil, err
	}
	if dup, err := c.store.FindDuplicateCamera(ctx, camera); err != nil {
		return nil, err
	} else if dup != nil {
		if camera.Protocol == store.ProtocolUSB {
			return nil, errors.Conflict("device %s on node %s is already registered as %q",
				lo.FromPtr(camera.DevicePath), lo.FromPtr(camera.NodeName), dup.Name)
		}
		return nil, errors.Conflict("source %s is already registered as %q", lo.FromPtr(camera.SourceURL), dup.Name)
	}

	if camera.Protocol != store.ProtocolUSB {
		camera.Status = store.StatusStopped
		if err := c.store.CreateCamera(ctx, camera); err != nil {
			return nil, err
		}
		return camera, nil
	}

	camera.Status = store.StatusCreating
	if err := c.store.CreateCamera(ctx, camera); err != nil {
		return nil, err
	}
	if err := c.deploy(ctx, camera); err != nil {
		// The row keeps the failure; the caller or the next List retries.
		_ = c.store.SetCameraError(ctx, camera.ID, err.Error())
		return nil, err
	}
	return c.store.GetCamera(ctx, camera.ID)
}

// Start transitions stopped -> creating -> running.
func (c *Controller) Start(ctx context.Context, id string) (*store.Camera, error) {
	camera, err := c.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	if camera.Status == store.StatusRunning || camera.Status == store.StatusCreating {
		// Idempotent: starting a started camera is a no-op.
		return camera, nil
	}
	if err := c.store.TransitionCamera(ctx, id, []store.Status{store.StatusStopped, store.StatusError, store.StatusPending}, store.StatusCreating); err != nil {
		return nil, err
	}
	camera.Status = store.StatusCreating
	if err := c.deploy(ctx, camera); err != nil {
		_ = c.store.SetCameraError(ctx, camera.ID, err.Error())
		return nil, err
	}
	return c.store.GetCamera(ctx, id)
}

// Stop deletes every workload owned by the camera and marks the row stopped.
// Stopping a stopped camera is indistinguishable from a single Stop.
func (c *Controller) Stop(ctx context.Context, id string) (*store.Camera, error) {
	camera, err := c.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	if camera.Status == store.StatusStopped {
		return camera, nil
	}
	if err := c.teardown(ctx, camera); err != nil {
		_ = c.store.SetCameraError(ctx, camera.ID, err.Error())
		return nil, err
	}
	camera.Status = store.StatusStopped
	camera.DeploymentName = nil
	camera.ServiceName = nil
	camera.StreamPort = nil
	camera.ControlPort = nil
	if err := c.store.UpdateCamera(ctx, camera); err != nil {
		return nil, err
	}
	return camera, nil
}

// Restart is Stop then Start.
func (c *Controller) Restart(ctx context.Context, id string) (*store.Camera, error) {
	if _, err := c.Stop(ctx, id); err != nil {
		return nil, err
	}
	return c.Start(ctx, id)
}

// Patch applies a partial update. A source_url or name change on a running
// camera redeploys, since workload names derive from the camera name; on any
// other status it only persists (the next Start picks it up).
type Patch struct {
	Name       *string         `json:"name,omitempty"`
	Location   *string         `json:"location,omitempty"`
	SourceURL  *string         `json:"source_url,omitempty"`
	DevicePath *string         `json:"device_path,omitempty"`
	NodeName   *string         `json:"node_name,omitempty"`
	Resolution *string         `json:"resolution,omitempty"`
	Framerate  *int            `json:"framerate,omitempty"`
	Metadata   *store.Metadata `json:"metadata,omitempty"`
}

func (c *Controller) Update(ctx context.Context, id string, patch Patch) (*store.Camera, error) {
	camera, err := c.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	sourceChanged := patch.SourceURL != nil && lo.FromPtr(patch.SourceURL) != lo.FromPtr(camera.SourceURL)
	nameChanged := patch.Name != nil && *patch.Name != camera.Name
	if patch.Name != nil {
		camera.Name = *patch.Name
	}
	if patch.Location != nil {
		camera.Location = patch.Location
	}
	if patch.SourceURL != nil {
		camera.SourceURL = patch.SourceURL
	}
	if patch.DevicePath != nil {
		camera.DevicePath = patch.DevicePath
	}
	if patch.NodeName != nil {
		camera.NodeName = patch.NodeName
	}
	if patch.Resolution != nil {
		camera.Resolution = *patch.Resolution
	}
	if patch.Framerate != nil {
		camera.Framerate = *patch.Framerate
	}
	if patch.Metadata != nil {
		camera.Metadata = *patch.Metadata
	}
	if err := validate(camera); err != nil {
		return nil, err
	}
	if err := c.store.UpdateCamera(ctx, camera); err != nil {
		return nil, err
	}
	if (sourceChanged || nameChanged) && camera.Status == store.StatusRunning {
		return c.Restart(ctx, id)
	}
	return camera, nil
}

// Delete marks the row deleting and tears down asynchronously; the caller
// polls. Re-entry while deleting is a validation error.
func (c *Controller) Delete(ctx context.Context, id string) error {
	camera, err := c.store.GetCamera(ctx, id)
	if err != nil {
		return err
	}
	if camera.Status == store.StatusDeleting {
		return errors.Validation("camera %q is already being deleted", id)
	}
	if err := c.store.TransitionCamera(ctx, id,
		[]store.Status{store.StatusPending, store.StatusCreating, store.StatusRunning, store.StatusError, store.StatusStopped},
		store.StatusDeleting); err != nil {
		return err
	}
	logger := log.FromContext(ctx).WithValues("camera", id)
	go func() {
		// Background deletion owns its own deadline and never propagates.
		deleteCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		deleteCtx = log.IntoContext(deleteCtx, logger)
		if err := c.finishDelete(deleteCtx, camera); err != nil {
			logger.Error(err, "background camera deletion failed")
		}
	}()
	return nil
}

func (c *Controller) finishDelete(ctx context.Context, camera *store.Camera) error {
	if err := c.teardown(ctx, camera); err != nil {
		return err
	}
	c.waitForTermination(ctx, camera)
	// Removing the row detaches recordings: camera_id nulls out via FK,
	// camera_deleted flips on, active rows stop. Recording rows survive.
	if err := c.store.DeleteCamera(ctx, camera.ID); err != nil {
		return errors.IgnoreNotFound(err)
	}
	log.FromContext(ctx).Info("deleted camera", "name", camera.Name)
	return nil
}

// deploy renders and applies the camera's workloads plus its recorder, then
// records the allocated names and ports. stream_port is only populated after
// the Service has been accepted by the cluster.
func (c *Controller) deploy(ctx context.Context, camera *store.Camera) error {
	workloads, err := c.manifests.Camera(camera)
	if err != nil {
		return err
	}
	if workloads.ConfigMap != nil {
		if _, err := c.cluster.PatchConfigMap(ctx, workloads.ConfigMap.Name, workloads.ConfigMap.Data); err != nil {
			return err
		}
	}
	if err := c.cluster.ApplyDeployment(ctx, workloads.Deployment); err != nil {
		return err
	}
	applied, err := c.cluster.ApplyService(ctx, workloads.Service)
	if err != nil {
		return err
	}
	if err := c.recorders.Deploy(ctx, camera); err != nil {
		return err
	}

	camera.DeploymentName = &workloads.Deployment.Name
	camera.ServiceName = &applied.Name
	for _, port := range applied.Spec.Ports {
		port := port
		switch port.Name {
		case "stream":
			streamPort := int(port.Port)
			camera.StreamPort = &streamPort
		case "control":
			controlPort := int(port.Port)
			camera.ControlPort = &controlPort
		}
	}
	camera.Status = store.StatusRunning
	return c.store.UpdateCamera(ctx, camera)
}

// teardown deletes everything labeled for the camera: capture workloads and
// the recorder pair.
func (c *Controller) teardown(ctx context.Context, camera *store.Camera) error {
	if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("%s=%s", names.CameraIDLabel, camera.ID)); err != nil {
		return err
	}
	return c.cluster.DeleteByLabels(ctx, fmt.Sprintf("%s=%s", names.RecorderForLabel, camera.ID))
}

// waitForTermination polls until the camera's pods are gone or the grace
// period lapses. Best effort; deletion proceeds either way.
func (c *Controller) waitForTermination(ctx context.Context, camera *store.Camera) {
	wait := terminationWait
	if camera.Protocol == store.ProtocolUSB {
		wait = usbTerminationWait
	}
	deadline := time.Now().Add(wait)
	selector := fmt.Sprintf("%s=%s", names.CameraIDLabel, camera.ID)
	for time.Now().Before(deadline) {
		if _, err := c.cluster.GetPodStatusForSelector(ctx, selector); errors.IsNotFound(err) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	log.FromContext(ctx).V(1).Info("pod termination wait lapsed", "camera", camera.ID)
}

func (c *Controller) applyDefaults(ctx context.Context, camera *store.Camera) {
	cfg := settings.FromContext(ctx)
	if camera.ID == "" {
		camera.ID = uuid.NewString()
	}
	if camera.Resolution == "" {
		camera.Resolution = cfg.DefaultResolution
	}
	if camera.Framerate == 0 {
		camera.Framerate = cfg.DefaultFramerate
	}
	if camera.NodeName == nil && cfg.DefaultCameraNode != "" && camera.Protocol != store.ProtocolUSB {
		camera.NodeName = &cfg.DefaultCameraNode
	}
	if camera.Metadata == nil {
		camera.Metadata = store.Metadata{}
	}
	camera.Status = store.StatusPending
}

func validate(camera *store.Camera) error {
	if len(camera.Name) == 0 || len(camera.Name) > 255 {
		return errors.Validation("camera name must be 1-255 characters")
	}
	switch camera.Protocol {
	case store.ProtocolUSB:
		if lo.FromPtr(camera.DevicePath) == "" {
			return errors.Validation("usb cameras require device_path")
		}
		if lo.FromPtr(camera.NodeName) == "" {
			return errors.Validation("usb cameras require node_name")
		}
	case store.ProtocolRTSP, store.ProtocolONVIF, store.ProtocolHTTP:
		if lo.FromPtr(camera.SourceURL) == "" {
			return errors.Validation("%s cameras require source_url", camera.Protocol)
		}
	default:
		return errors.Validation("unknown protocol %q", camera.Protocol)
	}
	if camera.Framerate < 1 || camera.Framerate > 60 {
		return errors.Validation("framerate must be between 1 and 60")
	}
	if _, _, err := manifest.ParseResolution(camera.Resolution); err != nil {
		return err
	}
	return nil
}

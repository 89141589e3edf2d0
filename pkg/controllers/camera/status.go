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

package camera

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

// Get returns the camera with its status freshly reconciled against the
// cluster. The row is authoritative for intent; the pod is authoritative for
// what is actually happening.
func (c *Controller) Get(ctx context.Context, id string) (*store.Camera, error) {
	camera, err := c.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, camera), nil
}

// List returns cameras matching the filter, each reconciled.
func (c *Controller) List(ctx context.Context, filter store.CameraFilter) ([]*store.Camera, error) {
	cameras, err := c.store.ListCameras(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, camera := range cameras {
		cameras[i] = c.reconcile(ctx, camera)
	}
	return cameras, nil
}

// reconcile maps observed pod state onto the row. Reconciliation is read-time
// repair: it only writes when the stored status no longer matches reality, and
// a failed write degrades to returning the stored row.
func (c *Controller) reconcile(ctx context.Context, camera *store.Camera) *store.Camera {
	switch camera.Status {
	case store.StatusRunning, store.StatusCreating:
	default:
		// Stopped, pending, error and deleting rows carry no pod expectation.
		return camera
	}

	observed, message := c.observe(ctx, camera)
	if observed == camera.Status {
		if observed == store.StatusCreating && c.stuckCreating(ctx, camera) {
			// Evict the half-deployed workloads before failing the row.
			if err := c.teardown(ctx, camera); err != nil {
				log.FromContext(ctx).Error(err, "evicting stuck camera", "camera", camera.ID)
				return camera
			}
			c.markError(ctx, camera, "stuck creating")
		}
		return camera
	}

	switch observed {
	case store.StatusError:
		c.markError(ctx, camera, message)
	default:
		if err := c.store.TransitionCamera(ctx, camera.ID, []store.Status{camera.Status}, observed); err != nil {
			log.FromContext(ctx).V(1).Info("status reconcile lost a race", "camera", camera.ID, "error", err)
			return camera
		}
		camera.Status = observed
	}
	return camera
}

// observe classifies the camera's pod into a row status.
func (c *Controller) observe(ctx context.Context, camera *store.Camera) (store.Status, string) {
	status, err := c.cluster.GetPodStatusForSelector(ctx, fmt.Sprintf("%s=%s", names.CameraIDLabel, camera.ID))
	if errors.IsNotFound(err) {
		if camera.Status == store.StatusCreating {
			// The pod may simply not be scheduled yet.
			return store.StatusCreating, ""
		}
		return store.StatusError, "pod not found"
	}
	if err != nil {
		// Cluster unreachable; keep the stored status rather than guessing.
		log.FromContext(ctx).V(1).Info("skipping status reconcile", "camera", camera.ID, "error", err)
		return camera.Status, ""
	}
	switch status.Phase {
	case corev1.PodRunning:
		if reason, bad := failingContainer(status); bad {
			return store.StatusError, reason
		}
		return store.StatusRunning, ""
	case corev1.PodPending:
		if reason, bad := failingContainer(status); bad {
			return store.StatusError, reason
		}
		return store.StatusCreating, ""
	default:
		return store.StatusError, fmt.Sprintf("pod is %s", status.Phase)
	}
}

// failingContainer reports a container wedged in a waiting state that will not
// resolve on its own: crash loops and image pull failures.
func failingContainer(status *corev1.PodStatus) (string, bool) {
	for _, cs := range status.ContainerStatuses {
		if cs.State.Waiting == nil {
			continue
		}
		switch cs.State.Waiting.Reason {
		case "CrashLoopBackOff":
			return "pod is crash looping", true
		case "ErrImagePull", "ImagePullBackOff":
			return "pod cannot pull its image", true
		}
	}
	return "", false
}

func (c *Controller) stuckCreating(ctx context.Context, camera *store.Camera) bool {
	timeout := settings.FromContext(ctx).CreatingTimeout()
	return time.Since(camera.UpdatedAt) > timeout
}

func (c *Controller) markError(ctx context.Context, camera *store.Camera, message string) {
	if err := c.store.SetCameraError(ctx, camera.ID, message); err != nil {
		log.FromContext(ctx).Error(err, "recording camera error state", "camera", camera.ID)
		return
	}
	camera.Status = store.StatusError
	if camera.Metadata == nil {
		camera.Metadata = store.Metadata{}
	}
	camera.Metadata["error"] = message
}

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

package camera_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/kubernetes/fake"

	cameracontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/camera"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/recorder"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

const namespace = "falcon-eye"

var (
	ctx        context.Context
	kube       *fake.Clientset
	cameras    *fakeStore
	controller *cameracontroller.Controller
)

func TestCamera(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Camera")
}

var _ = BeforeEach(func() {
	kube = fake.NewSimpleClientset()
	cameras = newFakeStore()
	clusterClient := cluster.NewDefaultClient(kube, namespace)
	manifests := manifest.NewGenerator(namespace, "http://api:8000", sets.New[string](), 8090)
	recorders := recorder.NewSupervisor(cameras, clusterClient, manifests, namespace, 2*time.Second)
	controller = cameracontroller.NewController(cameras, clusterClient, manifests, recorders)
})

func usbCamera() *store.Camera {
	return &store.Camera{
		Name:       "Office Cam",
		Protocol:   store.ProtocolUSB,
		DevicePath: lo.ToPtr("/dev/video0"),
		NodeName:   lo.ToPtr("k3s-1"),
	}
}

func rtspCamera() *store.Camera {
	return &store.Camera{
		Name:      "Front Door",
		Protocol:  store.ProtocolRTSP,
		SourceURL: lo.ToPtr("rtsp://10.0.0.8:554/stream1"),
	}
}

func createPod(cameraID string, phase corev1.PodPhase) {
	_, err := kube.CoreV1().Pods(namespace).Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "cam-pod-" + cameraID,
			Namespace: namespace,
			Labels:    map[string]string{"camera-id": cameraID},
		},
		Status: corev1.PodStatus{Phase: phase},
	}, metav1.CreateOptions{})
	Expect(err).ToNot(HaveOccurred())
}

var _ = Describe("Create", func() {
	It("should deploy a usb camera immediately", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		Expect(created.Status).To(Equal(store.StatusRunning))
		Expect(lo.FromPtr(created.DeploymentName)).To(Equal("cam-office-cam"))
		Expect(lo.FromPtr(created.ServiceName)).To(Equal("svc-office-cam"))
		Expect(lo.FromPtr(created.StreamPort)).To(Equal(manifest.StreamPort))
		Expect(lo.FromPtr(created.ControlPort)).To(Equal(manifest.ControlPort))

		_, err = kube.AppsV1().Deployments(namespace).Get(ctx, "cam-office-cam", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should deploy the recorder alongside the camera", func() {
		_, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		_, err = kube.AppsV1().Deployments(namespace).Get(ctx, "rec-office-cam", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
		_, err = kube.CoreV1().Services(namespace).Get(ctx, "svc-rec-office-cam", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should register network cameras stopped without deploying", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		Expect(created.Status).To(Equal(store.StatusStopped))
		deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(deployments.Items).To(BeEmpty())
	})
	It("should apply configured defaults", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		Expect(created.Resolution).To(Equal("640x480"))
		Expect(created.Framerate).To(Equal(15))
		Expect(created.ID).ToNot(BeEmpty())
	})
	It("should reject a duplicate usb device on the same node", func() {
		_, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		dup := usbCamera()
		dup.Name = "Other Name"
		_, err = controller.Create(ctx, dup)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
	It("should reject a duplicate source url", func() {
		_, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		dup := rtspCamera()
		dup.Name = "Other Name"
		_, err = controller.Create(ctx, dup)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
	It("should reject a source pointing at the same endpoint under another path", func() {
		_, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		dup := rtspCamera()
		dup.Name = "Other Name"
		dup.SourceURL = lo.ToPtr("rtsp://10.0.0.8/stream2")
		_, err = controller.Create(ctx, dup)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
	It("should validate protocol requirements", func() {
		camera := usbCamera()
		camera.DevicePath = nil
		_, err := controller.Create(ctx, camera)
		Expect(errors.IsValidation(err)).To(BeTrue())

		camera = rtspCamera()
		camera.SourceURL = nil
		_, err = controller.Create(ctx, camera)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject an out-of-range framerate", func() {
		camera := rtspCamera()
		camera.Framerate = 120
		_, err := controller.Create(ctx, camera)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Start", func() {
	It("should deploy a stopped camera and record its ports", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())

		started, err := controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(started.Status).To(Equal(store.StatusRunning))
		Expect(lo.FromPtr(started.StreamPort)).To(Equal(manifest.StreamPort))
		_, err = kube.AppsV1().Deployments(namespace).Get(ctx, "cam-front-door", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should be a no-op on an already running camera", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		again, err := controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(again.Status).To(Equal(store.StatusRunning))
	})
	It("should return NotFound for an unknown camera", func() {
		_, err := controller.Start(ctx, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("Stop", func() {
	It("should remove the workloads and clear allocated ports", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())

		stopped, err := controller.Stop(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stopped.Status).To(Equal(store.StatusStopped))
		Expect(stopped.StreamPort).To(BeNil())
		Expect(stopped.DeploymentName).To(BeNil())

		deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(deployments.Items).To(BeEmpty())
	})
	It("should be a no-op on a stopped camera", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		stopped, err := controller.Stop(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stopped.Status).To(Equal(store.StatusStopped))
	})
})

var _ = Describe("Update", func() {
	It("should redeploy a running camera when the source changes", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())

		updated, err := controller.Update(ctx, created.ID, cameracontroller.Patch{
			SourceURL: lo.ToPtr("rtsp://10.0.0.9:554/stream1"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Status).To(Equal(store.StatusRunning))
		Expect(lo.FromPtr(updated.SourceURL)).To(Equal("rtsp://10.0.0.9:554/stream1"))
	})
	It("should only persist source changes on a stopped camera", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())

		updated, err := controller.Update(ctx, created.ID, cameracontroller.Patch{
			SourceURL: lo.ToPtr("rtsp://10.0.0.9:554/stream1"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Status).To(Equal(store.StatusStopped))
		deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(deployments.Items).To(BeEmpty())
	})
	It("should redeploy a running camera under its new name after a rename", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())

		updated, err := controller.Update(ctx, created.ID, cameracontroller.Patch{
			Name: lo.ToPtr("Back Door"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Status).To(Equal(store.StatusRunning))
		Expect(lo.FromPtr(updated.DeploymentName)).To(Equal("cam-back-door"))
		Expect(lo.FromPtr(updated.ServiceName)).To(Equal("svc-back-door"))

		_, err = kube.AppsV1().Deployments(namespace).Get(ctx, "cam-back-door", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
		_, err = kube.AppsV1().Deployments(namespace).Get(ctx, "cam-front-door", metav1.GetOptions{})
		Expect(err).To(HaveOccurred())
	})
	It("should validate the patched state", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Update(ctx, created.ID, cameracontroller.Patch{Framerate: lo.ToPtr(0)})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Delete", func() {
	It("should reject re-entry while a delete is in flight", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		created.Status = store.StatusDeleting
		cameras.put(created)

		err = controller.Delete(ctx, created.ID)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should eventually remove the row and the workloads", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		Expect(controller.Delete(ctx, created.ID)).To(Succeed())

		Eventually(func() bool {
			_, err := cameras.GetCamera(ctx, created.ID)
			return errors.IsNotFound(err)
		}, 10*time.Second, 50*time.Millisecond).Should(BeTrue())
	})
})

var _ = Describe("Reconcile", func() {
	It("should report running when the pod runs", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		createPod(created.ID, corev1.PodRunning)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusRunning))
	})
	It("should mark a running camera whose pod vanished as error", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.Metadata["error"]).To(Equal("pod not found"))
	})
	It("should fold a pending pod back into creating", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		createPod(created.ID, corev1.PodPending)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusCreating))
	})
	It("should detect a crash looping pod", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		_, err = kube.CoreV1().Pods(namespace).Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "cam-pod-crash",
				Namespace: namespace,
				Labels:    map[string]string{"camera-id": created.ID},
			},
			Status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{{
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
					},
				}},
			},
		}, metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.Metadata["error"]).To(Equal("pod is crash looping"))
	})
	It("should fail a camera whose image cannot be pulled", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		_, err = kube.CoreV1().Pods(namespace).Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "cam-pod-pull",
				Namespace: namespace,
				Labels:    map[string]string{"camera-id": created.ID},
			},
			Status: corev1.PodStatus{
				Phase: corev1.PodPending,
				ContainerStatuses: []corev1.ContainerStatus{{
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"},
					},
				}},
			},
		}, metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.Metadata["error"]).To(Equal("pod cannot pull its image"))
	})
	It("should evict and fail a camera stuck creating past the timeout", func() {
		created, err := controller.Create(ctx, usbCamera())
		Expect(err).ToNot(HaveOccurred())
		created.Status = store.StatusCreating
		created.UpdatedAt = time.Now().Add(-10 * time.Minute)
		cameras.put(created)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.Metadata["error"]).To(Equal("stuck creating"))

		deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(deployments.Items).To(BeEmpty())
	})
	It("should leave stopped cameras alone", func() {
		created, err := controller.Create(ctx, rtspCamera())
		Expect(err).ToNot(HaveOccurred())
		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusStopped))
	})
})

// fakeStore is an in-memory stand-in for the persistence layer, with the same
// CAS and conflict semantics.
type fakeStore struct {
	mu      sync.Mutex
	cameras map[string]*store.Camera
}

func newFakeStore() *fakeStore {
	return &fakeStore{cameras: map[string]*store.Camera{}}
}

func clone(camera *store.Camera) *store.Camera {
	out := *camera
	return &out
}

func (f *fakeStore) put(camera *store.Camera) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cameras[camera.ID] = clone(camera)
}

func (f *fakeStore) CreateCamera(_ context.Context, camera *store.Camera) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[camera.ID]; ok {
		return errors.Conflict("camera %q already exists", camera.ID)
	}
	camera.CreatedAt = time.Now()
	camera.UpdatedAt = camera.CreatedAt
	f.cameras[camera.ID] = clone(camera)
	return nil
}

func (f *fakeStore) GetCamera(_ context.Context, id string) (*store.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	camera, ok := f.cameras[id]
	if !ok {
		return nil, errors.NotFound("camera %q not found", id)
	}
	return clone(camera), nil
}

func (f *fakeStore) ListCameras(_ context.Context, filter store.CameraFilter) ([]*store.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*store.Camera{}
	for _, camera := range f.cameras {
		if filter.Protocol != nil && camera.Protocol != *filter.Protocol {
			continue
		}
		if filter.Status != nil && camera.Status != *filter.Status {
			continue
		}
		out = append(out, clone(camera))
	}
	return out, nil
}

func (f *fakeStore) UpdateCamera(_ context.Context, camera *store.Camera) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[camera.ID]; !ok {
		return errors.NotFound("camera %q not found", camera.ID)
	}
	camera.UpdatedAt = time.Now()
	f.cameras[camera.ID] = clone(camera)
	return nil
}

func (f *fakeStore) TransitionCamera(_ context.Context, id string, from []store.Status, to store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	camera, ok := f.cameras[id]
	if !ok {
		return errors.NotFound("camera %q not found", id)
	}
	for _, status := range from {
		if camera.Status == status {
			camera.Status = to
			camera.UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.Conflict("camera %q is %s", id, camera.Status)
}

func (f *fakeStore) SetCameraError(_ context.Context, id string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	camera, ok := f.cameras[id]
	if !ok {
		return errors.NotFound("camera %q not found", id)
	}
	camera.Status = store.StatusError
	if camera.Metadata == nil {
		camera.Metadata = store.Metadata{}
	}
	camera.Metadata["error"] = message
	return nil
}

func (f *fakeStore) FindDuplicateCamera(_ context.Context, camera *store.Camera) (*store.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.cameras {
		if existing.ID == camera.ID {
			continue
		}
		if camera.Protocol == store.ProtocolUSB {
			if existing.Protocol == store.ProtocolUSB &&
				lo.FromPtr(existing.DevicePath) == lo.FromPtr(camera.DevicePath) &&
				lo.FromPtr(existing.NodeName) == lo.FromPtr(camera.NodeName) {
				return clone(existing), nil
			}
			continue
		}
		if lo.FromPtr(camera.SourceURL) != "" &&
			store.SourceHostPort(lo.FromPtr(existing.SourceURL)) == store.SourceHostPort(lo.FromPtr(camera.SourceURL)) {
			return clone(existing), nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeleteCamera(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[id]; !ok {
		return errors.NotFound("camera %q not found", id)
	}
	delete(f.cameras, id)
	return nil
}

func (f *fakeStore) ActiveRecording(context.Context, string) (*store.Recording, error) {
	return nil, nil
}

func (f *fakeStore) PatchRecording(_ context.Context, id string, _ store.RecordingPatch) (*store.Recording, error) {
	return &store.Recording{ID: id}, nil
}

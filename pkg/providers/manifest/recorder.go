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

package manifest

import (
	"fmt"

	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

type RecorderWorkloads struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
}

// StreamURL is the source a recorder consumes for a given camera. USB and HTTP
// cameras are read through their in-cluster relay Service; RTSP and ONVIF are
// read straight from the original source.
func (g *Generator) StreamURL(camera *store.Camera) string {
	switch camera.Protocol {
	case store.ProtocolRTSP, store.ProtocolONVIF:
		return lo.FromPtr(camera.SourceURL)
	default:
		return fmt.Sprintf("http://%s:%d/", names.CameraStreamHost(camera.Slug(), g.Namespace), StreamPort)
	}
}

// Recorder renders the per-camera recorder pod. nodeName is the placement
// decision made by the supervisor (camera's node, or the default recorder node).
func (g *Generator) Recorder(camera *store.Camera, nodeName string) *RecorderWorkloads {
	slug := camera.Slug()
	labels := lo.Assign(names.ManagedLabels(names.ComponentRecorder), map[string]string{
		names.RecorderForLabel: camera.ID,
	})

	podSpec := corev1.PodSpec{
		NodeSelector: nodeSelector(nodeName),
		Tolerations:  g.tolerations(nodeName),
		Containers: []corev1.Container{{
			Name:  "recorder",
			Image: g.RecorderImage,
			Env: []corev1.EnvVar{
				envVar("CAMERA_ID", camera.ID),
				envVar("CAMERA_NAME", camera.Name),
				envVar("STREAM_URL", g.StreamURL(camera)),
				envVar("API_URL", g.InternalAPIURL),
				envVar("RECORDINGS_PATH", "/recordings"),
				envVar("SEGMENT_DURATION", "3600"),
				downwardNodeName(),
			},
			Ports: []corev1.ContainerPort{
				{Name: "http", ContainerPort: ControlPort},
			},
			Resources: recorderRequirements,
			VolumeMounts: []corev1.VolumeMount{
				{Name: "recordings", MountPath: "/recordings"},
			},
		}},
		Volumes: []corev1.Volume{{
			Name: "recordings",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: fmt.Sprintf("%s/%s", RecordingsHostPath, camera.ID),
				},
			},
		}},
	}

	replicas := int32(1)
	return &RecorderWorkloads{
		Deployment: &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{
				Name:      names.RecorderDeployment(slug),
				Namespace: g.Namespace,
				Labels:    lo.Assign(labels, map[string]string{SpecHashLabel: specHash(podSpec)}),
			},
			Spec: appsv1.DeploymentSpec{
				Replicas: &replicas,
				Selector: &metav1.LabelSelector{MatchLabels: labels},
				Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: labels},
					Spec:       podSpec,
				},
			},
		},
		Service: &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      names.RecorderService(slug),
				Namespace: g.Namespace,
				Labels:    labels,
			},
			Spec: corev1.ServiceSpec{
				Type:     corev1.ServiceTypeClusterIP,
				Selector: labels,
				Ports:    []corev1.ServicePort{{Name: "http", Port: ControlPort}},
			},
		},
	}
}

// FileServer renders the DaemonSet that serves recording files over HTTP on
// every node. GET streams files; DELETE removes them, which is how
// delete_file requests reach the node that owns the bytes.
func (g *Generator) FileServer() *appsv1.DaemonSet {
	labels := names.ManagedLabels(names.ComponentFileServer)
	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "falcon-eye-fileserver",
			Namespace: g.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DaemonSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					// The server must land on every node, Jetson included.
					Tolerations: []corev1.Toleration{jetsonToleration},
					Containers: []corev1.Container{{
						Name:  "fileserver",
						Image: g.FileServerImage,
						Env: []corev1.EnvVar{
							envVar("SERVE_ROOT", "/recordings"),
							envVar("PORT", fmt.Sprintf("%d", g.FileServerPort)),
						},
						Ports: []corev1.ContainerPort{
							{Name: "http", ContainerPort: int32(g.FileServerPort), HostPort: int32(g.FileServerPort)},
						},
						Resources: fileServerRequirements,
						VolumeMounts: []corev1.VolumeMount{
							{Name: "recordings", MountPath: "/recordings"},
						},
					}},
					Volumes: []corev1.Volume{{
						Name: "recordings",
						VolumeSource: corev1.VolumeSource{
							HostPath: &corev1.HostPathVolumeSource{Path: RecordingsHostPath},
						},
					}},
				},
			},
		},
	}
}

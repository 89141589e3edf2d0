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
	"strings"

	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

// CameraWorkloads is everything a camera entity projects onto the cluster.
// ConfigMap is only present for USB cameras (the Motion configuration).
type CameraWorkloads struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
	ConfigMap  *corev1.ConfigMap
}

// Camera renders the full workload set for a camera entity.
func (g *Generator) Camera(camera *store.Camera) (*CameraWorkloads, error) {
	if camera.Protocol == store.ProtocolUSB {
		return g.usbCamera(camera)
	}
	return g.networkCamera(camera)
}

func (g *Generator) cameraLabels(camera *store.Camera) map[string]string {
	return lo.Assign(names.ManagedLabels(names.ComponentCamera), map[string]string{
		names.CameraIDLabel: camera.ID,
	})
}

func (g *Generator) usbCamera(camera *store.Camera) (*CameraWorkloads, error) {
	width, height, err := ParseResolution(camera.Resolution)
	if err != nil {
		return nil, err
	}
	slug := camera.Slug()
	labels := g.cameraLabels(camera)
	nodeName := lo.FromPtr(camera.NodeName)
	devicePath := lo.FromPtr(camera.DevicePath)
	configName := names.CameraDeployment(slug) + "-config"

	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: configName, Namespace: g.Namespace, Labels: labels},
		Data: map[string]string{
			"motion.conf": motionConfig(camera, devicePath, width, height),
		},
	}

	privileged := true
	podSpec := corev1.PodSpec{
		// USB capture is pinned to the node that physically owns the device.
		NodeSelector: nodeSelector(nodeName),
		Tolerations:  g.tolerations(nodeName),
		Containers: []corev1.Container{{
			Name:  "usb-capture",
			Image: g.CameraUSBImage,
			SecurityContext: &corev1.SecurityContext{
				Privileged: &privileged,
			},
			Ports: []corev1.ContainerPort{
				{Name: "stream", ContainerPort: StreamPort},
				{Name: "control", ContainerPort: ControlPort},
			},
			Resources: cameraRequirements,
			VolumeMounts: []corev1.VolumeMount{
				{Name: "video-device", MountPath: devicePath},
				{Name: "motion-config", MountPath: "/etc/motion"},
			},
		}},
		Volumes: []corev1.Volume{
			{
				Name: "video-device",
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{Path: devicePath},
				},
			},
			{
				Name: "motion-config",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: configName},
					},
				},
			},
		},
	}

	return &CameraWorkloads{
		Deployment: g.cameraDeployment(names.CameraDeployment(slug), labels, podSpec),
		Service:    g.cameraService(names.CameraService(slug), labels, true),
		ConfigMap:  configMap,
	}, nil
}

func (g *Generator) networkCamera(camera *store.Camera) (*CameraWorkloads, error) {
	width, height, err := ParseResolution(camera.Resolution)
	if err != nil {
		return nil, err
	}
	slug := camera.Slug()
	labels := g.cameraLabels(camera)
	nodeName := lo.FromPtr(camera.NodeName)

	podSpec := corev1.PodSpec{
		NodeSelector: nodeSelector(nodeName),
		Tolerations:  g.tolerations(nodeName),
		Containers: []corev1.Container{{
			// One relay image; the container name says which protocol it speaks.
			Name:  fmt.Sprintf("%s-relay", camera.Protocol),
			Image: g.CameraRelayImage,
			Env: []corev1.EnvVar{
				envVar("RTSP_URL", lo.FromPtr(camera.SourceURL)),
				envVar("WIDTH", fmt.Sprintf("%d", width)),
				envVar("HEIGHT", fmt.Sprintf("%d", height)),
				envVar("FPS", fmt.Sprintf("%d", camera.Framerate)),
				envVar("CAMERA_LABEL", camera.Name),
			},
			Ports: []corev1.ContainerPort{
				{Name: "stream", ContainerPort: StreamPort},
			},
			Resources: lo.Ternary(camera.Protocol == store.ProtocolHTTP, httpRelayRequirements, cameraRequirements),
		}},
	}

	return &CameraWorkloads{
		Deployment: g.cameraDeployment(names.CameraDeployment(slug), labels, podSpec),
		Service:    g.cameraService(names.CameraService(slug), labels, false),
	}, nil
}

func (g *Generator) cameraDeployment(name string, labels map[string]string, podSpec corev1.PodSpec) *appsv1.Deployment {
	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: g.Namespace,
			Labels:    lo.Assign(labels, map[string]string{SpecHashLabel: specHash(podSpec)}),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Strategy: appsv1.DeploymentStrategy{
				// A camera device admits one reader; never run old and new pods together.
				Type: appsv1.RecreateDeploymentStrategyType,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

func (g *Generator) cameraService(name string, labels map[string]string, withControl bool) *corev1.Service {
	ports := []corev1.ServicePort{
		{Name: "stream", Port: StreamPort},
	}
	if withControl {
		ports = append(ports, corev1.ServicePort{Name: "control", Port: ControlPort})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: g.Namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: labels,
			Ports:    ports,
		},
	}
}

// motionConfig renders the runtime configuration for the Motion-style capture
// binary inside USB camera pods.
func motionConfig(camera *store.Camera, devicePath string, width, height int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "videodevice %s\n", devicePath)
	fmt.Fprintf(&b, "width %d\n", width)
	fmt.Fprintf(&b, "height %d\n", height)
	fmt.Fprintf(&b, "framerate %d\n", camera.Framerate)
	fmt.Fprintf(&b, "stream_port %d\n", StreamPort)
	fmt.Fprintf(&b, "webcontrol_port %d\n", ControlPort)
	fmt.Fprintf(&b, "stream_quality 70\n")
	fmt.Fprintf(&b, "stream_localhost off\n")
	fmt.Fprintf(&b, "webcontrol_localhost off\n")
	fmt.Fprintf(&b, "text_left FALCON-EYE-%s\n", strings.ToUpper(camera.Name))
	return b.String()
}

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

package manifest_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

var generator *manifest.Generator

func TestManifest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Manifest")
}

var _ = BeforeEach(func() {
	generator = manifest.NewGenerator(
		"falcon-eye",
		"http://falcon-eye-api.falcon-eye.svc.cluster.local:8000",
		sets.New("jetson-1"),
		8090,
	)
})

func usbCamera() *store.Camera {
	return &store.Camera{
		ID:         "11111111-1111-1111-1111-111111111111",
		Name:       "Office Cam",
		Protocol:   store.ProtocolUSB,
		DevicePath: lo.ToPtr("/dev/video0"),
		NodeName:   lo.ToPtr("jetson-1"),
		Resolution: "1280x720",
		Framerate:  15,
		Status:     store.StatusRunning,
	}
}

func rtspCamera() *store.Camera {
	return &store.Camera{
		ID:         "22222222-2222-2222-2222-222222222222",
		Name:       "Front Door",
		Protocol:   store.ProtocolRTSP,
		SourceURL:  lo.ToPtr("rtsp://10.0.0.8:554/stream1"),
		Resolution: "1920x1080",
		Framerate:  30,
		Status:     store.StatusRunning,
	}
}

var _ = Describe("Camera", func() {
	Context("USB", func() {
		It("should render a deployment, service and motion configmap", func() {
			workloads, err := generator.Camera(usbCamera())
			Expect(err).ToNot(HaveOccurred())
			Expect(workloads.Deployment.Name).To(Equal("cam-office-cam"))
			Expect(workloads.Service.Name).To(Equal("svc-office-cam"))
			Expect(workloads.ConfigMap).ToNot(BeNil())
		})
		It("should pin the pod to the owning node and run privileged", func() {
			workloads, err := generator.Camera(usbCamera())
			Expect(err).ToNot(HaveOccurred())
			podSpec := workloads.Deployment.Spec.Template.Spec
			Expect(podSpec.NodeSelector).To(HaveKeyWithValue(corev1.LabelHostname, "jetson-1"))
			Expect(lo.FromPtr(podSpec.Containers[0].SecurityContext.Privileged)).To(BeTrue())
		})
		It("should tolerate the jetson taint on jetson nodes", func() {
			workloads, err := generator.Camera(usbCamera())
			Expect(err).ToNot(HaveOccurred())
			Expect(workloads.Deployment.Spec.Template.Spec.Tolerations).To(HaveLen(1))
			Expect(workloads.Deployment.Spec.Template.Spec.Tolerations[0].Value).To(Equal("jetson"))
		})
		It("should expose both the stream and control ports on the service", func() {
			workloads, err := generator.Camera(usbCamera())
			Expect(err).ToNot(HaveOccurred())
			ports := lo.Map(workloads.Service.Spec.Ports, func(p corev1.ServicePort, _ int) int32 { return p.Port })
			Expect(ports).To(ConsistOf(int32(manifest.StreamPort), int32(manifest.ControlPort)))
		})
		It("should render the device and resolution into the motion config", func() {
			workloads, err := generator.Camera(usbCamera())
			Expect(err).ToNot(HaveOccurred())
			conf := workloads.ConfigMap.Data["motion.conf"]
			Expect(conf).To(ContainSubstring("videodevice /dev/video0"))
			Expect(conf).To(ContainSubstring("width 1280"))
			Expect(conf).To(ContainSubstring("height 720"))
			Expect(conf).To(ContainSubstring("framerate 15"))
			Expect(conf).To(ContainSubstring("text_left FALCON-EYE-OFFICE CAM"))
		})
	})
	Context("Network", func() {
		It("should render no configmap and only a stream port", func() {
			workloads, err := generator.Camera(rtspCamera())
			Expect(err).ToNot(HaveOccurred())
			Expect(workloads.ConfigMap).To(BeNil())
			Expect(workloads.Service.Spec.Ports).To(HaveLen(1))
			Expect(workloads.Service.Spec.Ports[0].Port).To(Equal(int32(manifest.StreamPort)))
		})
		It("should float freely when the camera has no node", func() {
			workloads, err := generator.Camera(rtspCamera())
			Expect(err).ToNot(HaveOccurred())
			Expect(workloads.Deployment.Spec.Template.Spec.NodeSelector).To(BeNil())
			Expect(workloads.Deployment.Spec.Template.Spec.Tolerations).To(BeEmpty())
		})
		It("should pass the source through the relay environment", func() {
			workloads, err := generator.Camera(rtspCamera())
			Expect(err).ToNot(HaveOccurred())
			env := workloads.Deployment.Spec.Template.Spec.Containers[0].Env
			Expect(env).To(ContainElement(corev1.EnvVar{Name: "RTSP_URL", Value: "rtsp://10.0.0.8:554/stream1"}))
			Expect(env).To(ContainElement(corev1.EnvVar{Name: "FPS", Value: "30"}))
		})
		It("should reject a malformed resolution", func() {
			camera := rtspCamera()
			camera.Resolution = "1080p"
			_, err := generator.Camera(camera)
			Expect(err).To(HaveOccurred())
		})
	})
	It("should use the recreate strategy so device readers never overlap", func() {
		for _, camera := range []*store.Camera{usbCamera(), rtspCamera()} {
			workloads, err := generator.Camera(camera)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(workloads.Deployment.Spec.Strategy.Type)).To(Equal("Recreate"))
		}
	})
	It("should stamp a deterministic spec hash", func() {
		first, err := generator.Camera(usbCamera())
		Expect(err).ToNot(HaveOccurred())
		second, err := generator.Camera(usbCamera())
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Deployment.Labels[manifest.SpecHashLabel]).
			To(Equal(second.Deployment.Labels[manifest.SpecHashLabel]))

		changed := usbCamera()
		changed.Framerate = 5
		third, err := generator.Camera(changed)
		Expect(err).ToNot(HaveOccurred())
		Expect(third.Deployment.Labels[manifest.SpecHashLabel]).
			ToNot(Equal(first.Deployment.Labels[manifest.SpecHashLabel]))
	})
})

var _ = Describe("StreamURL", func() {
	It("should read RTSP and ONVIF cameras from their original source", func() {
		Expect(generator.StreamURL(rtspCamera())).To(Equal("rtsp://10.0.0.8:554/stream1"))
	})
	It("should read USB and HTTP cameras through their relay service", func() {
		Expect(generator.StreamURL(usbCamera())).
			To(Equal("http://svc-office-cam.falcon-eye.svc.cluster.local:8081/"))
	})
})

var _ = Describe("Recorder", func() {
	It("should mount a per-camera recordings directory", func() {
		camera := usbCamera()
		workloads := generator.Recorder(camera, "jetson-1")
		hostPath := workloads.Deployment.Spec.Template.Spec.Volumes[0].HostPath
		Expect(hostPath.Path).To(Equal(manifest.RecordingsHostPath + "/" + camera.ID))
	})
	It("should label workloads with the camera they record", func() {
		camera := rtspCamera()
		workloads := generator.Recorder(camera, "k3s-1")
		Expect(workloads.Deployment.Labels).To(HaveKeyWithValue(names.RecorderForLabel, camera.ID))
		Expect(workloads.Service.Labels).To(HaveKeyWithValue(names.RecorderForLabel, camera.ID))
	})
	It("should respect the supervisor's placement decision", func() {
		workloads := generator.Recorder(rtspCamera(), "k3s-2")
		Expect(workloads.Deployment.Spec.Template.Spec.NodeSelector).
			To(HaveKeyWithValue(corev1.LabelHostname, "k3s-2"))
	})
})

var _ = Describe("FileServer", func() {
	It("should bind the host port and mount the recordings root", func() {
		ds := generator.FileServer()
		container := ds.Spec.Template.Spec.Containers[0]
		Expect(container.Ports[0].HostPort).To(Equal(int32(8090)))
		Expect(ds.Spec.Template.Spec.Volumes[0].HostPath.Path).To(Equal(manifest.RecordingsHostPath))
	})
	It("should tolerate jetson nodes so every node gets a server", func() {
		ds := generator.FileServer()
		Expect(ds.Spec.Template.Spec.Tolerations).To(HaveLen(1))
	})
})

var _ = Describe("Agent", func() {
	agent := func() *store.Agent {
		return &store.Agent{
			ID:          "33333333-3333-3333-3333-333333333333",
			Name:        "Main",
			Slug:        "main",
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			CPULimit:    "500m",
			MemoryLimit: "512Mi",
		}
	}
	It("should never leak credentials into the pod spec", func() {
		workloads := generator.Agent(agent())
		for _, env := range workloads.Deployment.Spec.Template.Spec.Containers[0].Env {
			Expect(env.Name).ToNot(ContainSubstring("KEY"))
		}
	})
	It("should apply the agent's resource limits", func() {
		workloads := generator.Agent(agent())
		limits := workloads.Deployment.Spec.Template.Spec.Containers[0].Resources.Limits
		Expect(limits.Memory().String()).To(Equal("512Mi"))
		Expect(limits.Cpu().String()).To(Equal("500m"))
	})
	It("should mark ephemeral agents", func() {
		a := agent()
		a.Ephemeral = true
		workloads := generator.Agent(a)
		Expect(workloads.Deployment.Labels).To(HaveKeyWithValue("ephemeral", "true"))
	})
})

var _ = Describe("CronJob", func() {
	job := func() *store.CronJob {
		return &store.CronJob{
			ID:             "44444444-4444-4444-4444-444444444444",
			AgentID:        "33333333-3333-3333-3333-333333333333",
			Name:           "Morning report",
			CronExpr:       "0 8 * * *",
			Timezone:       "Europe/Berlin",
			Prompt:         "Summarize overnight activity",
			TimeoutSeconds: 300,
			Enabled:        true,
		}
	}
	It("should carry the schedule, timezone and concurrency policy", func() {
		rendered := generator.CronJob(job(), "main")
		Expect(rendered.Spec.Schedule).To(Equal("0 8 * * *"))
		Expect(lo.FromPtr(rendered.Spec.TimeZone)).To(Equal("Europe/Berlin"))
		Expect(string(rendered.Spec.ConcurrencyPolicy)).To(Equal("Forbid"))
		Expect(lo.FromPtr(rendered.Spec.Suspend)).To(BeFalse())
	})
	It("should suspend disabled jobs", func() {
		j := job()
		j.Enabled = false
		rendered := generator.CronJob(j, "main")
		Expect(lo.FromPtr(rendered.Spec.Suspend)).To(BeTrue())
	})
	It("should hand the runner everything it needs through the environment", func() {
		rendered := generator.CronJob(job(), "main")
		env := rendered.Spec.JobTemplate.Spec.Template.Spec.Containers[0].Env
		Expect(env).To(ContainElement(corev1.EnvVar{Name: "PROMPT", Value: "Summarize overnight activity"}))
		Expect(env).To(ContainElement(corev1.EnvVar{Name: "TIMEOUT_SECONDS", Value: "300"}))
	})
})

var _ = Describe("TaskJob", func() {
	target := func() *store.Agent {
		return &store.Agent{
			ID:   "55555555-5555-5555-5555-555555555555",
			Name: "Scout",
			Slug: "scout",
		}
	}
	It("should hand the runner the task and its session", func() {
		rendered := generator.TaskJob(target(), "caller-1", "sess-1", "check the yard", true)
		env := rendered.Spec.Template.Spec.Containers[0].Env
		Expect(env).To(ContainElement(corev1.EnvVar{Name: "PROMPT", Value: "check the yard"}))
		Expect(env).To(ContainElement(corev1.EnvVar{Name: "SESSION_ID", Value: "sess-1"}))
		Expect(env).To(ContainElement(corev1.EnvVar{Name: "CLEANUP_AGENT", Value: "true"}))
	})
	It("should name every dispatch uniquely", func() {
		first := generator.TaskJob(target(), "caller-1", "sess-1", "check the yard", false)
		second := generator.TaskJob(target(), "caller-1", "sess-1", "check the yard", false)
		Expect(first.Name).To(HavePrefix("task-scout-"))
		Expect(second.Name).To(HavePrefix("task-scout-"))
		Expect(second.Name).ToNot(Equal(first.Name))
	})
})

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

// Package manifest renders entity declarations into cluster workload specs.
// Everything in here is pure and deterministic: the same entity input yields a
// byte-identical spec, which the spec-hash label makes checkable.
package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

const (
	StreamPort  = 8081
	ControlPort = 8080
	AgentPort   = 8080

	// SpecHashLabel carries a hash of the rendering inputs so no-op redeploys
	// can be detected without diffing whole specs.
	SpecHashLabel = "falcon-eye.dev/spec-hash"

	// RecordingsHostPath is where every node stores recording files; the
	// file-server DaemonSet serves and deletes files under this tree.
	RecordingsHostPath = "/data/falcon-eye/recordings"
)

// Images are pinned per deployment through operator options; these are the defaults.
const (
	DefaultCameraUSBImage   = "ghcr.io/falconeye-dev/camera-usb:latest"
	DefaultCameraRelayImage = "ghcr.io/falconeye-dev/camera-relay:latest"
	DefaultRecorderImage    = "ghcr.io/falconeye-dev/recorder:latest"
	DefaultAgentImage       = "ghcr.io/falconeye-dev/agent:latest"
	DefaultCronRunnerImage  = "ghcr.io/falconeye-dev/cron-runner:latest"
	DefaultFileServerImage  = "ghcr.io/falconeye-dev/fileserver:latest"
)

// Generator holds the process-wide inputs that parameterize rendering. It has
// no mutable state.
type Generator struct {
	Namespace      string
	InternalAPIURL string
	JetsonNodes    sets.Set[string]
	FileServerPort int

	CameraUSBImage   string
	CameraRelayImage string
	RecorderImage    string
	AgentImage       string
	CronRunnerImage  string
	FileServerImage  string
}

func NewGenerator(namespace, internalAPIURL string, jetsonNodes sets.Set[string], fileServerPort int) *Generator {
	return &Generator{
		Namespace:        namespace,
		InternalAPIURL:   internalAPIURL,
		JetsonNodes:      jetsonNodes,
		FileServerPort:   fileServerPort,
		CameraUSBImage:   DefaultCameraUSBImage,
		CameraRelayImage: DefaultCameraRelayImage,
		RecorderImage:    DefaultRecorderImage,
		AgentImage:       DefaultAgentImage,
		CronRunnerImage:  DefaultCronRunnerImage,
		FileServerImage:  DefaultFileServerImage,
	}
}

// requirements is the fixed resource table per container class.
func requirements(requestMem, requestCPU, limitMem, limitCPU string) corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse(requestMem),
			corev1.ResourceCPU:    resource.MustParse(requestCPU),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse(limitMem),
			corev1.ResourceCPU:    resource.MustParse(limitCPU),
		},
	}
}

var (
	cameraRequirements     = requirements("128Mi", "100m", "512Mi", "500m")
	httpRelayRequirements  = requirements("64Mi", "50m", "256Mi", "250m")
	recorderRequirements   = requirements("128Mi", "100m", "512Mi", "500m")
	fileServerRequirements = requirements("32Mi", "25m", "128Mi", "100m")
)

// jetsonToleration is added when the target node sits in the process-wide
// Jetson set.
var jetsonToleration = corev1.Toleration{
	Key:      "dedicated",
	Operator: corev1.TolerationOpEqual,
	Value:    "jetson",
	Effect:   corev1.TaintEffectNoSchedule,
}

func (g *Generator) tolerations(nodeName string) []corev1.Toleration {
	if nodeName != "" && g.JetsonNodes.Has(nodeName) {
		return []corev1.Toleration{jetsonToleration}
	}
	return nil
}

func nodeSelector(nodeName string) map[string]string {
	if nodeName == "" {
		return nil
	}
	return map[string]string{corev1.LabelHostname: nodeName}
}

// specHash hashes the rendering inputs. Two renders of the same entity carry
// the same hash.
func specHash(input interface{}) string {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, nil)
	if err != nil {
		// Inputs are plain structs; a hash failure is a programming error.
		panic(fmt.Sprintf("hashing manifest input: %v", err))
	}
	return strconv.FormatUint(hash, 10)
}

// ParseResolution splits a WxH string into width and height.
func ParseResolution(resolution string) (int, int, error) {
	parts := strings.Split(resolution, "x")
	if len(parts) != 2 {
		return 0, 0, errors.Validation("resolution %q is not WxH", resolution)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Validation("resolution width %q is not a number", parts[0])
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Validation("resolution height %q is not a number", parts[1])
	}
	return width, height, nil
}

func envVar(name, value string) corev1.EnvVar {
	return corev1.EnvVar{Name: name, Value: value}
}

// downwardNodeName injects the scheduled node's name via the downward API.
func downwardNodeName() corev1.EnvVar {
	return corev1.EnvVar{
		Name: "NODE_NAME",
		ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "spec.nodeName"},
		},
	}
}

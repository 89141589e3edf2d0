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
	"encoding/json"

	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

type AgentWorkloads struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
}

// Agent renders the per-agent pod. LLM credentials are deliberately absent
// from the spec; they arrive per-request from the chat router.
func (g *Generator) Agent(agent *store.Agent) *AgentWorkloads {
	labels := lo.Assign(names.ManagedLabels(names.ComponentAgent), map[string]string{
		names.AgentIDLabel: agent.ID,
	})
	if agent.Ephemeral {
		labels["ephemeral"] = "true"
	}
	nodeName := lo.FromPtr(agent.NodeName)

	channelConfig, _ := json.Marshal(agent.ChannelConfig)
	podSpec := corev1.PodSpec{
		NodeSelector: nodeSelector(nodeName),
		Tolerations:  g.tolerations(nodeName),
		Containers: []corev1.Container{{
			Name:  "agent",
			Image: g.AgentImage,
			Env: []corev1.EnvVar{
				envVar("AGENT_ID", agent.ID),
				envVar("API_URL", g.InternalAPIURL),
				envVar("CHANNEL_TYPE", lo.FromPtr(agent.ChannelType)),
				envVar("CHANNEL_CONFIG", string(channelConfig)),
				envVar("AGENT_FILES_ROOT", "/var/lib/falcon-eye/agent"),
			},
			Ports: []corev1.ContainerPort{
				{Name: "http", ContainerPort: AgentPort},
			},
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse("128Mi"),
					corev1.ResourceCPU:    resource.MustParse("100m"),
				},
				Limits: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse(agent.MemoryLimit),
					corev1.ResourceCPU:    resource.MustParse(agent.CPULimit),
				},
			},
		}},
	}

	replicas := int32(1)
	return &AgentWorkloads{
		Deployment: &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{
				Name:      names.AgentDeployment(agent.Slug),
				Namespace: g.Namespace,
				Labels:    lo.Assign(labels, map[string]string{SpecHashLabel: specHash(podSpec)}),
			},
			Spec: appsv1.DeploymentSpec{
				Replicas: &replicas,
				Selector: &metav1.LabelSelector{MatchLabels: labels},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: labels},
					Spec:       podSpec,
				},
			},
		},
		Service: &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      names.AgentService(agent.Slug),
				Namespace: g.Namespace,
				Labels:    labels,
			},
			Spec: corev1.ServiceSpec{
				Type:     corev1.ServiceTypeClusterIP,
				Selector: labels,
				Ports:    []corev1.ServicePort{{Name: "http", Port: AgentPort}},
			},
		},
	}
}

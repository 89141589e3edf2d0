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

	"github.com/google/uuid"
	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

const (
	// Finished runner pods are reaped by the cluster after this long.
	runnerTTLSeconds = int32(600)
)

func (g *Generator) cronLabels(cronID string) map[string]string {
	return lo.Assign(names.ManagedLabels(names.ComponentCronRunner), map[string]string{
		names.CronIDLabel: cronID,
	})
}

// cronRunnerPod is the single-run pod that calls SendMessage on the target
// agent with the stored prompt and posts the result back.
func (g *Generator) cronRunnerPod(job *store.CronJob) corev1.PodTemplateSpec {
	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: g.cronLabels(job.ID)},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "cron-runner",
				Image: g.CronRunnerImage,
				Env: []corev1.EnvVar{
					envVar("API_URL", g.InternalAPIURL),
					envVar("AGENT_ID", job.AgentID),
					envVar("CRON_JOB_ID", job.ID),
					envVar("PROMPT", job.Prompt),
					envVar("TIMEOUT_SECONDS", fmt.Sprintf("%d", job.TimeoutSeconds)),
					envVar("SESSION_ID", lo.FromPtr(job.SessionID)),
				},
				Resources: httpRelayRequirements,
			}},
		},
	}
}

// CronJob renders the cluster-level CronJob for a user-level cron row.
func (g *Generator) CronJob(job *store.CronJob, agentSlug string) *batchv1.CronJob {
	ttl := runnerTTLSeconds
	suspend := !job.Enabled
	timezone := job.Timezone
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.CronJob(agentSlug, job.ID),
			Namespace: g.Namespace,
			Labels:    g.cronLabels(job.ID),
		},
		Spec: batchv1.CronJobSpec{
			Schedule:          job.CronExpr,
			TimeZone:          &timezone,
			Suspend:           &suspend,
			ConcurrencyPolicy: batchv1.ForbidConcurrent,
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: g.cronLabels(job.ID)},
				Spec: batchv1.JobSpec{
					TTLSecondsAfterFinished: &ttl,
					Template:                g.cronRunnerPod(job),
				},
			},
		},
	}
}

// TaskJob renders the one-shot Job dispatched by spawn_agent and
// delegate_task: it runs the task against the target agent and posts the
// result back to the caller's session as a system-sourced turn. Each dispatch
// gets a unique name so repeated tasks against one agent never collide.
func (g *Generator) TaskJob(target *store.Agent, callerAgentID, sessionID, task string, cleanup bool) *batchv1.Job {
	ttl := runnerTTLSeconds
	labels := lo.Assign(names.ManagedLabels(names.ComponentCronRunner), map[string]string{
		names.AgentIDLabel: target.ID,
	})
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("task-%s-%s", target.Slug, uuid.NewString()[:8]),
			Namespace: g.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "task-runner",
						Image: g.CronRunnerImage,
						Env: []corev1.EnvVar{
							envVar("API_URL", g.InternalAPIURL),
							envVar("AGENT_ID", target.ID),
							envVar("CALLER_AGENT_ID", callerAgentID),
							envVar("SESSION_ID", sessionID),
							envVar("PROMPT", task),
							envVar("CLEANUP_AGENT", fmt.Sprintf("%t", cleanup)),
						},
						Resources: httpRelayRequirements,
					}},
				},
			},
		},
	}
}

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

package agent

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

// Get returns the agent with its status reconciled against its pod.
func (c *Controller) Get(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, agent), nil
}

// GetBySlug is Get keyed by the agent's slug.
func (c *Controller) GetBySlug(ctx context.Context, slug string) (*store.Agent, error) {
	agent, err := c.store.GetAgentBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, agent), nil
}

// List returns all agents, each reconciled.
func (c *Controller) List(ctx context.Context) ([]*store.Agent, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i, agent := range agents {
		agents[i] = c.reconcile(ctx, agent)
	}
	return agents, nil
}

func (c *Controller) reconcile(ctx context.Context, agent *store.Agent) *store.Agent {
	switch agent.Status {
	case store.StatusRunning, store.StatusCreating:
	default:
		return agent
	}
	observed, message := c.observe(ctx, agent)
	if observed == agent.Status {
		if observed == store.StatusCreating &&
			time.Since(agent.UpdatedAt) > settings.FromContext(ctx).CreatingTimeout() {
			c.markError(ctx, agent, "stuck creating")
		}
		return agent
	}
	switch observed {
	case store.StatusError:
		c.markError(ctx, agent, message)
	default:
		if err := c.store.TransitionAgent(ctx, agent.ID, []store.Status{agent.Status}, observed); err != nil {
			log.FromContext(ctx).V(1).Info("status reconcile lost a race", "agent", agent.ID, "error", err)
			return agent
		}
		agent.Status = observed
	}
	return agent
}

func (c *Controller) observe(ctx context.Context, agent *store.Agent) (store.Status, string) {
	status, err := c.cluster.GetPodStatusForSelector(ctx, fmt.Sprintf("%s=%s", names.AgentIDLabel, agent.ID))
	if errors.IsNotFound(err) {
		if agent.Status == store.StatusCreating {
			return store.StatusCreating, ""
		}
		return store.StatusError, "pod not found"
	}
	if err != nil {
		log.FromContext(ctx).V(1).Info("skipping status reconcile", "agent", agent.ID, "error", err)
		return agent.Status, ""
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

func (c *Controller) markError(ctx context.Context, agent *store.Agent, message string) {
	if err := c.store.SetAgentError(ctx, agent.ID, message); err != nil {
		log.FromContext(ctx).Error(err, "recording agent error state", "agent", agent.ID)
		return
	}
	agent.Status = store.StatusError
	if agent.ChannelConfig == nil {
		agent.ChannelConfig = store.Metadata{}
	}
	agent.ChannelConfig["error"] = message
}

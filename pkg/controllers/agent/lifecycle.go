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

// Package agent drives the agent pod state machine. The shape mirrors the
// camera controller: rows carry intent, pods carry reality, and every
// transition is CASed so concurrent mutations fail loudly.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

const terminationWait = 15 * time.Second

// Store is the slice of persistence the agent controller needs.
type Store interface {
	CreateAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentBySlug(ctx context.Context, slug string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	UpdateAgent(ctx context.Context, agent *store.Agent) error
	TransitionAgent(ctx context.Context, id string, from []store.Status, to store.Status) error
	SetAgentError(ctx context.Context, id string, message string) error
	DeleteAgent(ctx context.Context, id string) error
}

type Controller struct {
	store     Store
	cluster   cluster.Client
	manifests *manifest.Generator
}

func NewController(agentStore Store, clusterClient cluster.Client, manifests *manifest.Generator) *Controller {
	return &Controller{store: agentStore, cluster: clusterClient, manifests: manifests}
}

// Create validates and persists a new agent. Agents start stopped; an
// explicit Start deploys the pod.
func (c *Controller) Create(ctx context.Context, agent *store.Agent) (*store.Agent, error) {
	applyDefaults(agent)
	if err := validate(agent); err != nil {
		return nil, err
	}
	agent.Status = store.StatusStopped
	if err := c.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (c *Controller) Start(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Status == store.StatusRunning || agent.Status == store.StatusCreating {
		return agent, nil
	}
	if err := c.store.TransitionAgent(ctx, id, []store.Status{store.StatusStopped, store.StatusError, store.StatusPending}, store.StatusCreating); err != nil {
		return nil, err
	}
	agent.Status = store.StatusCreating
	if err := c.deploy(ctx, agent); err != nil {
		_ = c.store.SetAgentError(ctx, agent.ID, err.Error())
		return nil, err
	}
	return c.store.GetAgent(ctx, id)
}

func (c *Controller) Stop(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Status == store.StatusStopped {
		return agent, nil
	}
	if err := c.teardown(ctx, agent); err != nil {
		_ = c.store.SetAgentError(ctx, agent.ID, err.Error())
		return nil, err
	}
	agent.Status = store.StatusStopped
	agent.DeploymentName = nil
	agent.ServiceName = nil
	if err := c.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (c *Controller) Restart(ctx context.Context, id string) (*store.Agent, error) {
	if _, err := c.Stop(ctx, id); err != nil {
		return nil, err
	}
	return c.Start(ctx, id)
}

// Patch is a partial agent update. Config changes on a running agent redeploy
// so the pod picks up its new environment.
type Patch struct {
	Name          *string           `json:"name,omitempty"`
	Provider      *string           `json:"provider,omitempty"`
	Model         *string           `json:"model,omitempty"`
	APIKeyRef     *string           `json:"api_key_ref,omitempty"`
	SystemPrompt  *string           `json:"system_prompt,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	ChannelType   *string           `json:"channel_type,omitempty"`
	ChannelConfig *store.Metadata   `json:"channel_config,omitempty"`
	Tools         *store.StringList `json:"tools,omitempty"`
	NodeName      *string           `json:"node_name,omitempty"`
	CPULimit      *string           `json:"cpu_limit,omitempty"`
	MemoryLimit   *string           `json:"memory_limit,omitempty"`
}

func (c *Controller) Update(ctx context.Context, id string, patch Patch) (*store.Agent, error) {
	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	redeploy := patch.ChannelType != nil || patch.ChannelConfig != nil || patch.NodeName != nil ||
		patch.CPULimit != nil || patch.MemoryLimit != nil
	if patch.Name != nil {
		agent.Name = *patch.Name
	}
	if patch.Provider != nil {
		agent.Provider = *patch.Provider
	}
	if patch.Model != nil {
		agent.Model = *patch.Model
	}
	if patch.APIKeyRef != nil {
		agent.APIKeyRef = patch.APIKeyRef
	}
	if patch.SystemPrompt != nil {
		agent.SystemPrompt = patch.SystemPrompt
	}
	if patch.Temperature != nil {
		agent.Temperature = *patch.Temperature
	}
	if patch.MaxTokens != nil {
		agent.MaxTokens = *patch.MaxTokens
	}
	if patch.ChannelType != nil {
		agent.ChannelType = patch.ChannelType
	}
	if patch.ChannelConfig != nil {
		agent.ChannelConfig = *patch.ChannelConfig
	}
	if patch.Tools != nil {
		agent.Tools = *patch.Tools
	}
	if patch.NodeName != nil {
		agent.NodeName = patch.NodeName
	}
	if patch.CPULimit != nil {
		agent.CPULimit = *patch.CPULimit
	}
	if patch.MemoryLimit != nil {
		agent.MemoryLimit = *patch.MemoryLimit
	}
	if err := validate(agent); err != nil {
		return nil, err
	}
	if err := c.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	if redeploy && agent.Status == store.StatusRunning {
		return c.Restart(ctx, id)
	}
	return agent, nil
}

// Delete refuses the main agent, marks the row deleting and tears down in the
// background.
func (c *Controller) Delete(ctx context.Context, id string) error {
	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Main {
		return errors.Validation("the main agent cannot be deleted")
	}
	if agent.Status == store.StatusDeleting {
		return errors.Validation("agent %q is already being deleted", id)
	}
	if err := c.store.TransitionAgent(ctx, id,
		[]store.Status{store.StatusPending, store.StatusCreating, store.StatusRunning, store.StatusError, store.StatusStopped},
		store.StatusDeleting); err != nil {
		return err
	}
	logger := log.FromContext(ctx).WithValues("agent", id)
	go func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		deleteCtx = log.IntoContext(deleteCtx, logger)
		if err := c.finishDelete(deleteCtx, agent); err != nil {
			logger.Error(err, "background agent deletion failed")
		}
	}()
	return nil
}

func (c *Controller) finishDelete(ctx context.Context, agent *store.Agent) error {
	if err := c.teardown(ctx, agent); err != nil {
		return err
	}
	deadline := time.Now().Add(terminationWait)
	selector := fmt.Sprintf("%s=%s", names.AgentIDLabel, agent.ID)
	for time.Now().Before(deadline) {
		if _, err := c.cluster.GetPodStatusForSelector(ctx, selector); errors.IsNotFound(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err := c.store.DeleteAgent(ctx, agent.ID); err != nil {
		return errors.IgnoreNotFound(err)
	}
	log.FromContext(ctx).Info("deleted agent", "name", agent.Name)
	return nil
}

func (c *Controller) deploy(ctx context.Context, agent *store.Agent) error {
	workloads := c.manifests.Agent(agent)
	if err := c.cluster.ApplyDeployment(ctx, workloads.Deployment); err != nil {
		return err
	}
	applied, err := c.cluster.ApplyService(ctx, workloads.Service)
	if err != nil {
		return err
	}
	agent.DeploymentName = &workloads.Deployment.Name
	agent.ServiceName = &applied.Name
	agent.Status = store.StatusRunning
	return c.store.UpdateAgent(ctx, agent)
}

func (c *Controller) teardown(ctx context.Context, agent *store.Agent) error {
	return c.cluster.DeleteByLabels(ctx, fmt.Sprintf("%s=%s", names.AgentIDLabel, agent.ID))
}

func applyDefaults(agent *store.Agent) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Slug == "" {
		agent.Slug = names.Slugify(agent.Name)
	}
	if agent.Temperature == 0 {
		agent.Temperature = 0.7
	}
	if agent.MaxTokens == 0 {
		agent.MaxTokens = 4096
	}
	if agent.CPULimit == "" {
		agent.CPULimit = "500m"
	}
	if agent.MemoryLimit == "" {
		agent.MemoryLimit = "512Mi"
	}
	if agent.ChannelConfig == nil {
		agent.ChannelConfig = store.Metadata{}
	}
	if agent.Tools == nil {
		agent.Tools = store.StringList{}
	}
	agent.Status = store.StatusPending
}

func validate(agent *store.Agent) error {
	if len(agent.Name) == 0 || len(agent.Name) > 255 {
		return errors.Validation("agent name must be 1-255 characters")
	}
	if agent.Provider == "" || agent.Model == "" {
		return errors.Validation("agents require provider and model")
	}
	if agent.Temperature < 0 || agent.Temperature > 2 {
		return errors.Validation("temperature must be between 0 and 2")
	}
	if agent.MaxTokens < 1 {
		return errors.Validation("max_tokens must be positive")
	}
	for _, quantity := range []string{agent.CPULimit, agent.MemoryLimit} {
		if _, err := resource.ParseQuantity(quantity); err != nil {
			return errors.Validation("invalid resource limit %q", quantity)
		}
	}
	if lo.FromPtr(agent.ChannelType) != "" && len(agent.ChannelConfig) == 0 {
		return errors.Validation("channel_type %q requires channel_config", lo.FromPtr(agent.ChannelType))
	}
	return nil
}

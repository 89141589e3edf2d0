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

package tools

import (
	"context"

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func metaTools(deps Deps) []Tool {
	return []Tool{
		{
			ID:          ToolSpawnAgent,
			Name:        "Spawn agent",
			Description: "Create a short-lived agent inheriting this agent's configuration, run a task on it, and report the result back to this session.",
			Parameters: schema([]string{"name", "task"}, map[string]any{
				"name":    property("string", "Human-readable name for the spawned agent"),
				"task":    property("string", "The task prompt the spawned agent should execute"),
				"cleanup": property("boolean", "Delete the spawned agent once the task completes, default true"),
			}),
			Category: CategoryMeta,
			handler:  spawnAgent(deps),
		},
		{
			ID:          ToolDelegateTask,
			Name:        "Delegate task",
			Description: "Run a task on an existing agent and report the result back to this session.",
			Parameters: schema([]string{"agent_id", "task"}, map[string]any{
				"agent_id": property("string", "UUID of the target agent"),
				"task":     property("string", "The task prompt the target agent should execute"),
			}),
			Category: CategoryMeta,
			handler:  delegateTask(deps),
		},
		{
			ID:          ToolCreateCronJob,
			Name:        "Create cron job",
			Description: "Schedule a recurring prompt against this agent using a five-field cron expression.",
			Parameters: schema([]string{"name", "cron_expr", "prompt"}, map[string]any{
				"name":            property("string", "Name of the schedule"),
				"cron_expr":       property("string", "Five-field cron expression, e.g. '0 8 * * *'"),
				"prompt":          property("string", "Prompt sent to the agent on every run"),
				"timezone":        property("string", "IANA timezone, default UTC"),
				"timeout_seconds": property("integer", "Per-run timeout, default 300"),
			}),
			Category: CategoryMeta,
			handler:  createCronJob(deps),
		},
	}
}

// spawnAgent creates an ephemeral copy of the caller and dispatches the task
// as a one-shot Job. The spawned agent inherits the caller's configuration
// but never its meta tools, so delegation depth is bounded at one.
func spawnAgent(deps Deps) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		name, err := stringArg(call, "name")
		if err != nil {
			return nil, err
		}
		task, err := stringArg(call, "task")
		if err != nil {
			return nil, err
		}
		cleanup := optionalBoolArg(call, "cleanup", true)

		caller, err := deps.Agents.Get(ctx, call.AgentID)
		if err != nil {
			return nil, err
		}
		spawned, err := deps.Agents.Create(ctx, &store.Agent{
			Name:         name,
			Provider:     caller.Provider,
			Model:        caller.Model,
			APIKeyRef:    caller.APIKeyRef,
			SystemPrompt: caller.SystemPrompt,
			Temperature:  caller.Temperature,
			MaxTokens:    caller.MaxTokens,
			Tools:        InheritableTools(caller.Tools),
			NodeName:     caller.NodeName,
			CPULimit:     caller.CPULimit,
			MemoryLimit:  caller.MemoryLimit,
			Ephemeral:    true,
		})
		if err != nil {
			return nil, err
		}
		if spawned, err = deps.Agents.Start(ctx, spawned.ID); err != nil {
			return nil, err
		}
		job := deps.Manifests.TaskJob(spawned, caller.ID, call.SessionID, task, cleanup)
		if err := deps.Cluster.CreateJob(ctx, job); err != nil {
			// Do not leave an idle ephemeral agent behind.
			if deleteErr := deps.Agents.Delete(ctx, spawned.ID); deleteErr != nil {
				log.FromContext(ctx).Error(deleteErr, "cleaning up spawned agent after job dispatch failure", "agent", spawned.ID)
			}
			return nil, err
		}
		return map[string]any{
			"agent_id": spawned.ID,
			"slug":     spawned.Slug,
			"job":      job.Name,
		}, nil
	}
}

func delegateTask(deps Deps) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		agentID, err := stringArg(call, "agent_id")
		if err != nil {
			return nil, err
		}
		task, err := stringArg(call, "task")
		if err != nil {
			return nil, err
		}
		target, err := deps.Agents.Get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		job := deps.Manifests.TaskJob(target, call.AgentID, call.SessionID, task, false)
		if err := deps.Cluster.CreateJob(ctx, job); err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": target.ID, "job": job.Name}, nil
	}
}

func createCronJob(deps Deps) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		name, err := stringArg(call, "name")
		if err != nil {
			return nil, err
		}
		expr, err := stringArg(call, "cron_expr")
		if err != nil {
			return nil, err
		}
		prompt, err := stringArg(call, "prompt")
		if err != nil {
			return nil, err
		}
		job, err := deps.Crons.Create(ctx, &store.CronJob{
			AgentID:        call.AgentID,
			Name:           name,
			CronExpr:       expr,
			Timezone:       lo.Ternary(optionalStringArg(call, "timezone") != "", optionalStringArg(call, "timezone"), "UTC"),
			Prompt:         prompt,
			TimeoutSeconds: optionalIntArg(call, "timeout_seconds", 0),
			Enabled:        true,
			SessionID:      &call.SessionID,
		})
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

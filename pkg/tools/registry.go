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

// Package tools is the registry of actions agents may invoke through the
// control plane. Agent pods hold tool IDs only; every execution round-trips
// through here so grants are enforced server side.
package tools

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

const (
	CategoryCamera    = "camera"
	CategoryRecording = "recording"
	CategoryMeta      = "meta"
)

// Meta tool IDs. These grant an agent the power to mint other agents or
// schedules, and are never inherited by spawned agents.
const (
	ToolSpawnAgent    = "spawn_agent"
	ToolDelegateTask  = "delegate_task"
	ToolCreateCronJob = "create_cron_job"
)

type Handler func(ctx context.Context, call *Call) (any, error)

// Call is one tool invocation on behalf of an agent session.
type Call struct {
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id"`
	Arguments map[string]any `json:"arguments"`
}

// Tool is one registered action. Parameters is a JSON schema fragment handed
// verbatim to the LLM provider.
type Tool struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Category    string         `json:"category"`

	handler Handler
}

// Registry is built once at startup and never mutated afterwards.
type Registry struct {
	byID  map[string]Tool
	order []string
}

func newRegistry(tools []Tool) *Registry {
	r := &Registry{byID: map[string]Tool{}}
	for _, tool := range tools {
		if _, dup := r.byID[tool.ID]; dup {
			panic("duplicate tool id " + tool.ID)
		}
		r.byID[tool.ID] = tool
		r.order = append(r.order, tool.ID)
	}
	sort.Strings(r.order)
	return r
}

// List returns every tool in stable ID order.
func (r *Registry) List() []Tool {
	return lo.Map(r.order, func(id string, _ int) Tool { return r.byID[id] })
}

// Get returns the tool by ID.
func (r *Registry) Get(id string) (Tool, error) {
	tool, ok := r.byID[id]
	if !ok {
		return Tool{}, errors.NotFound("unknown tool %q", id)
	}
	return tool, nil
}

// Known reports whether every ID names a registered tool, returning the first
// offender otherwise.
func (r *Registry) Known(ids []string) (string, bool) {
	for _, id := range ids {
		if _, ok := r.byID[id]; !ok {
			return id, false
		}
	}
	return "", true
}

// Execute runs one tool call.
func (r *Registry) Execute(ctx context.Context, id string, call *Call) (any, error) {
	tool, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return tool.handler(ctx, call)
}

// InheritableTools filters a grant list down to what a spawned agent may
// receive: everything except the meta tools. A spawned agent must never be
// able to spawn further agents.
func InheritableTools(granted []string) []string {
	return lo.Reject(granted, func(id string, _ int) bool {
		return id == ToolSpawnAgent || id == ToolDelegateTask || id == ToolCreateCronJob
	})
}

// Argument helpers. Tool arguments arrive as decoded JSON, so numbers are
// float64 and everything needs coercion.

func stringArg(call *Call, key string) (string, error) {
	raw, ok := call.Arguments[key]
	if !ok {
		return "", errors.Validation("tool argument %q is required", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", errors.Validation("tool argument %q must be a non-empty string", key)
	}
	return s, nil
}

func optionalStringArg(call *Call, key string) string {
	s, _ := call.Arguments[key].(string)
	return s
}

func optionalBoolArg(call *Call, key string, fallback bool) bool {
	if b, ok := call.Arguments[key].(bool); ok {
		return b
	}
	return fallback
}

func optionalIntArg(call *Call, key string, fallback int) int {
	if f, ok := call.Arguments[key].(float64); ok {
		return int(f)
	}
	return fallback
}

// schema builds the JSON schema object for a tool's parameters.
func schema(required []string, properties map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func property(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

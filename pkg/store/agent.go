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

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	agent.CreatedAt = now()
	agent.UpdatedAt = agent.CreatedAt
	if agent.ChannelConfig == nil {
		agent.ChannelConfig = Metadata{}
	}
	if agent.Tools == nil {
		agent.Tools = StringList{}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agents (id, name, slug, provider, model, api_key_ref, system_prompt,
			temperature, max_tokens, channel_type, channel_config, tools, status,
			deployment_name, service_name, node_name, cpu_limit, memory_limit, main,
			ephemeral, created_at, updated_at)
		VALUES (:id, :name, :slug, :provider, :model, :api_key_ref, :system_prompt,
			:temperature, :max_tokens, :channel_type, :channel_config, :tools, :status,
			:deployment_name, :service_name, :node_name, :cpu_limit, :memory_limit, :main,
			:ephemeral, :created_at, :updated_at)`, agent)
	if isUniqueViolation(err) {
		return errors.Conflict("agent slug %q already exists", agent.Slug)
	}
	if err != nil {
		return fmt.Errorf("inserting agent, %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	if err := s.db.GetContext(ctx, agent, `SELECT * FROM agents WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("agent %q not found", id)
		}
		return nil, fmt.Errorf("reading agent, %w", err)
	}
	return agent, nil
}

func (s *Store) GetAgentBySlug(ctx context.Context, slug string) (*Agent, error) {
	agent := &Agent{}
	if err := s.db.GetContext(ctx, agent, `SELECT * FROM agents WHERE slug = $1`, slug); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("agent %q not found", slug)
		}
		return nil, fmt.Errorf("reading agent, %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	agents := []*Agent{}
	if err := s.db.SelectContext(ctx, &agents, `SELECT * FROM agents ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("listing agents, %w", err)
	}
	return agents, nil
}

func (s *Store) ListAgentIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM agents`); err != nil {
		return nil, fmt.Errorf("listing agent ids, %w", err)
	}
	return ids, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = now()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE agents SET name = :name, slug = :slug, provider = :provider, model = :model,
			api_key_ref = :api_key_ref, system_prompt = :system_prompt, temperature = :temperature,
			max_tokens = :max_tokens, channel_type = :channel_type, channel_config = :channel_config,
			tools = :tools, status = :status, deployment_name = :deployment_name,
			service_name = :service_name, node_name = :node_name, cpu_limit = :cpu_limit,
			memory_limit = :memory_limit, updated_at = :updated_at
		WHERE id = :id`, agent)
	if err != nil {
		return fmt.Errorf("updating agent, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("agent %q not found", agent.ID)
	}
	return nil
}

func (s *Store) TransitionAgent(ctx context.Context, id string, from []Status, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4::text[])`,
		to, now(), id, "{"+strings.Join(lo.Map(from, func(s Status, _ int) string { return string(s) }), ",")+"}")
	if err != nil {
		return fmt.Errorf("transitioning agent, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		return errors.Conflict("agent %q is %s, cannot transition to %s", id, current.Status, to)
	}
	return nil
}

func (s *Store) SetAgentError(ctx context.Context, id string, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, channel_config = channel_config || jsonb_build_object('error', $2::text),
			updated_at = $3
		WHERE id = $4`, StatusError, message, now(), id)
	if err != nil {
		return fmt.Errorf("recording agent error, %w", err)
	}
	return nil
}

// DeleteAgent refuses to remove the designated main agent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Main {
		return errors.Validation("the main agent cannot be deleted")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting agent, %w", err)
	}
	return nil
}

// EnsureMainAgent guarantees the designated main agent exists. Called at boot.
func (s *Store) EnsureMainAgent(ctx context.Context, defaultProvider, defaultModel string) (*Agent, error) {
	agent := &Agent{}
	err := s.db.GetContext(ctx, agent, `SELECT * FROM agents WHERE main = TRUE`)
	if err == nil {
		return agent, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading main agent, %w", err)
	}
	agent = &Agent{
		ID:          uuid.NewString(),
		Name:        "Main",
		Slug:        "main",
		Provider:    defaultProvider,
		Model:       defaultModel,
		Temperature: 0.7,
		MaxTokens:   4096,
		Status:      StatusStopped,
		CPULimit:    "500m",
		MemoryLimit: "512Mi",
		Main:        true,
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

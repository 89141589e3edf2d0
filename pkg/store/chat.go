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
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateChatSession(ctx context.Context, name *string) (*ChatSession, error) {
	session := &ChatSession{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now(),
	}
	session.UpdatedAt = session.CreatedAt
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chat_sessions (id, name, created_at, updated_at)
		VALUES (:id, :name, :created_at, :updated_at)`, session); err != nil {
		return nil, fmt.Errorf("inserting chat session, %w", err)
	}
	return session, nil
}

// ListAgentSessions returns the sessions an agent has messages in, newest first.
func (s *Store) ListAgentSessions(ctx context.Context, agentID string) ([]*ChatSession, error) {
	sessions := []*ChatSession{}
	if err := s.db.SelectContext(ctx, &sessions, `
		SELECT cs.* FROM chat_sessions cs
		JOIN (SELECT session_id, MAX(created_at) AS last FROM agent_chat_messages
			WHERE agent_id = $1 GROUP BY session_id) m ON m.session_id = cs.id
		ORDER BY m.last DESC`, agentID); err != nil {
		return nil, fmt.Errorf("listing agent sessions, %w", err)
	}
	return sessions, nil
}

// SaveAgentMessage inserts one turn. Insertion order is the linearization
// order; callers serialize writes per (agent_id, session_id) above this layer.
func (s *Store) SaveAgentMessage(ctx context.Context, message *AgentChatMessage) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = now()
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_chat_messages (id, agent_id, session_id, role, content, source,
			source_user, prompt_tokens, completion_tokens, created_at)
		VALUES (:id, :agent_id, :session_id, :role, :content, :source,
			:source_user, :prompt_tokens, :completion_tokens, :created_at)`, message); err != nil {
		return fmt.Errorf("inserting agent message, %w", err)
	}
	return nil
}

// ListAgentMessages returns the newest limit messages of a session in
// chronological order.
func (s *Store) ListAgentMessages(ctx context.Context, agentID, sessionID string, limit int) ([]*AgentChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	messages := []*AgentChatMessage{}
	if err := s.db.SelectContext(ctx, &messages, `
		SELECT * FROM (
			SELECT * FROM agent_chat_messages
			WHERE agent_id = $1 AND session_id = $2
			ORDER BY created_at DESC LIMIT $3
		) newest ORDER BY created_at`, agentID, sessionID, limit); err != nil {
		return nil, fmt.Errorf("listing agent messages, %w", err)
	}
	return messages, nil
}

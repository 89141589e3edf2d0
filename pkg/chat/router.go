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

// Package chat routes conversation turns between channels, persistence and
// agent pods. All ordering guarantees come from the per-session lock: within
// one (agent, session) pair turns are strictly serialized, across pairs calls
// run concurrently.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

const (
	// Idle sessions drop their lock after this long; a new message simply
	// allocates a fresh one.
	sessionLockTTL = 30 * time.Minute

	historyLimit = 50
)

// Store is the slice of persistence the router needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	CreateChatSession(ctx context.Context, name *string) (*store.ChatSession, error)
	SaveAgentMessage(ctx context.Context, message *store.AgentChatMessage) error
	ListAgentMessages(ctx context.Context, agentID, sessionID string, limit int) ([]*store.AgentChatMessage, error)
	ListAgentSessions(ctx context.Context, agentID string) ([]*store.ChatSession, error)
}

// Reply is what an agent pod produced for one turn.
type Reply struct {
	Message   *store.AgentChatMessage `json:"message"`
	SessionID string                  `json:"session_id"`
	Media     []string                `json:"media,omitempty"`
}

type Router struct {
	store       Store
	cluster     cluster.Client
	pods        *PodClient
	sendTimeout time.Duration

	mu    sync.Mutex
	locks *cache.Cache
}

func NewRouter(chatStore Store, clusterClient cluster.Client, pods *PodClient, sendTimeout time.Duration) *Router {
	return &Router{
		store:       chatStore,
		cluster:     clusterClient,
		pods:        pods,
		sendTimeout: sendTimeout,
		locks:       cache.New(sessionLockTTL, sessionLockTTL),
	}
}

// sessionLock returns the mutex serializing one (agent, session) pair.
func (r *Router) sessionLock(agentID, sessionID string) *sync.Mutex {
	key := fmt.Sprintf("%s/%s", agentID, sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.locks.Get(key); ok {
		return existing.(*sync.Mutex)
	}
	lock := &sync.Mutex{}
	r.locks.SetDefault(key, lock)
	return lock
}

// Send runs one full turn: persist the user message, call the agent pod with
// the conversation history and the agent's LLM configuration, persist the
// reply. A pod failure or timeout still produces a persisted assistant turn
// describing the error, so the transcript never silently loses a turn.
func (r *Router) Send(ctx context.Context, agentID, sessionID, content, source string, sourceUser *string) (*Reply, error) {
	if content == "" {
		return nil, errors.Validation("message content must not be empty")
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != store.StatusRunning {
		return nil, errors.Validation("agent %q is %s, chat requires a running agent", agent.Name, agent.Status)
	}
	if sessionID == "" {
		session, err := r.store.CreateChatSession(ctx, nil)
		if err != nil {
			return nil, err
		}
		sessionID = session.ID
	}

	lock := r.sessionLock(agentID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	userTurn := &store.AgentChatMessage{
		AgentID:    agentID,
		SessionID:  sessionID,
		Role:       store.RoleUser,
		Content:    content,
		Source:     source,
		SourceUser: sourceUser,
	}
	if err := r.store.SaveAgentMessage(ctx, userTurn); err != nil {
		return nil, err
	}

	history, err := r.store.ListAgentMessages(ctx, agentID, sessionID, historyLimit)
	if err != nil {
		return nil, err
	}
	llmConfig, err := r.llmConfig(ctx, agent)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	podReply, err := r.pods.Send(sendCtx, agent, &podRequest{
		SessionID: sessionID,
		Messages:  historyPayload(history),
		Tools:     r.tools(ctx, agent),
		LLMConfig: llmConfig,
	})
	if err != nil {
		// Persist the failure as the assistant turn; the session stays usable.
		errorTurn := &store.AgentChatMessage{
			AgentID:   agentID,
			SessionID: sessionID,
			Role:      store.RoleAssistant,
			Content:   fmt.Sprintf("Error: %s", err),
			Source:    store.SourceSystem,
		}
		if saveErr := r.store.SaveAgentMessage(ctx, errorTurn); saveErr != nil {
			log.FromContext(ctx).Error(saveErr, "persisting chat error turn", "agent", agentID, "session", sessionID)
		}
		return nil, errors.Transient("agent %q did not answer, %s", agent.Name, err)
	}

	assistantTurn := &store.AgentChatMessage{
		AgentID:          agentID,
		SessionID:        sessionID,
		Role:             store.RoleAssistant,
		Content:          podReply.Response,
		Source:           store.SourceAgent,
		PromptTokens:     podReply.PromptTokens,
		CompletionTokens: podReply.CompletionTokens,
	}
	if err := r.store.SaveAgentMessage(ctx, assistantTurn); err != nil {
		return nil, err
	}
	return &Reply{Message: assistantTurn, SessionID: sessionID, Media: podReply.Media}, nil
}

// Save persists a turn without invoking the agent. Channels and cron runners
// use this to append externally produced messages.
func (r *Router) Save(ctx context.Context, message *store.AgentChatMessage) (*store.AgentChatMessage, error) {
	if message.AgentID == "" || message.SessionID == "" {
		return nil, errors.Validation("messages require agent_id and session_id")
	}
	if message.Role == "" {
		message.Role = store.RoleUser
	}
	lock := r.sessionLock(message.AgentID, message.SessionID)
	lock.Lock()
	defer lock.Unlock()
	if err := r.store.SaveAgentMessage(ctx, message); err != nil {
		return nil, err
	}
	return message, nil
}

// History returns the most recent turns of a session in chronological order.
func (r *Router) History(ctx context.Context, agentID, sessionID string, limit int) ([]*store.AgentChatMessage, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	return r.store.ListAgentMessages(ctx, agentID, sessionID, limit)
}

// Sessions lists an agent's sessions, most recently active first.
func (r *Router) Sessions(ctx context.Context, agentID string) ([]*store.ChatSession, error) {
	return r.store.ListAgentSessions(ctx, agentID)
}

// llmConfig assembles the per-request model configuration the pod needs. The
// API key never lives in the pod spec; it is read from the secret on every
// send.
func (r *Router) llmConfig(ctx context.Context, agent *store.Agent) (*llmConfig, error) {
	cfg := &llmConfig{
		Provider:     agent.Provider,
		Model:        agent.Model,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
		SystemPrompt: lo.FromPtr(agent.SystemPrompt),
	}
	keyRef := lo.FromPtr(agent.APIKeyRef)
	if keyRef == "" {
		return cfg, nil
	}
	secret, err := r.cluster.ReadSecret(ctx, settings.SecretName)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Validation("agent %q references secret key %q but no secret exists", agent.Name, keyRef)
		}
		return nil, err
	}
	key, ok := secret.Data[keyRef]
	if !ok {
		return nil, errors.Validation("agent %q references missing secret key %q", agent.Name, keyRef)
	}
	cfg.APIKey = string(key)
	return cfg, nil
}

// tools is the tool ID list granted to this agent for the turn: the agent's
// own grants, or the configured default set when it has none.
func (r *Router) tools(ctx context.Context, agent *store.Agent) []string {
	if len(agent.Tools) > 0 {
		return agent.Tools
	}
	return settings.FromContext(ctx).ChatbotTools
}

func historyPayload(history []*store.AgentChatMessage) []podMessage {
	return lo.Map(history, func(m *store.AgentChatMessage, _ int) podMessage {
		return podMessage{Role: m.Role, Content: m.Content}
	})
}

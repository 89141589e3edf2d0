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

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

type podMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmConfig struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

type podRequest struct {
	SessionID string       `json:"session_id"`
	Messages  []podMessage `json:"messages"`
	Tools     []string     `json:"tools"`
	LLMConfig *llmConfig   `json:"llm_config"`
}

type podReply struct {
	Response         string   `json:"response"`
	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
	// Media holds URLs of images or clips the pod produced alongside the text.
	Media []string `json:"media,omitempty"`
}

// PodClient calls agent pods over their cluster Service. A per-agent circuit
// breaker keeps a crash-looping pod from eating the full send timeout on every
// message.
type PodClient struct {
	namespace string
	client    *http.Client
	breakers  *breakerSet
	// endpoint maps an agent to its chat URL; swapped out in tests.
	endpoint func(agent *store.Agent) string
}

func NewPodClient(namespace string) *PodClient {
	p := &PodClient{
		namespace: namespace,
		// Per-request deadlines come from the caller's context.
		client:   &http.Client{},
		breakers: newBreakerSet(),
	}
	p.endpoint = func(agent *store.Agent) string {
		return fmt.Sprintf("http://%s:%d/chat/send", names.AgentServiceHost(agent.Slug, p.namespace), manifest.AgentPort)
	}
	return p
}

// Send posts one turn to the agent pod and decodes its reply.
func (p *PodClient) Send(ctx context.Context, agent *store.Agent, request *podRequest) (*podReply, error) {
	breaker := p.breakers.forAgent(agent.ID)
	result, err := breaker.Execute(func() (interface{}, error) {
		return p.send(ctx, agent, request)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.Transient("agent %q is failing, circuit open", agent.Name)
	}
	if err != nil {
		return nil, err
	}
	return result.(*podReply), nil
}

func (p *PodClient) send(ctx context.Context, agent *store.Agent, request *podRequest) (*podReply, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request, %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(agent), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agent pod, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent pod returned %d: %s", resp.StatusCode, string(msg))
	}
	reply := &podReply{}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return nil, fmt.Errorf("decoding agent reply, %w", err)
	}
	return reply, nil
}

// breakerSet lazily allocates one circuit breaker per agent.
type breakerSet struct {
	mu      sync.Mutex
	byAgent map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{byAgent: map[string]*gobreaker.CircuitBreaker{}}
}

func (s *breakerSet) forAgent(agentID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if breaker, ok := s.byAgent[agentID]; ok {
		return breaker
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    agentID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Log.V(1).Info("agent circuit state changed", "agent", name, "from", from.String(), "to", to.String())
		},
	})
	s.byAgent[agentID] = breaker
	return breaker
}

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

package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	agentcontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/agent"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/tools"
)

func (s *Server) agentRoutes(r chi.Router) {
	r.Get("/", s.listAgents)
	r.Post("/", s.createAgent)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getAgent)
		r.Patch("/", s.updateAgent)
		r.Delete("/", s.deleteAgent)
		r.Post("/start", s.startAgent)
		r.Post("/stop", s.stopAgent)
		r.Post("/restart", s.restartAgent)
		r.Get("/tools", s.getAgentTools)
		r.Put("/tools", s.putAgentTools)
		r.Get("/chat-config", s.agentChatConfig)
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	agent := &store.Agent{}
	if err := decodeJSON(r, agent); err != nil {
		respondError(w, r, err)
		return
	}
	if unknown, ok := s.registry.Known(agent.Tools); !ok {
		respondError(w, r, errors.Validation("unknown tool %q", unknown))
		return
	}
	created, err := s.agents.Create(r.Context(), agent)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	patch := agentcontroller.Patch{}
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	if patch.Tools != nil {
		if unknown, ok := s.registry.Known(*patch.Tools); !ok {
			respondError(w, r, errors.Validation("unknown tool %q", unknown))
			return
		}
	}
	agent, err := s.agents.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleting"})
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) restartAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) getAgentTools(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	granted := agent.Tools
	if len(granted) == 0 {
		granted = settings.FromContext(r.Context()).ChatbotTools
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": granted})
}

func (s *Server) putAgentTools(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Tools store.StringList `json:"tools"`
	}{}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if unknown, ok := s.registry.Known(body.Tools); !ok {
		respondError(w, r, errors.Validation("unknown tool %q", unknown))
		return
	}
	agent, err := s.agents.Update(r.Context(), chi.URLParam(r, "id"), agentcontroller.Patch{Tools: &body.Tools})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": agent.Tools})
}

// agentChatConfig is read by agent pods at startup: the agent's model
// configuration and its granted tool schemas, without credentials.
func (s *Server) agentChatConfig(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	granted := agent.Tools
	if len(granted) == 0 {
		granted = settings.FromContext(r.Context()).ChatbotTools
	}
	grantedSet := lo.SliceToMap(granted, func(id string) (string, struct{}) { return id, struct{}{} })
	schemas := lo.Filter(s.registry.List(), func(t tools.Tool, _ int) bool {
		_, ok := grantedSet[t.ID]
		return ok
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"provider":      agent.Provider,
		"model":         agent.Model,
		"temperature":   agent.Temperature,
		"max_tokens":    agent.MaxTokens,
		"system_prompt": lo.FromPtr(agent.SystemPrompt),
		"tools":         schemas,
	})
}

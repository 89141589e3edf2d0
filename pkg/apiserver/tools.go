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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/tools"
)

func (s *Server) toolRoutes(r chi.Router) {
	r.Get("/", s.listTools)
	r.Post("/execute", s.executeTool)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.List())
}

type executeToolRequest struct {
	Tool      string         `json:"tool"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// executeTool runs a tool on behalf of an agent pod. The grant check happens
// here, not in the pod, so a compromised pod cannot widen its own toolbox.
func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	req := executeToolRequest{}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Tool == "" || req.AgentID == "" {
		respondError(w, r, errors.Validation("tool and agent_id are required"))
		return
	}
	agent, err := s.agents.Get(r.Context(), req.AgentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	granted := agent.Tools
	if len(granted) == 0 {
		granted = settings.FromContext(r.Context()).ChatbotTools
	}
	allowed := false
	for _, id := range granted {
		if id == req.Tool {
			allowed = true
			break
		}
	}
	if !allowed {
		respondError(w, r, errors.Validation("agent %q is not granted tool %q", agent.Name, req.Tool))
		return
	}
	result, err := s.registry.Execute(r.Context(), req.Tool, &tools.Call{
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Arguments: req.Arguments,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	text, ok := result.(string)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			respondError(w, r, err)
			return
		}
		text = string(encoded)
	}
	respondJSON(w, http.StatusOK, map[string]any{"result_text": text, "media_list": []string{}})
}

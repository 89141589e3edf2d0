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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func (s *Server) chatRoutes(r chi.Router) {
	r.Route("/{agent_id}", func(r chi.Router) {
		r.Post("/send", s.sendChat)
		r.Get("/history", s.chatHistory)
		r.Get("/sessions", s.chatSessions)
		r.Post("/sessions/new", s.newChatSession)
		r.Post("/messages/save", s.saveChatMessage)
	})
}

type sendChatRequest struct {
	SessionID  string  `json:"session_id,omitempty"`
	Content    string  `json:"content"`
	Source     string  `json:"source,omitempty"`
	SourceUser *string `json:"source_user,omitempty"`
}

func (s *Server) sendChat(w http.ResponseWriter, r *http.Request) {
	req := sendChatRequest{}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Source == "" {
		req.Source = store.SourceAPI
	}
	reply, err := s.router.Send(r.Context(), chi.URLParam(r, "agent_id"), req.SessionID, req.Content, req.Source, req.SourceUser)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	messages, err := s.router.History(r.Context(), chi.URLParam(r, "agent_id"), r.URL.Query().Get("session_id"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

func (s *Server) chatSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.router.Sessions(r.Context(), chi.URLParam(r, "agent_id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) newChatSession(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Name *string `json:"name,omitempty"`
	}{}
	// An empty body is fine; the session just goes unnamed.
	_ = decodeJSON(r, &body)
	session, err := s.store.CreateChatSession(r.Context(), body.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

// saveChatMessage appends an externally produced turn: cron results, channel
// adapter traffic, inter-agent callbacks.
func (s *Server) saveChatMessage(w http.ResponseWriter, r *http.Request) {
	message := &store.AgentChatMessage{}
	if err := decodeJSON(r, message); err != nil {
		respondError(w, r, err)
		return
	}
	message.AgentID = chi.URLParam(r, "agent_id")
	saved, err := s.router.Save(r.Context(), message)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

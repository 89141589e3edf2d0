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

	croncontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/cron"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func (s *Server) cronRoutes(r chi.Router) {
	r.Get("/", s.listCronJobs)
	r.Post("/", s.createCronJob)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getCronJob)
		r.Patch("/", s.updateCronJob)
		r.Delete("/", s.deleteCronJob)
		// Runner pods report their outcome here.
		r.Post("/record-run", s.recordCronRun)
	})
}

func (s *Server) listCronJobs(w http.ResponseWriter, r *http.Request) {
	var agentID *string
	if v := r.URL.Query().Get("agent_id"); v != "" {
		agentID = &v
	}
	jobs, err := s.crons.List(r.Context(), agentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) createCronJob(w http.ResponseWriter, r *http.Request) {
	job := &store.CronJob{}
	if err := decodeJSON(r, job); err != nil {
		respondError(w, r, err)
		return
	}
	created, err := s.crons.Create(r.Context(), job)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) getCronJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.crons.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateCronJob(w http.ResponseWriter, r *http.Request) {
	patch := croncontroller.Patch{}
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	job, err := s.crons.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteCronJob(w http.ResponseWriter, r *http.Request) {
	if err := s.crons.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) recordCronRun(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status  string `json:"status"`
		Summary string `json:"summary,omitempty"`
	}{}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.crons.RecordRun(r.Context(), chi.URLParam(r, "id"), body.Status, body.Summary); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

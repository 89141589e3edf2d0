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
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func (s *Server) recordingRoutes(r chi.Router) {
	r.Get("/", s.listRecordings)
	// Create and patch are the recorder pods' callback surface.
	r.Post("/", s.createRecording)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getRecording)
		r.Patch("/", s.patchRecording)
		r.Delete("/", s.deleteRecording)
		r.Get("/download", s.downloadRecording)
	})
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	filter := store.RecordingFilter{}
	q := r.URL.Query()
	if v := q.Get("camera_id"); v != "" {
		filter.CameraID = &v
	}
	if v := q.Get("status"); v != "" {
		status := store.RecordingStatus(v)
		filter.Status = &status
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	recordings, err := s.store.ListRecordings(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recordings)
}

// createRecording is called by recorder pods once the output file is open.
func (s *Server) createRecording(w http.ResponseWriter, r *http.Request) {
	recording := &store.Recording{}
	if err := decodeJSON(r, recording); err != nil {
		respondError(w, r, err)
		return
	}
	if recording.Status == "" {
		recording.Status = store.RecordingActive
	}
	if err := s.store.CreateRecording(r.Context(), recording); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, recording)
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	recording, err := s.store.GetRecording(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recording)
}

// patchRecording is called by recorder pods to finalize a recording.
func (s *Server) patchRecording(w http.ResponseWriter, r *http.Request) {
	patch := store.RecordingPatch{}
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	recording, err := s.store.PatchRecording(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recording)
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recording, err := s.store.GetRecording(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if r.URL.Query().Get("delete_file") == "true" {
		// Best effort; the row goes away regardless and the sweeper cannot
		// bring it back.
		if err := s.proxy.DeleteFile(r.Context(), recording); err != nil {
			log.FromContext(r.Context()).Info("could not delete recording file", "recording", id, "error", err)
		}
	}
	if err := s.store.DeleteRecording(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) downloadRecording(w http.ResponseWriter, r *http.Request) {
	recording, err := s.store.GetRecording(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.proxy.Download(w, r, recording); err != nil {
		respondError(w, r, err)
	}
}

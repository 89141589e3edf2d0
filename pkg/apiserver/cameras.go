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

	cameracontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/camera"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func (s *Server) cameraRoutes(r chi.Router) {
	r.Get("/", s.listCameras)
	r.Post("/", s.createCamera)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getCamera)
		r.Patch("/", s.updateCamera)
		r.Delete("/", s.deleteCamera)
		r.Post("/start", s.startCamera)
		r.Post("/stop", s.stopCamera)
		r.Post("/restart", s.restartCamera)
		r.Get("/stream", s.streamCamera)
		r.Get("/recording/status", s.recordingStatus)
		r.Post("/recording/start", s.startRecording)
		r.Post("/recording/stop", s.stopRecording)
	})
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	filter := store.CameraFilter{}
	if v := r.URL.Query().Get("protocol"); v != "" {
		protocol := store.Protocol(v)
		filter.Protocol = &protocol
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.Status(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("node"); v != "" {
		filter.Node = &v
	}
	cameras, err := s.cameras.List(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cameras)
}

func (s *Server) createCamera(w http.ResponseWriter, r *http.Request) {
	camera := &store.Camera{}
	if err := decodeJSON(r, camera); err != nil {
		respondError(w, r, err)
		return
	}
	created, err := s.cameras.Create(r.Context(), camera)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, camera)
}

func (s *Server) updateCamera(w http.ResponseWriter, r *http.Request) {
	patch := cameracontroller.Patch{}
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	camera, err := s.cameras.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, camera)
}

func (s *Server) deleteCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.cameras.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleting"})
}

func (s *Server) startCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, camera)
}

func (s *Server) stopCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, camera)
}

func (s *Server) restartCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, camera)
}

func (s *Server) streamCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.proxy.Stream(w, r, camera); err != nil {
		respondError(w, r, err)
	}
}

func (s *Server) recordingStatus(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	active, err := s.recorders.Status(r.Context(), camera)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if active == nil {
		respondJSON(w, http.StatusOK, map[string]any{"recording": false})
		return
	}
	// An active row whose recorder pod is gone will never finalize itself;
	// close it now instead of reporting a recording that is not happening.
	hasPod, err := s.recorders.HasPod(r.Context(), camera.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !hasPod {
		if err := s.recorders.RepairOrphaned(r.Context(), active); err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"recording": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recording": true, "active": active})
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.recorders.Start(r.Context(), camera); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recording started"})
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	camera, err := s.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.recorders.Stop(r.Context(), camera); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recording stopped"})
}

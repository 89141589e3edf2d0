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
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func (s *Server) settingsRoutes(r chi.Router) {
	r.Get("/", s.getSettings)
	r.Patch("/", s.patchSettings)
	r.Post("/restart-all", s.restartAllCameras)
	r.Delete("/cameras/all", s.deleteAllCameras)
}

// getSettings returns the durable ConfigMap keys plus the names (never the
// values) of configured secret keys.
func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	config := map[string]string{}
	if cm, err := s.cluster.ReadConfigMap(r.Context(), settings.ConfigMapName); err == nil {
		config = cm.Data
	} else if !errors.IsNotFound(err) {
		respondError(w, r, err)
		return
	}
	secretKeys := []string{}
	if secret, err := s.cluster.ReadSecret(r.Context(), settings.SecretName); err == nil {
		secretKeys = lo.Keys(secret.Data)
	} else if !errors.IsNotFound(err) {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"config":      config,
		"secret_keys": secretKeys,
	})
}

type settingsPatch struct {
	Config  map[string]string `json:"config,omitempty"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// patchSettings merges keys into the durable ConfigMap and Secret. Changes
// take effect on the next settings refresh; running pods are untouched.
func (s *Server) patchSettings(w http.ResponseWriter, r *http.Request) {
	patch := settingsPatch{}
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	if len(patch.Config) == 0 && len(patch.Secrets) == 0 {
		respondError(w, r, errors.Validation("patch must set config or secrets"))
		return
	}
	if len(patch.Config) > 0 {
		if _, err := s.cluster.PatchConfigMap(r.Context(), settings.ConfigMapName, patch.Config); err != nil {
			respondError(w, r, err)
			return
		}
	}
	if len(patch.Secrets) > 0 {
		merged := map[string][]byte{}
		if existing, err := s.cluster.ReadSecret(r.Context(), settings.SecretName); err == nil {
			merged = existing.Data
		} else if !errors.IsNotFound(err) {
			respondError(w, r, err)
			return
		}
		if merged == nil {
			merged = map[string][]byte{}
		}
		for k, v := range patch.Secrets {
			merged[k] = []byte(v)
		}
		if err := s.cluster.CreateOrReplaceSecret(r.Context(), &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: settings.SecretName},
			Data:       merged,
		}); err != nil {
			respondError(w, r, err)
			return
		}
	}
	s.getSettings(w, r)
}

// restartAllCameras restarts every running camera, continuing past individual
// failures.
func (s *Server) restartAllCameras(w http.ResponseWriter, r *http.Request) {
	running := store.StatusRunning
	cameras, err := s.cameras.List(r.Context(), store.CameraFilter{Status: &running})
	if err != nil {
		respondError(w, r, err)
		return
	}
	restarted := 0
	for _, cam := range cameras {
		if _, err := s.cameras.Restart(r.Context(), cam.ID); err != nil {
			log.FromContext(r.Context()).Error(err, "restarting camera", "camera", cam.ID)
			continue
		}
		restarted++
	}
	respondJSON(w, http.StatusOK, map[string]int{"restarted": restarted, "total": len(cameras)})
}

// deleteAllCameras removes every camera row and its workloads. Recordings
// survive, detached.
func (s *Server) deleteAllCameras(w http.ResponseWriter, r *http.Request) {
	cameras, err := s.cameras.List(r.Context(), store.CameraFilter{})
	if err != nil {
		respondError(w, r, err)
		return
	}
	deleted := 0
	for _, cam := range cameras {
		if err := s.cameras.Delete(r.Context(), cam.ID); err != nil {
			log.FromContext(r.Context()).Error(err, "deleting camera", "camera", cam.ID)
			continue
		}
		deleted++
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleting": deleted, "total": len(cameras)})
}

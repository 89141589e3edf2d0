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
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) nodeRoutes(r chi.Router) {
	r.Get("/", s.listNodes)
	r.Get("/scan/cameras", s.scanCameras)
	r.Get("/{name}", s.getNode)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	info, err := s.nodes.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// scanCameras discovers attachable sources. With ?network=<cidr> it sweeps a
// subnet, with ?network=<host> it probes a single host; otherwise it scans the
// capture nodes for USB devices, optionally narrowed to ?node=<name>.
func (s *Server) scanCameras(w http.ResponseWriter, r *http.Request) {
	if network := r.URL.Query().Get("network"); network != "" {
		if strings.Contains(network, "/") {
			candidates, err := s.scanner.ListNetwork(r.Context(), network)
			if err != nil {
				respondError(w, r, err)
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"subnet": network, "candidates": candidates})
			return
		}
		results, err := s.scanner.Probe(r.Context(), network)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"host": network, "ports": results})
		return
	}
	devices, err := s.scanner.ScanUSB(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if node := r.URL.Query().Get("node"); node != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if d.NodeName == node {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

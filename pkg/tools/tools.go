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

package tools

import (
	"context"

	"github.com/falconeye-dev/falcon-eye/pkg/controllers/agent"
	"github.com/falconeye-dev/falcon-eye/pkg/controllers/camera"
	"github.com/falconeye-dev/falcon-eye/pkg/controllers/cron"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/recorder"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

// Store is the slice of persistence tool handlers read directly.
type Store interface {
	GetRecording(ctx context.Context, id string) (*store.Recording, error)
	ListRecordings(ctx context.Context, filter store.RecordingFilter) ([]*store.Recording, error)
}

// Deps is everything tool handlers act through.
type Deps struct {
	Store     Store
	Cameras   *camera.Controller
	Recorders *recorder.Supervisor
	Agents    *agent.Controller
	Crons     *cron.Controller
	Cluster   cluster.Client
	Manifests *manifest.Generator
}

// NewRegistry builds the full tool set.
func NewRegistry(deps Deps) *Registry {
	return newRegistry(append(domainTools(deps), metaTools(deps)...))
}

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

// Package names derives deterministic workload names and labels from entity slugs.
// The labels are the sole authority for mapping a cluster workload back to the
// entity that owns it; nothing here consults persistence.
package names

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	AppLabel       = "app"
	AppName        = "falcon-eye"
	ComponentLabel = "component"

	CameraIDLabel    = "camera-id"
	RecorderForLabel = "recorder-for"
	AgentIDLabel     = "agent-id"
	CronIDLabel      = "cron-id"

	ComponentCamera     = "camera"
	ComponentRecorder   = "recorder"
	ComponentAgent      = "agent"
	ComponentCronRunner = "cron-runner"
	ComponentFileServer = "fileserver"
)

// maxSlugLen keeps the longest derived name (cron-{slug}-{uuid}) under the 63
// character DNS label limit.
const maxSlugLen = 20

var invalidChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts an entity name into a DNS-safe slug.
func Slugify(name string) string {
	slug := invalidChars.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "unnamed"
	}
	return slug
}

func CameraDeployment(slug string) string { return fmt.Sprintf("cam-%s", slug) }
func CameraService(slug string) string    { return fmt.Sprintf("svc-%s", slug) }
func RecorderDeployment(slug string) string { return fmt.Sprintf("rec-%s", slug) }
func RecorderService(slug string) string    { return fmt.Sprintf("svc-rec-%s", slug) }
func AgentDeployment(slug string) string    { return fmt.Sprintf("agent-%s", slug) }
func AgentService(slug string) string       { return fmt.Sprintf("svc-agent-%s", slug) }

// CronJob includes the cron row's UUID so that multiple jobs targeting the same
// agent never collide.
func CronJob(agentSlug, cronID string) string {
	return fmt.Sprintf("cron-%s-%s", agentSlug, cronID)
}

// CameraStreamHost is the in-cluster DNS name of a camera's stream Service.
func CameraStreamHost(slug, namespace string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local", CameraService(slug), namespace)
}

// RecorderServiceHost is the in-cluster DNS name of a camera's recorder Service.
func RecorderServiceHost(slug, namespace string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local", RecorderService(slug), namespace)
}

// AgentServiceHost is the in-cluster DNS name of an agent's Service.
func AgentServiceHost(slug, namespace string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local", AgentService(slug), namespace)
}

// ManagedLabels returns the base label set shared by every workload the control
// plane owns. The owner label (camera-id, recorder-for, agent-id, cron-id) is
// merged in by the manifest generator.
func ManagedLabels(component string) map[string]string {
	return map[string]string{
		AppLabel:       AppName,
		ComponentLabel: component,
	}
}

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

package settings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	v1 "k8s.io/api/core/v1"
	"knative.dev/pkg/configmap"
)

const (
	// ConfigMapName is the source of truth for mutable runtime settings.
	ConfigMapName = "falcon-eye-config"
	// SecretName holds the LLM provider API keys relayed to agent pods.
	SecretName = "falcon-eye-secrets"
)

type settingsKeyType struct{}

var ContextKey = settingsKeyType{}

var defaultSettings = &Settings{
	DefaultResolution:      "640x480",
	DefaultFramerate:       15,
	DefaultCameraNode:      "",
	DefaultRecorderNode:    "",
	CleanupInterval:        2 * time.Minute,
	CreatingTimeoutMinutes: 3,
	ChatbotTools:           []string{},
}

type Settings struct {
	DefaultResolution      string        `validate:"required"`
	DefaultFramerate       int           `validate:"min=1,max=60"`
	DefaultCameraNode      string
	DefaultRecorderNode    string
	CleanupInterval        time.Duration `validate:"min=10s"`
	CreatingTimeoutMinutes int           `validate:"min=1"`
	ChatbotTools           []string
}

func (*Settings) ConfigMap() string {
	return ConfigMapName
}

// Inject creates a Settings from the supplied ConfigMap and attaches it to the context
func (*Settings) Inject(ctx context.Context, cm *v1.ConfigMap) (context.Context, error) {
	s := defaultSettings.deepCopy()

	if err := configmap.Parse(cm.Data,
		configmap.AsString("DEFAULT_RESOLUTION", &s.DefaultResolution),
		configmap.AsInt("DEFAULT_FRAMERATE", &s.DefaultFramerate),
		configmap.AsString("DEFAULT_CAMERA_NODE", &s.DefaultCameraNode),
		configmap.AsString("DEFAULT_RECORDER_NODE", &s.DefaultRecorderNode),
		configmap.AsDuration("CLEANUP_INTERVAL", &s.CleanupInterval),
		configmap.AsInt("CREATING_TIMEOUT_MINUTES", &s.CreatingTimeoutMinutes),
		asStringSlice("CHATBOT_TOOLS", &s.ChatbotTools),
	); err != nil {
		return ctx, fmt.Errorf("parsing settings, %w", err)
	}
	if err := s.Validate(); err != nil {
		return ctx, fmt.Errorf("validating settings, %w", err)
	}
	return ToContext(ctx, s), nil
}

func (s Settings) Validate() error {
	return multierr.Combine(
		s.validateResolution(),
		validator.New().Struct(s),
	)
}

func (s Settings) validateResolution() error {
	parts := strings.Split(s.DefaultResolution, "x")
	if len(parts) != 2 {
		return fmt.Errorf("%q not a valid WxH resolution", s.DefaultResolution)
	}
	return nil
}

// CreatingTimeout is the age past which a creating entity is declared stuck.
func (s Settings) CreatingTimeout() time.Duration {
	return time.Duration(s.CreatingTimeoutMinutes) * time.Minute
}

func (s *Settings) deepCopy() *Settings {
	out := *s
	out.ChatbotTools = append([]string{}, s.ChatbotTools...)
	return &out
}

func ToContext(ctx context.Context, s *Settings) context.Context {
	return context.WithValue(ctx, ContextKey, s)
}

func FromContext(ctx context.Context) *Settings {
	data := ctx.Value(ContextKey)
	if data == nil {
		// Defaults apply until the ConfigMap has been observed
		return defaultSettings.deepCopy()
	}
	return data.(*Settings)
}

// asStringSlice parses a comma-separated value into target
func asStringSlice(key string, target *[]string) configmap.ParseFunc {
	return func(data map[string]string) error {
		if raw, ok := data[key]; ok && raw != "" {
			*target = strings.Split(raw, ",")
			for i := range *target {
				(*target)[i] = strings.TrimSpace((*target)[i])
			}
		}
		return nil
	}
}

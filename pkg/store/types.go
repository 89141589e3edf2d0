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

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

// Status is the lifecycle state shared by cameras and agents.
type Status string

const (
	StatusPending  Status = "pending"
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
	StatusDeleting Status = "deleting"
)

type Protocol string

const (
	ProtocolUSB   Protocol = "usb"
	ProtocolRTSP  Protocol = "rtsp"
	ProtocolONVIF Protocol = "onvif"
	ProtocolHTTP  Protocol = "http"
)

type RecordingStatus string

const (
	RecordingActive    RecordingStatus = "recording"
	RecordingStopped   RecordingStatus = "stopped"
	RecordingCompleted RecordingStatus = "completed"
	RecordingFailed    RecordingStatus = "failed"
	RecordingError     RecordingStatus = "error"
)

// Metadata is an opaque key/value map persisted as JSONB.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata source type %T", src)
	}
	return json.Unmarshal(raw, m)
}

// StringList is an ordered list persisted as JSONB.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = StringList{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported list source type %T", src)
	}
	return json.Unmarshal(raw, l)
}

type Camera struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Protocol       Protocol  `db:"protocol" json:"protocol"`
	Location       *string   `db:"location" json:"location,omitempty"`
	SourceURL      *string   `db:"source_url" json:"source_url,omitempty"`
	DevicePath     *string   `db:"device_path" json:"device_path,omitempty"`
	NodeName       *string   `db:"node_name" json:"node_name,omitempty"`
	DeploymentName *string   `db:"deployment_name" json:"deployment_name,omitempty"`
	ServiceName    *string   `db:"service_name" json:"service_name,omitempty"`
	StreamPort     *int      `db:"stream_port" json:"stream_port,omitempty"`
	ControlPort    *int      `db:"control_port" json:"control_port,omitempty"`
	Status         Status    `db:"status" json:"status"`
	Resolution     string    `db:"resolution" json:"resolution"`
	Framerate      int       `db:"framerate" json:"framerate"`
	Metadata       Metadata  `db:"metadata" json:"metadata"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Slug derives the camera's workload naming slug from its name.
func (c *Camera) Slug() string { return names.Slugify(c.Name) }

type Recording struct {
	ID              string          `db:"id" json:"id"`
	CameraID        *string         `db:"camera_id" json:"camera_id,omitempty"`
	CameraName      string          `db:"camera_name" json:"camera_name"`
	FilePath        string          `db:"file_path" json:"file_path"`
	FileName        string          `db:"file_name" json:"file_name"`
	StartTime       time.Time       `db:"start_time" json:"start_time"`
	EndTime         *time.Time      `db:"end_time" json:"end_time,omitempty"`
	DurationSeconds *float64        `db:"duration_seconds" json:"duration_seconds,omitempty"`
	FileSizeBytes   *int64          `db:"file_size_bytes" json:"file_size_bytes,omitempty"`
	Status          RecordingStatus `db:"status" json:"status"`
	ErrorMessage    *string         `db:"error_message" json:"error_message,omitempty"`
	NodeName        *string         `db:"node_name" json:"node_name,omitempty"`
	CameraDeleted   bool            `db:"camera_deleted" json:"camera_deleted"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

type Agent struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Slug           string    `db:"slug" json:"slug"`
	Provider       string    `db:"provider" json:"provider"`
	Model          string    `db:"model" json:"model"`
	APIKeyRef      *string   `db:"api_key_ref" json:"api_key_ref,omitempty"`
	SystemPrompt   *string   `db:"system_prompt" json:"system_prompt,omitempty"`
	Temperature    float64   `db:"temperature" json:"temperature"`
	MaxTokens      int       `db:"max_tokens" json:"max_tokens"`
	ChannelType    *string   `db:"channel_type" json:"channel_type,omitempty"`
	ChannelConfig  Metadata  `db:"channel_config" json:"channel_config"`
	Tools          StringList `db:"tools" json:"tools"`
	Status         Status    `db:"status" json:"status"`
	DeploymentName *string   `db:"deployment_name" json:"deployment_name,omitempty"`
	ServiceName    *string   `db:"service_name" json:"service_name,omitempty"`
	NodeName       *string   `db:"node_name" json:"node_name,omitempty"`
	CPULimit       string    `db:"cpu_limit" json:"cpu_limit"`
	MemoryLimit    string    `db:"memory_limit" json:"memory_limit"`
	Main           bool      `db:"main" json:"main"`
	Ephemeral      bool      `db:"ephemeral" json:"ephemeral"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

type ChatSession struct {
	ID        string    `db:"id" json:"id"`
	Name      *string   `db:"name" json:"name,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type ChatMessage struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type AgentChatMessage struct {
	ID               string    `db:"id" json:"id"`
	AgentID          string    `db:"agent_id" json:"agent_id"`
	SessionID        string    `db:"session_id" json:"session_id"`
	Role             string    `db:"role" json:"role"`
	Content          string    `db:"content" json:"content"`
	Source           string    `db:"source" json:"source"`
	SourceUser       *string   `db:"source_user" json:"source_user,omitempty"`
	PromptTokens     *int      `db:"prompt_tokens" json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `db:"completion_tokens" json:"completion_tokens,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Message sources.
const (
	SourceDashboard = "dashboard"
	SourceTelegram  = "telegram"
	SourceCron      = "cron"
	SourceAgent     = "agent"
	SourceSystem    = "system"
	SourceAPI       = "api"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type CronJob struct {
	ID             string     `db:"id" json:"id"`
	AgentID        string     `db:"agent_id" json:"agent_id"`
	Name           string     `db:"name" json:"name"`
	CronExpr       string     `db:"cron_expr" json:"cron_expr"`
	Timezone       string     `db:"timezone" json:"timezone"`
	Prompt         string     `db:"prompt" json:"prompt"`
	TimeoutSeconds int        `db:"timeout_seconds" json:"timeout_seconds"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	SessionID      *string    `db:"session_id" json:"session_id,omitempty"`
	LastStatus     *string    `db:"last_status" json:"last_status,omitempty"`
	LastSummary    *string    `db:"last_summary" json:"last_summary,omitempty"`
	LastRunAt      *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

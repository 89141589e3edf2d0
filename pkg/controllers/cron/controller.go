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

// Package cron manages scheduled agent prompts. Each row projects onto a
// cluster CronJob whose runner pod calls back into the chat API.
package cron

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

const (
	defaultTimeoutSeconds = 300
	maxTimeoutSeconds     = 3600
)

// The standard five-field cron dialect, no seconds.
var exprParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Store is the slice of persistence the cron controller needs.
type Store interface {
	CreateCronJob(ctx context.Context, job *store.CronJob) error
	GetCronJob(ctx context.Context, id string) (*store.CronJob, error)
	ListCronJobs(ctx context.Context, agentID *string) ([]*store.CronJob, error)
	UpdateCronJob(ctx context.Context, job *store.CronJob) error
	RecordCronRun(ctx context.Context, id, status, summary string, at time.Time) error
	DeleteCronJob(ctx context.Context, id string) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

type Controller struct {
	store     Store
	cluster   cluster.Client
	manifests *manifest.Generator
}

func NewController(cronStore Store, clusterClient cluster.Client, manifests *manifest.Generator) *Controller {
	return &Controller{store: cronStore, cluster: clusterClient, manifests: manifests}
}

// Create validates the schedule, persists the row and projects the CronJob.
func (c *Controller) Create(ctx context.Context, job *store.CronJob) (*store.CronJob, error) {
	applyDefaults(job)
	agent, err := c.validate(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateCronJob(ctx, job); err != nil {
		return nil, err
	}
	if err := c.cluster.EnsureCronJob(ctx, c.manifests.CronJob(job, agent.Slug)); err != nil {
		return nil, err
	}
	log.FromContext(ctx).Info("created cron job", "name", job.Name, "agent", agent.Slug, "schedule", job.CronExpr)
	return job, nil
}

func (c *Controller) Get(ctx context.Context, id string) (*store.CronJob, error) {
	return c.store.GetCronJob(ctx, id)
}

func (c *Controller) List(ctx context.Context, agentID *string) ([]*store.CronJob, error) {
	return c.store.ListCronJobs(ctx, agentID)
}

// Patch is a partial cron job update.
type Patch struct {
	Name           *string `json:"name,omitempty"`
	CronExpr       *string `json:"cron_expr,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}

func (c *Controller) Update(ctx context.Context, id string, patch Patch) (*store.CronJob, error) {
	job, err := c.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.CronExpr != nil {
		job.CronExpr = *patch.CronExpr
	}
	if patch.Timezone != nil {
		job.Timezone = *patch.Timezone
	}
	if patch.Prompt != nil {
		job.Prompt = *patch.Prompt
	}
	if patch.TimeoutSeconds != nil {
		job.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	agent, err := c.validate(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateCronJob(ctx, job); err != nil {
		return nil, err
	}
	// EnsureCronJob reconciles schedule, timezone and suspension in one shot.
	if err := c.cluster.EnsureCronJob(ctx, c.manifests.CronJob(job, agent.Slug)); err != nil {
		return nil, err
	}
	return job, nil
}

// SetEnabled flips only the suspension state without touching the schedule.
func (c *Controller) SetEnabled(ctx context.Context, id string, enabled bool) (*store.CronJob, error) {
	job, err := c.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Enabled == enabled {
		return job, nil
	}
	agent, err := c.store.GetAgent(ctx, job.AgentID)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	if err := c.store.UpdateCronJob(ctx, job); err != nil {
		return nil, err
	}
	if err := c.cluster.SuspendCronJob(ctx, names.CronJob(agent.Slug, job.ID), !enabled); err != nil {
		return nil, err
	}
	return job, nil
}

// RecordRun persists the outcome of a runner invocation. Called by the runner
// pod through the internal API.
func (c *Controller) RecordRun(ctx context.Context, id, status, summary string) error {
	if _, err := c.store.GetCronJob(ctx, id); err != nil {
		return err
	}
	return c.store.RecordCronRun(ctx, id, status, summary, time.Now().UTC())
}

// Delete removes both the cluster CronJob and the row. The cluster object goes
// first so a crash between the two leaves an orphan the sweeper can find.
func (c *Controller) Delete(ctx context.Context, id string) error {
	job, err := c.store.GetCronJob(ctx, id)
	if err != nil {
		return err
	}
	agent, err := c.store.GetAgent(ctx, job.AgentID)
	if err == nil {
		if err := c.cluster.DeleteCronJob(ctx, names.CronJob(agent.Slug, job.ID)); err != nil {
			return err
		}
	} else if !errors.IsNotFound(err) {
		return err
	}
	return c.store.DeleteCronJob(ctx, id)
}

func applyDefaults(job *store.CronJob) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	if job.TimeoutSeconds == 0 {
		job.TimeoutSeconds = defaultTimeoutSeconds
	}
}

func (c *Controller) validate(ctx context.Context, job *store.CronJob) (*store.Agent, error) {
	if len(job.Name) == 0 || len(job.Name) > 255 {
		return nil, errors.Validation("cron job name must be 1-255 characters")
	}
	if job.Prompt == "" {
		return nil, errors.Validation("cron jobs require a prompt")
	}
	if _, err := exprParser.Parse(job.CronExpr); err != nil {
		return nil, errors.Validation("invalid cron expression %q: %s", job.CronExpr, err)
	}
	if _, err := time.LoadLocation(job.Timezone); err != nil {
		return nil, errors.Validation("unknown timezone %q", job.Timezone)
	}
	if job.TimeoutSeconds < 1 || job.TimeoutSeconds > maxTimeoutSeconds {
		return nil, errors.Validation("timeout_seconds must be between 1 and %d", maxTimeoutSeconds)
	}
	agent, err := c.store.GetAgent(ctx, job.AgentID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Validation("cron job targets unknown agent %q", job.AgentID)
		}
		return nil, err
	}
	return agent, nil
}

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

// Package garbagecollection sweeps the two places persistence and the cluster
// can drift apart: recording rows whose recorder pod vanished, and workloads
// whose owning row was removed behind the control plane's back.
package garbagecollection

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/recorder"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

// Store is the slice of persistence the sweeper needs.
type Store interface {
	ListActiveRecordings(ctx context.Context) ([]*store.Recording, error)
	ListCameraIDs(ctx context.Context) ([]string, error)
	ListAgentIDs(ctx context.Context) ([]string, error)
	ListCameras(ctx context.Context, filter store.CameraFilter) ([]*store.Camera, error)
	SetCameraError(ctx context.Context, id string, message string) error
}

type Controller struct {
	store     Store
	cluster   cluster.Client
	recorders *recorder.Supervisor
	clock     clock.Clock
}

func NewController(sweeperStore Store, clusterClient cluster.Client, recorders *recorder.Supervisor) *Controller {
	return &Controller{
		store:     sweeperStore,
		cluster:   clusterClient,
		recorders: recorders,
		clock:     clock.RealClock{},
	}
}

// Run sweeps on the configured interval until the context ends.
func (c *Controller) Run(ctx context.Context) error {
	interval := settings.FromContext(ctx).CleanupInterval
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if err := c.Sweep(ctx); err != nil {
			log.FromContext(ctx).Error(err, "sweep pass failed")
		}
	}))
	scheduler.Start()
	log.FromContext(ctx).Info("sweeper started", "interval", interval)
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// Sweep runs one full pass. Failures in one phase never mask the others.
func (c *Controller) Sweep(ctx context.Context) error {
	start := c.clock.Now()
	defer func() { sweepDuration.Observe(c.clock.Since(start).Seconds()) }()
	return multierr.Combine(
		c.repairOrphanedRecordings(ctx),
		c.deleteUnownedWorkloads(ctx),
		c.failStuckCameras(ctx),
	)
}

// repairOrphanedRecordings closes active rows whose recorder pod is gone.
// Rows belonging to deleted cameras were already stopped on camera delete, so
// anything still active here claims a live pod.
func (c *Controller) repairOrphanedRecordings(ctx context.Context) error {
	active, err := c.store.ListActiveRecordings(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, rec := range active {
		if rec.CameraID == nil {
			// Detached but still active: the owning camera is gone.
			if err := c.recorders.RepairOrphaned(ctx, rec); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			recordingsRepaired.Inc()
			continue
		}
		alive, err := c.recorders.HasPod(ctx, *rec.CameraID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if alive {
			continue
		}
		if err := c.recorders.RepairOrphaned(ctx, rec); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		recordingsRepaired.Inc()
		log.FromContext(ctx).Info("repaired orphaned recording", "recording", rec.ID, "camera", *rec.CameraID)
	}
	return errs
}

// deleteUnownedWorkloads removes camera, recorder and agent workloads whose
// owning row no longer exists. Deployments are the source of owner IDs;
// deleting by owner label also collects the paired Service.
func (c *Controller) deleteUnownedWorkloads(ctx context.Context) error {
	cameraIDs, err := c.store.ListCameraIDs(ctx)
	if err != nil {
		return err
	}
	agentIDs, err := c.store.ListAgentIDs(ctx)
	if err != nil {
		return err
	}
	owners := func(ids []string) map[string]struct{} {
		return lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })
	}
	cameras, agents := owners(cameraIDs), owners(agentIDs)

	var errs error
	for _, spec := range []struct {
		component  string
		ownerLabel string
		known      map[string]struct{}
	}{
		{names.ComponentCamera, names.CameraIDLabel, cameras},
		{names.ComponentRecorder, names.RecorderForLabel, cameras},
		{names.ComponentAgent, names.AgentIDLabel, agents},
	} {
		deployments, err := c.cluster.ListDeploymentsByLabel(ctx,
			fmt.Sprintf("%s=%s,%s=%s", names.AppLabel, names.AppName, names.ComponentLabel, spec.component))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for i := range deployments {
			owner := deployments[i].Labels[spec.ownerLabel]
			if owner == "" {
				continue
			}
			if _, ok := spec.known[owner]; ok {
				continue
			}
			if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("%s=%s", spec.ownerLabel, owner)); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			workloadsDeleted.WithLabelValues(spec.component).Inc()
			log.FromContext(ctx).Info("deleted unowned workloads", "component", spec.component, "owner", owner)
		}
	}
	return errs
}

// failStuckCameras marks rows that have sat in creating beyond the configured
// timeout. Read-time reconciliation does the same, but only for cameras
// somebody asks about.
func (c *Controller) failStuckCameras(ctx context.Context) error {
	creating := store.StatusCreating
	cameras, err := c.store.ListCameras(ctx, store.CameraFilter{Status: &creating})
	if err != nil {
		return err
	}
	timeout := settings.FromContext(ctx).CreatingTimeout()
	var errs error
	for _, cam := range cameras {
		if c.clock.Since(cam.UpdatedAt) <= timeout {
			continue
		}
		// Evict whatever half-deployed workloads exist before failing the row.
		if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("%s=%s", names.CameraIDLabel, cam.ID)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("%s=%s", names.RecorderForLabel, cam.ID)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := c.store.SetCameraError(ctx, cam.ID, "stuck creating"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		log.FromContext(ctx).Info("evicted stuck camera", "camera", cam.ID)
	}
	return errs
}

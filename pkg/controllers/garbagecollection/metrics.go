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

package garbagecollection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordingsRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "falconeye",
		Subsystem: "sweeper",
		Name:      "recordings_repaired_total",
		Help:      "Active recording rows closed because their recorder pod no longer exists.",
	})
	workloadsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "falconeye",
		Subsystem: "sweeper",
		Name:      "workloads_deleted_total",
		Help:      "Cluster workloads deleted because no entity row owns them.",
	}, []string{"component"})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "falconeye",
		Subsystem: "sweeper",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a full sweep pass.",
		Buckets:   prometheus.DefBuckets,
	})
)

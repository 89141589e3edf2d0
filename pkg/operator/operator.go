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

// Package operator assembles the control plane: configuration, clients,
// providers, controllers and the HTTP surfaces, and runs them until shutdown.
package operator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/apis/settings"
	"github.com/falconeye-dev/falcon-eye/pkg/apiserver"
	"github.com/falconeye-dev/falcon-eye/pkg/chat"
	agentcontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/agent"
	cameracontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/camera"
	croncontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/cron"
	"github.com/falconeye-dev/falcon-eye/pkg/controllers/garbagecollection"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/operator/options"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/node"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/recorder"
	"github.com/falconeye-dev/falcon-eye/pkg/proxy"
	"github.com/falconeye-dev/falcon-eye/pkg/scan"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/tools"
)

const settingsRefreshInterval = 30 * time.Second

// The main agent's model configuration until an operator changes it.
const (
	defaultLLMProvider = "openai"
	defaultLLMModel    = "gpt-4o-mini"
)

type Operator struct {
	Options   *options.Options
	Logger    logr.Logger
	Store     *store.Store
	Cluster   cluster.Client
	Manifests *manifest.Generator
	Server    *apiserver.Server
	Sweeper   *garbagecollection.Controller

	currentSettings atomic.Pointer[settings.Settings]
}

// NewOperator wires every component. Fatal configuration problems surface
// here, before anything starts serving.
func NewOperator(ctx context.Context, opts *options.Options) (*Operator, error) {
	logger := zapr.NewLogger(zap.Must(zap.NewProduction()))
	log.SetLogger(logger)

	restConfig := ctrlconfig.GetConfigOrDie()
	restConfig.QPS = float32(opts.KubeClientQPS)
	restConfig.Burst = opts.KubeClientBurst
	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Fatal(fmt.Errorf("building kubernetes client, %w", err))
	}

	db, err := store.Open(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	clusterClient := cluster.NewDefaultClient(kube, opts.Namespace)
	nodeProvider := node.NewDefaultProvider(clusterClient)
	manifests := manifest.NewGenerator(opts.Namespace, opts.InternalAPIURL, opts.JetsonNodeSet(), opts.FileServerPort)

	recorders := recorder.NewSupervisor(db, clusterClient, manifests, opts.Namespace, opts.RecorderReadyTimeout)
	cameras := cameracontroller.NewController(db, clusterClient, manifests, recorders)
	agents := agentcontroller.NewController(db, clusterClient, manifests)
	crons := croncontroller.NewController(db, clusterClient, manifests)
	sweeper := garbagecollection.NewController(db, clusterClient, recorders)

	podClient := chat.NewPodClient(opts.Namespace)
	router := chat.NewRouter(db, clusterClient, podClient, opts.ChatSendTimeout)
	registry := tools.NewRegistry(tools.Deps{
		Store:     db,
		Cameras:   cameras,
		Recorders: recorders,
		Agents:    agents,
		Crons:     crons,
		Cluster:   clusterClient,
		Manifests: manifests,
	})
	streamProxy := proxy.New(opts.Namespace, opts.FileServerPort, nodeProvider)
	scanner := scan.NewScanner(nodeProvider, opts.JetsonNodeSet(), opts.SSHUser, opts.SSHKeyPath)

	o := &Operator{
		Options:   opts,
		Logger:    logger,
		Store:     db,
		Cluster:   clusterClient,
		Manifests: manifests,
		Sweeper:   sweeper,
	}
	o.currentSettings.Store(settings.FromContext(ctx))
	o.Server = apiserver.NewServer(apiserver.Config{
		Store:       db,
		Cluster:     clusterClient,
		Nodes:       nodeProvider,
		Cameras:     cameras,
		Agents:      agents,
		Crons:       crons,
		Recorders:   recorders,
		Router:      router,
		Registry:    registry,
		Proxy:       streamProxy,
		Scanner:     scanner,
		APIToken:    opts.APIToken,
		SettingsCtx: o.settingsContext,
	})
	return o, nil
}

// Start runs boot tasks and then serves until the context ends.
func (o *Operator) Start(ctx context.Context) error {
	ctx = log.IntoContext(o.settingsContext(ctx), o.Logger)
	if err := o.boot(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return o.serveHTTP(ctx) })
	group.Go(func() error { return o.serveMetrics(ctx) })
	group.Go(func() error { return o.Sweeper.Run(o.settingsContext(ctx)) })
	group.Go(func() error { return o.refreshSettings(ctx) })
	return group.Wait()
}

// boot applies the cluster-wide singletons: the main agent row and the
// file-server DaemonSet. Both are idempotent.
func (o *Operator) boot(ctx context.Context) error {
	if _, err := o.Store.EnsureMainAgent(ctx, defaultLLMProvider, defaultLLMModel); err != nil {
		return err
	}
	if err := o.Cluster.ApplyDaemonSet(ctx, o.Manifests.FileServer()); err != nil {
		return err
	}
	// One eager sweep so a restart repairs drift immediately.
	if err := o.Sweeper.Sweep(ctx); err != nil {
		log.FromContext(ctx).Error(err, "initial sweep failed")
	}
	return nil
}

func (o *Operator) serveHTTP(ctx context.Context) error {
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", o.Options.HTTPPort),
		Handler:     o.Server.Routes(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.FromContext(ctx).Info("api server listening", "port", o.Options.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (o *Operator) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", o.Options.MetricsPort), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// refreshSettings polls the durable ConfigMap and swaps the shared snapshot.
func (o *Operator) refreshSettings(ctx context.Context) error {
	ticker := time.NewTicker(settingsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cm, err := o.Cluster.ReadConfigMap(ctx, settings.ConfigMapName)
			if errors.IsNotFound(err) {
				continue
			}
			if err != nil {
				log.FromContext(ctx).Error(err, "reading settings configmap")
				continue
			}
			injected, err := (&settings.Settings{}).Inject(ctx, cm)
			if err != nil {
				log.FromContext(ctx).Error(err, "rejecting invalid settings")
				continue
			}
			o.currentSettings.Store(settings.FromContext(injected))
		}
	}
}

// settingsContext attaches the latest observed settings snapshot.
func (o *Operator) settingsContext(ctx context.Context) context.Context {
	return settings.ToContext(ctx, o.currentSettings.Load())
}

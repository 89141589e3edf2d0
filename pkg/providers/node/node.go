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

// Package node resolves node names to internal IPs and readiness details.
// Entries are cached five minutes; a stale read serves the cached value and
// kicks off a single background refresh.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
)

const ttl = 5 * time.Minute

type Info struct {
	Name   string            `json:"name"`
	IP     string            `json:"ip"`
	Ready  bool              `json:"ready"`
	Labels map[string]string `json:"labels"`
	Taints []corev1.Taint    `json:"taints"`
	Arch   string            `json:"arch"`
	OS     string            `json:"os"`
}

type Provider interface {
	Resolve(ctx context.Context, name string) (string, error)
	Get(ctx context.Context, name string) (*Info, error)
	List(ctx context.Context) ([]*Info, error)
}

type DefaultProvider struct {
	mu         sync.Mutex
	cluster    cluster.Client
	cache      *cache.Cache
	refreshing bool
}

func NewDefaultProvider(clusterClient cluster.Client) *DefaultProvider {
	return &DefaultProvider{
		cluster: clusterClient,
		cache:   cache.New(ttl, ttl),
	}
}

// Resolve returns the node's internal IP. Unknown nodes are an error, never a
// silent fallback.
func (p *DefaultProvider) Resolve(ctx context.Context, name string) (string, error) {
	info, err := p.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if info.IP == "" {
		return "", errors.Transient("node %q has no internal IP", name)
	}
	return info.IP, nil
}

func (p *DefaultProvider) Get(ctx context.Context, name string) (*Info, error) {
	if cached, expiry, ok := p.cache.GetWithExpiration(name); ok {
		if time.Until(expiry) < ttl/2 {
			p.refreshInBackground(ctx)
		}
		return cached.(*Info), nil
	}
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	if cached, ok := p.cache.Get(name); ok {
		return cached.(*Info), nil
	}
	return nil, errors.NotFound("node %q not found", name)
}

func (p *DefaultProvider) List(ctx context.Context) ([]*Info, error) {
	nodes, err := p.cluster.ReadNodes(ctx)
	if err != nil {
		return nil, err
	}
	infos := lo.Map(nodes, func(n corev1.Node, _ int) *Info { return infoFromNode(&n) })
	p.store(infos)
	return infos, nil
}

func (p *DefaultProvider) refresh(ctx context.Context) error {
	nodes, err := p.cluster.ReadNodes(ctx)
	if err != nil {
		return fmt.Errorf("refreshing node registry, %w", err)
	}
	p.store(lo.Map(nodes, func(n corev1.Node, _ int) *Info { return infoFromNode(&n) }))
	return nil
}

// refreshInBackground kicks a single refresher; concurrent stale reads keep
// serving the cached value.
func (p *DefaultProvider) refreshInBackground(ctx context.Context) {
	p.mu.Lock()
	if p.refreshing {
		p.mu.Unlock()
		return
	}
	p.refreshing = true
	p.mu.Unlock()

	logger := log.FromContext(ctx)
	go func() {
		defer func() {
			p.mu.Lock()
			p.refreshing = false
			p.mu.Unlock()
		}()
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.refresh(refreshCtx); err != nil {
			logger.Error(err, "background node refresh failed")
		}
	}()
}

func (p *DefaultProvider) store(infos []*Info) {
	for _, info := range infos {
		p.cache.SetDefault(info.Name, info)
	}
}

func infoFromNode(node *corev1.Node) *Info {
	info := &Info{
		Name:   node.Name,
		Labels: node.Labels,
		Taints: node.Spec.Taints,
		Arch:   node.Status.NodeInfo.Architecture,
		OS:     node.Status.NodeInfo.OperatingSystem,
	}
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			info.IP = addr.Address
			break
		}
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			info.Ready = cond.Status == corev1.ConditionTrue
			break
		}
	}
	return info
}

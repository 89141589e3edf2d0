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

// Package proxy relays camera MJPEG streams and recording downloads to HTTP
// clients. Streams are copied frame by frame with no buffering; downloads are
// fetched from the per-node file servers with range passthrough.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/node"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/utils/names"
)

// streamCopyBuffer keeps per-frame latency low; a large buffer would batch
// MJPEG frames and stutter the feed.
const streamCopyBuffer = 32 * 1024

type Proxy struct {
	namespace      string
	fileServerPort int
	nodes          node.Provider
	// Streams run unbounded; only the dial gets a deadline.
	streamClient   *http.Client
	downloadClient *http.Client
	rrCounter      atomic.Uint64
}

func New(namespace string, fileServerPort int, nodes node.Provider) *Proxy {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	streamTransport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
		// Proxied MJPEG bodies must not be recompressed or buffered.
		DisableCompression: true,
	}
	return &Proxy{
		namespace:      namespace,
		fileServerPort: fileServerPort,
		nodes:          nodes,
		streamClient:   &http.Client{Transport: streamTransport},
		downloadClient: &http.Client{Timeout: 0, Transport: streamTransport},
	}
}

// Stream relays the camera's MJPEG feed to the client until either side
// disconnects.
func (p *Proxy) Stream(w http.ResponseWriter, r *http.Request, camera *store.Camera) error {
	if camera.Status != store.StatusRunning {
		return errors.Validation("camera %q is %s, streams require a running camera", camera.Name, camera.Status)
	}
	if camera.ServiceName == nil {
		return errors.Transient("camera %q has no service yet", camera.Name)
	}
	port := lo.FromPtrOr(camera.StreamPort, manifest.StreamPort)
	upstream := fmt.Sprintf("http://%s:%d/", names.CameraStreamHost(camera.Slug(), p.namespace), port)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream, nil)
	if err != nil {
		return fmt.Errorf("building stream request, %w", err)
	}
	resp, err := p.streamClient.Do(req)
	if err != nil {
		// Dial failures mean the Service exists but nothing answers behind it.
		return errors.Cluster(fmt.Errorf("connecting to camera %q stream, %w", camera.Name, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Transient("camera %q stream returned %d", camera.Name, resp.StatusCode)
	}

	// The multipart boundary must survive verbatim or clients cannot split frames.
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "multipart/x-mixed-replace"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	p.copyFlushing(r.Context(), w, resp.Body)
	return nil
}

// Download relays a recording file from its node's file server. The row's
// node is tried first; without one every ready node is probed round-robin,
// since the file lives on exactly one of them.
func (p *Proxy) Download(w http.ResponseWriter, r *http.Request, recording *store.Recording) error {
	candidates, err := p.candidateNodes(r.Context(), recording)
	if err != nil {
		return err
	}
	relPath := p.relativePath(recording)

	var lastStatus int
	for _, ip := range candidates {
		status, err := p.tryDownload(w, r, ip, relPath, recording.FileName)
		if err != nil {
			log.FromContext(r.Context()).V(1).Info("file server unreachable", "node", ip, "error", err)
			continue
		}
		if status == http.StatusOK || status == http.StatusPartialContent || status < 0 {
			// status < 0 means the response has already been written.
			return nil
		}
		lastStatus = status
	}
	if lastStatus == http.StatusNotFound {
		return errors.NotFound("recording file %q not found on any node", recording.FileName)
	}
	return errors.Transient("no file server could serve recording %q", recording.ID)
}

func (p *Proxy) candidateNodes(ctx context.Context, recording *store.Recording) ([]string, error) {
	if name := lo.FromPtr(recording.NodeName); name != "" {
		ip, err := p.nodes.Resolve(ctx, name)
		if err == nil {
			return []string{ip}, nil
		}
		log.FromContext(ctx).V(1).Info("recording node unresolvable, probing all nodes", "node", name, "error", err)
	}
	infos, err := p.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	ready := lo.FilterMap(infos, func(info *node.Info, _ int) (string, bool) {
		return info.IP, info.Ready && info.IP != ""
	})
	if len(ready) == 0 {
		return nil, errors.Transient("no ready nodes to serve recording %q", recording.ID)
	}
	// Rotate the starting node so repeated probes spread the load.
	offset := int(p.rrCounter.Add(1)) % len(ready)
	return append(ready[offset:], ready[:offset]...), nil
}

// DeleteFile asks the file servers to remove a recording's file. Best effort:
// the first node that acknowledges wins, and an absent file counts as deleted.
func (p *Proxy) DeleteFile(ctx context.Context, recording *store.Recording) error {
	candidates, err := p.candidateNodes(ctx, recording)
	if err != nil {
		return err
	}
	relPath := p.relativePath(recording)
	var lastErr error
	for _, ip := range candidates {
		url := fmt.Sprintf("http://%s:%d/%s", ip, p.fileServerPort, relPath)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.downloadClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
			return nil
		}
		lastErr = fmt.Errorf("file server on %s returned %d", ip, resp.StatusCode)
	}
	return errors.Transient("deleting recording file %q, %s", recording.FileName, lastErr)
}

// relativePath maps the row's absolute node path onto the file server's serve
// root.
func (p *Proxy) relativePath(recording *store.Recording) string {
	if rel, ok := strings.CutPrefix(recording.FilePath, manifest.RecordingsHostPath+"/"); ok {
		return rel
	}
	if recording.CameraID != nil {
		return fmt.Sprintf("%s/%s", *recording.CameraID, recording.FileName)
	}
	return recording.FileName
}

// tryDownload returns a negative status once the body has started streaming
// to the client; from that point failure is unrecoverable.
func (p *Proxy) tryDownload(w http.ResponseWriter, r *http.Request, nodeIP, relPath, fileName string) (int, error) {
	url := fmt.Sprintf("http://%s:%d/%s", nodeIP, p.fileServerPort, relPath)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := p.downloadClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return resp.StatusCode, nil
	}

	for _, header := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return -1, nil
}

// copyFlushing pushes bytes to the client as they arrive, flushing after every
// chunk so frames are delivered immediately.
func (p *Proxy) copyFlushing(ctx context.Context, w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamCopyBuffer)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

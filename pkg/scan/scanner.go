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

// Package scan discovers attachable camera sources: USB video devices on the
// capture nodes over SSH, and network camera endpoints by TCP probing.
package scan

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/node"
)

const (
	sshTimeout   = 5 * time.Second
	probeTimeout = 500 * time.Millisecond

	// subnetConcurrency bounds parallel hosts during a sweep; minSubnetBits
	// caps a sweep at a /22 so one request cannot probe half a datacenter.
	subnetConcurrency = 64
	minSubnetBits     = 22
)

// probePorts are tried in order; the first open port decides the suggested
// protocol.
var probePorts = []int{554, 8554, 80, 8080, 8899}

// USBDevice is one video device found on a node.
type USBDevice struct {
	NodeName   string `json:"node_name"`
	DevicePath string `json:"device_path"`
	// Description is the v4l2 card name when the node exposes it.
	Description string `json:"description,omitempty"`
}

// ProbeResult is one open port on a probed host.
type ProbeResult struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

type Scanner struct {
	nodes       node.Provider
	jetsonNodes sets.Set[string]
	sshUser     string
	sshKeyPath  string
}

func NewScanner(nodes node.Provider, jetsonNodes sets.Set[string], sshUser, sshKeyPath string) *Scanner {
	return &Scanner{
		nodes:       nodes,
		jetsonNodes: jetsonNodes,
		sshUser:     sshUser,
		sshKeyPath:  sshKeyPath,
	}
}

// ScanUSB lists video devices on every configured capture node. Unreachable
// nodes are skipped with a warning; the scan reports what it could see.
func (s *Scanner) ScanUSB(ctx context.Context) ([]USBDevice, error) {
	if s.jetsonNodes.Len() == 0 {
		return []USBDevice{}, nil
	}
	signer, err := s.signer()
	if err != nil {
		return nil, err
	}
	var devices []USBDevice
	var errs error
	for _, name := range sets.List(s.jetsonNodes) {
		found, err := s.scanNode(ctx, name, signer)
		if err != nil {
			log.FromContext(ctx).Info("skipping unreachable node", "node", name, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		devices = append(devices, found...)
	}
	if devices == nil {
		devices = []USBDevice{}
	}
	// Partial results beat none; only a total failure is an error.
	if len(devices) == 0 && errs != nil {
		return nil, errors.Transient("no capture node reachable: %s", errs)
	}
	return devices, nil
}

func (s *Scanner) scanNode(ctx context.Context, nodeName string, signer ssh.Signer) ([]USBDevice, error) {
	ip, err := s.nodes.Resolve(ctx, nodeName)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(ip, "22"), &ssh.ClientConfig{
		User:            s.sshUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing node %s, %w", nodeName, err)
	}
	defer client.Close()

	paths, err := runSSH(client, "ls /dev/video* 2>/dev/null")
	if err != nil {
		// No devices at all makes ls exit nonzero; that is an empty node.
		return []USBDevice{}, nil
	}
	devices := lo.FilterMap(strings.Fields(paths), func(path string, _ int) (USBDevice, bool) {
		if !strings.HasPrefix(path, "/dev/video") {
			return USBDevice{}, false
		}
		return USBDevice{NodeName: nodeName, DevicePath: path}, true
	})
	for i := range devices {
		// Best effort; devices without v4l2 metadata stay undescribed.
		card, err := runSSH(client, fmt.Sprintf("v4l2-ctl --device=%s --info 2>/dev/null | grep 'Card type' | cut -d: -f2", devices[i].DevicePath))
		if err == nil {
			devices[i].Description = strings.TrimSpace(card)
		}
	}
	return devices, nil
}

// Probe checks which well-known camera ports answer on a host and suggests a
// protocol for each.
func (s *Scanner) Probe(ctx context.Context, host string) ([]ProbeResult, error) {
	if host == "" {
		return nil, errors.Validation("probe requires a host")
	}
	dialer := &net.Dialer{Timeout: probeTimeout}
	var results []ProbeResult
	for _, port := range probePorts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		results = append(results, ProbeResult{Port: port, Protocol: protocolForPort(port)})
	}
	if results == nil {
		results = []ProbeResult{}
	}
	return results, nil
}

// Candidate is one reachable camera endpoint found during a subnet sweep.
type Candidate struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// ListNetwork probes every host of an IPv4 subnet on the well-known camera
// ports and returns the endpoints that answered, in address order.
func (s *Scanner) ListNetwork(ctx context.Context, subnet string) ([]Candidate, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, errors.Validation("invalid subnet %q", subnet)
	}
	if !prefix.Addr().Is4() {
		return nil, errors.Validation("subnet sweeps support IPv4 only")
	}
	if prefix.Bits() < minSubnetBits {
		return nil, errors.Validation("subnet %q is too large to sweep, use /%d or smaller", subnet, minSubnetBits)
	}

	hosts := []netip.Addr{}
	for addr := prefix.Masked().Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
	}
	found := make([][]ProbeResult, len(hosts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(subnetConcurrency)
	for i, addr := range hosts {
		i, host := i, addr.String()
		group.Go(func() error {
			results, err := s.Probe(groupCtx, host)
			if err != nil {
				return err
			}
			found[i] = results
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	candidates := []Candidate{}
	for i, results := range found {
		for _, r := range results {
			candidates = append(candidates, Candidate{IP: hosts[i].String(), Port: r.Port, Protocol: r.Protocol})
		}
	}
	return candidates, nil
}

func protocolForPort(port int) string {
	if port == 554 || port == 8554 {
		return "rtsp"
	}
	return "http"
}

func (s *Scanner) signer() (ssh.Signer, error) {
	key, err := os.ReadFile(s.sshKeyPath)
	if err != nil {
		return nil, errors.Fatal(fmt.Errorf("reading ssh key %s, %w", s.sshKeyPath, err))
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Fatal(fmt.Errorf("parsing ssh key %s, %w", s.sshKeyPath, err))
	}
	return signer, nil
}

func runSSH(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh session, %w", err)
	}
	defer session.Close()
	out, err := session.Output(command)
	if err != nil {
		return "", fmt.Errorf("running %q, %w", command, err)
	}
	return string(out), nil
}

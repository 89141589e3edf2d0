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

package scan

import (
	"context"
	"net"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/node"
)

var ctx context.Context

func TestScan(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scan")
}

// noNodes satisfies node.Provider for scanner construction; USB scans with an
// empty capture set never touch it.
type noNodes struct{}

func (noNodes) Resolve(context.Context, string) (string, error) {
	return "", errors.NotFound("no nodes")
}
func (noNodes) Get(context.Context, string) (*node.Info, error) {
	return nil, errors.NotFound("no nodes")
}
func (noNodes) List(context.Context) ([]*node.Info, error) { return nil, nil }

var _ = Describe("Probe", func() {
	It("should require a host", func() {
		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		_, err := scanner.Probe(ctx, "")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should report an open rtsp port", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:8554")
		if err != nil {
			Skip("port 8554 unavailable")
		}
		DeferCleanup(func() { _ = listener.Close() })
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()

		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		results, err := scanner.Probe(ctx, "127.0.0.1")
		Expect(err).ToNot(HaveOccurred())
		Expect(results).To(ContainElement(ProbeResult{Port: 8554, Protocol: "rtsp"}))
	})
	It("should return an empty result for a silent host", func() {
		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		results, err := scanner.Probe(ctx, "127.42.42.42")
		Expect(err).ToNot(HaveOccurred())
		Expect(results).To(BeEmpty())
	})
})

var _ = Describe("ListNetwork", func() {
	It("should reject a malformed subnet", func() {
		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		_, err := scanner.ListNetwork(ctx, "192.168.1.5")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should refuse a sweep wider than a /22", func() {
		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		_, err := scanner.ListNetwork(ctx, "10.0.0.0/8")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should find a listener inside the subnet", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:8554")
		if err != nil {
			Skip("port 8554 unavailable")
		}
		DeferCleanup(func() { _ = listener.Close() })
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()

		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		candidates, err := scanner.ListNetwork(ctx, "127.0.0.0/30")
		Expect(err).ToNot(HaveOccurred())
		Expect(candidates).To(ContainElement(Candidate{IP: "127.0.0.1", Port: 8554, Protocol: "rtsp"}))
	})
})

var _ = Describe("Protocol mapping", func() {
	It("should suggest rtsp for the rtsp ports and http otherwise", func() {
		Expect(protocolForPort(554)).To(Equal("rtsp"))
		Expect(protocolForPort(8554)).To(Equal("rtsp"))
		Expect(protocolForPort(80)).To(Equal("http"))
		Expect(protocolForPort(8080)).To(Equal("http"))
		Expect(protocolForPort(8899)).To(Equal("http"))
	})
})

var _ = Describe("ScanUSB", func() {
	It("should return an empty device list with no capture nodes configured", func() {
		scanner := NewScanner(noNodes{}, sets.New[string](), "pi", "/tmp/id_rsa")
		devices, err := scanner.ScanUSB(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(devices).To(BeEmpty())
	})
	It("should fail fatally on a missing ssh key", func() {
		scanner := NewScanner(noNodes{}, sets.New("jetson-1"), "pi", "/nonexistent/id_rsa")
		_, err := scanner.ScanUSB(ctx)
		Expect(errors.IsFatal(err)).To(BeTrue())
	})
})

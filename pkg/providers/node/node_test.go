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

package node_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/node"
)

var (
	ctx      context.Context
	kube     *fake.Clientset
	provider *node.DefaultProvider
)

func TestNode(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Node")
}

var _ = BeforeEach(func() {
	kube = fake.NewSimpleClientset()
	provider = node.NewDefaultProvider(cluster.NewDefaultClient(kube, "falcon-eye"))
})

func clusterNode(name, ip string, ready bool) *corev1.Node {
	readyStatus := corev1.ConditionFalse
	if ready {
		readyStatus = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Addresses:  []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: ip}},
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: readyStatus}},
			NodeInfo:   corev1.NodeSystemInfo{Architecture: "arm64", OperatingSystem: "linux"},
		},
	}
}

var _ = Describe("Provider", func() {
	It("should resolve a node name to its internal IP", func() {
		_, err := kube.CoreV1().Nodes().Create(ctx, clusterNode("k3s-1", "10.0.0.5", true), metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		ip, err := provider.Resolve(ctx, "k3s-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(ip).To(Equal("10.0.0.5"))
	})
	It("should return NotFound for an unknown node", func() {
		_, err := provider.Resolve(ctx, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should error when a known node has no internal IP", func() {
		_, err := kube.CoreV1().Nodes().Create(ctx, clusterNode("k3s-1", "", true), metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())
		_, err = provider.Resolve(ctx, "k3s-1")
		Expect(errors.IsTransient(err)).To(BeTrue())
	})
	It("should serve cached entries after the node is gone", func() {
		created, err := kube.CoreV1().Nodes().Create(ctx, clusterNode("k3s-1", "10.0.0.5", true), metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())
		_, err = provider.Get(ctx, "k3s-1")
		Expect(err).ToNot(HaveOccurred())

		Expect(kube.CoreV1().Nodes().Delete(ctx, created.Name, metav1.DeleteOptions{})).To(Succeed())
		info, err := provider.Get(ctx, "k3s-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(info.IP).To(Equal("10.0.0.5"))
	})
	It("should report readiness per node", func() {
		_, err := kube.CoreV1().Nodes().Create(ctx, clusterNode("k3s-1", "10.0.0.5", true), metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())
		_, err = kube.CoreV1().Nodes().Create(ctx, clusterNode("k3s-2", "10.0.0.6", false), metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		infos, err := provider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(2))
		ready := map[string]bool{}
		for _, info := range infos {
			ready[info.Name] = info.Ready
		}
		Expect(ready).To(HaveKeyWithValue("k3s-1", true))
		Expect(ready).To(HaveKeyWithValue("k3s-2", false))
	})
})

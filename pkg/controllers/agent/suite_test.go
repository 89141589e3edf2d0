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

package agent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/kubernetes/fake"

	agentcontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/agent"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/manifest"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

const namespace = "falcon-eye"

var (
	ctx        context.Context
	kube       *fake.Clientset
	agents     *fakeStore
	controller *agentcontroller.Controller
)

func TestAgent(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Agent")
}

var _ = BeforeEach(func() {
	kube = fake.NewSimpleClientset()
	agents = newFakeStore()
	clusterClient := cluster.NewDefaultClient(kube, namespace)
	manifests := manifest.NewGenerator(namespace, "http://api:8000", sets.New[string](), 8090)
	controller = agentcontroller.NewController(agents, clusterClient, manifests)
})

func createPod(agentID string, phase corev1.PodPhase) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "agent-pod-" + agentID,
			Labels: map[string]string{"agent-id": agentID},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
	_, err := kube.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	Expect(err).ToNot(HaveOccurred())
}

func newAgent() *store.Agent {
	return &store.Agent{
		Name:     "Patrol Agent",
		Provider: "openai",
		Model:    "gpt-4o-mini",
	}
}

var _ = Describe("Create", func() {
	It("should register agents stopped without deploying", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		Expect(created.Status).To(Equal(store.StatusStopped))
		Expect(created.Slug).To(Equal("patrol-agent"))
		deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(deployments.Items).To(BeEmpty())
	})
	It("should apply model defaults", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		Expect(created.Temperature).To(Equal(0.7))
		Expect(created.MaxTokens).To(Equal(4096))
		Expect(created.CPULimit).To(Equal("500m"))
		Expect(created.MemoryLimit).To(Equal("512Mi"))
	})
	It("should require provider and model", func() {
		agent := newAgent()
		agent.Model = ""
		_, err := controller.Create(ctx, agent)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject an out-of-range temperature", func() {
		agent := newAgent()
		agent.Temperature = 3.5
		_, err := controller.Create(ctx, agent)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject a malformed resource limit", func() {
		agent := newAgent()
		agent.MemoryLimit = "lots"
		_, err := controller.Create(ctx, agent)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should require channel config when a channel type is set", func() {
		agent := newAgent()
		agent.ChannelType = lo.ToPtr("telegram")
		_, err := controller.Create(ctx, agent)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Start", func() {
	It("should deploy the agent pod and service", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())

		started, err := controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(started.Status).To(Equal(store.StatusRunning))
		Expect(lo.FromPtr(started.DeploymentName)).To(Equal("agent-patrol-agent"))
		Expect(lo.FromPtr(started.ServiceName)).To(Equal("svc-agent-patrol-agent"))

		_, err = kube.AppsV1().Deployments(namespace).Get(ctx, "agent-patrol-agent", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should be a no-op on a running agent", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		again, err := controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(again.Status).To(Equal(store.StatusRunning))
	})
})

var _ = Describe("Stop", func() {
	It("should tear down the workloads and clear names", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())

		stopped, err := controller.Stop(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stopped.Status).To(Equal(store.StatusStopped))
		Expect(stopped.DeploymentName).To(BeNil())

		deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(deployments.Items).To(BeEmpty())
	})
})

var _ = Describe("Update", func() {
	It("should redeploy a running agent when its channel changes", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())

		updated, err := controller.Update(ctx, created.ID, agentcontroller.Patch{
			ChannelType:   lo.ToPtr("telegram"),
			ChannelConfig: &store.Metadata{"chat_id": "42"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Status).To(Equal(store.StatusRunning))
		Expect(lo.FromPtr(updated.ChannelType)).To(Equal("telegram"))
	})
	It("should only persist prompt changes without redeploying", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())

		updated, err := controller.Update(ctx, created.ID, agentcontroller.Patch{
			SystemPrompt: lo.ToPtr("You watch the cameras."),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Status).To(Equal(store.StatusStopped))
	})
})

var _ = Describe("Delete", func() {
	It("should refuse to delete the main agent", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		created.Main = true
		agents.put(created)

		err = controller.Delete(ctx, created.ID)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should eventually remove the row", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		Expect(controller.Delete(ctx, created.ID)).To(Succeed())

		Eventually(func() bool {
			_, err := agents.GetAgent(ctx, created.ID)
			return errors.IsNotFound(err)
		}, 10*time.Second, 50*time.Millisecond).Should(BeTrue())
	})
})

var _ = Describe("Reconcile", func() {
	It("should keep a running agent running while its pod runs", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		createPod(created.ID, corev1.PodRunning)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusRunning))
	})
	It("should mark a running agent errored when its pod vanishes", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Start(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.ChannelConfig["error"]).To(Equal("pod not found"))
	})
	It("should hold creating while the pod is pending", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		created.Status = store.StatusCreating
		agents.put(created)
		createPod(created.ID, corev1.PodPending)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusCreating))
	})
	It("should promote a creating agent once its pod runs", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		created.Status = store.StatusCreating
		agents.put(created)
		createPod(created.ID, corev1.PodRunning)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusRunning))
	})
	It("should fail an agent whose image cannot be pulled", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		created.Status = store.StatusCreating
		agents.put(created)
		_, err = kube.CoreV1().Pods(namespace).Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:   "agent-pod-pull",
				Labels: map[string]string{"agent-id": created.ID},
			},
			Status: corev1.PodStatus{
				Phase: corev1.PodPending,
				ContainerStatuses: []corev1.ContainerStatus{{
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "ErrImagePull"},
					},
				}},
			},
		}, metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.ChannelConfig["error"]).To(Equal("pod cannot pull its image"))
	})
	It("should fail an agent stuck creating past the timeout", func() {
		created, err := controller.Create(ctx, newAgent())
		Expect(err).ToNot(HaveOccurred())
		created.Status = store.StatusCreating
		created.UpdatedAt = time.Now().Add(-10 * time.Minute)
		agents.put(created)

		got, err := controller.Get(ctx, created.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(store.StatusError))
		Expect(got.ChannelConfig["error"]).To(Equal("stuck creating"))
	})
})

type fakeStore struct {
	mu     sync.Mutex
	agents map[string]*store.Agent
}

func newFakeStore() *fakeStore {
	return &fakeStore{agents: map[string]*store.Agent{}}
}

func clone(agent *store.Agent) *store.Agent {
	out := *agent
	return &out
}

func (f *fakeStore) put(agent *store.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agent.ID] = clone(agent)
}

func (f *fakeStore) CreateAgent(_ context.Context, agent *store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[agent.ID]; ok {
		return errors.Conflict("agent %q already exists", agent.ID)
	}
	agent.CreatedAt = time.Now()
	agent.UpdatedAt = agent.CreatedAt
	f.agents[agent.ID] = clone(agent)
	return nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return nil, errors.NotFound("agent %q not found", id)
	}
	return clone(agent), nil
}

func (f *fakeStore) GetAgentBySlug(_ context.Context, slug string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, agent := range f.agents {
		if agent.Slug == slug {
			return clone(agent), nil
		}
	}
	return nil, errors.NotFound("agent %q not found", slug)
}

func (f *fakeStore) ListAgents(context.Context) ([]*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*store.Agent{}
	for _, agent := range f.agents {
		out = append(out, clone(agent))
	}
	return out, nil
}

func (f *fakeStore) UpdateAgent(_ context.Context, agent *store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[agent.ID]; !ok {
		return errors.NotFound("agent %q not found", agent.ID)
	}
	agent.UpdatedAt = time.Now()
	f.agents[agent.ID] = clone(agent)
	return nil
}

func (f *fakeStore) TransitionAgent(_ context.Context, id string, from []store.Status, to store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return errors.NotFound("agent %q not found", id)
	}
	for _, status := range from {
		if agent.Status == status {
			agent.Status = to
			agent.UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.Conflict("agent %q is %s", id, agent.Status)
}

func (f *fakeStore) SetAgentError(_ context.Context, id string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return errors.NotFound("agent %q not found", id)
	}
	agent.Status = store.StatusError
	if agent.ChannelConfig == nil {
		agent.ChannelConfig = store.Metadata{}
	}
	agent.ChannelConfig["error"] = message
	return nil
}

func (f *fakeStore) DeleteAgent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[id]; !ok {
		return errors.NotFound("agent %q not found", id)
	}
	delete(f.agents, id)
	return nil
}

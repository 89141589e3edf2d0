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

// Package cluster is the typed wrapper over the Kubernetes API that every
// other component goes through. It is idempotent on 404/409 and never retries
// internally; callers own their deadlines.
package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

type Client interface {
	ApplyDeployment(ctx context.Context, deployment *appsv1.Deployment) error
	ApplyService(ctx context.Context, service *corev1.Service) (*corev1.Service, error)
	ApplyDaemonSet(ctx context.Context, daemonSet *appsv1.DaemonSet) error
	DeleteDeployment(ctx context.Context, name string) error
	DeleteService(ctx context.Context, name string) error
	DeleteByLabels(ctx context.Context, selector string) error
	GetService(ctx context.Context, name string) (*corev1.Service, error)
	GetPodStatusForSelector(ctx context.Context, selector string) (*corev1.PodStatus, error)
	ListDeploymentsByLabel(ctx context.Context, selector string) ([]appsv1.Deployment, error)
	ListServicesByLabel(ctx context.Context, selector string) ([]corev1.Service, error)
	ReadNodes(ctx context.Context) ([]corev1.Node, error)
	ReadConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error)
	PatchConfigMap(ctx context.Context, name string, data map[string]string) (*corev1.ConfigMap, error)
	CreateOrReplaceSecret(ctx context.Context, secret *corev1.Secret) error
	ReadSecret(ctx context.Context, name string) (*corev1.Secret, error)
	CreateJob(ctx context.Context, job *batchv1.Job) error
	EnsureCronJob(ctx context.Context, cronJob *batchv1.CronJob) error
	DeleteCronJob(ctx context.Context, name string) error
	SuspendCronJob(ctx context.Context, name string, suspend bool) error
}

type DefaultClient struct {
	kube      kubernetes.Interface
	namespace string
}

func NewDefaultClient(kube kubernetes.Interface, namespace string) *DefaultClient {
	return &DefaultClient{kube: kube, namespace: namespace}
}

// ApplyDeployment creates the deployment, or replaces its spec if one already
// exists. Exactly one replace attempt; a second conflict is the caller's error.
func (c *DefaultClient) ApplyDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	_, err := c.kube.AppsV1().Deployments(c.namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return errors.Cluster(fmt.Errorf("creating deployment %s, %w", deployment.Name, err))
	}
	existing, err := c.kube.AppsV1().Deployments(c.namespace).Get(ctx, deployment.Name, metav1.GetOptions{})
	if err != nil {
		return errors.Cluster(fmt.Errorf("reading existing deployment %s, %w", deployment.Name, err))
	}
	existing.Labels = deployment.Labels
	existing.Spec = deployment.Spec
	if _, err := c.kube.AppsV1().Deployments(c.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return errors.Cluster(fmt.Errorf("replacing deployment %s, %w", deployment.Name, err))
	}
	log.FromContext(ctx).V(1).Info("replaced existing deployment", "deployment", deployment.Name)
	return nil
}

// ApplyService creates the service, or replaces it preserving the fields the
// cluster owns (ClusterIP, resourceVersion). Returns the live object so callers
// can read allocated ports.
func (c *DefaultClient) ApplyService(ctx context.Context, service *corev1.Service) (*corev1.Service, error) {
	created, err := c.kube.CoreV1().Services(c.namespace).Create(ctx, service, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, errors.Cluster(fmt.Errorf("creating service %s, %w", service.Name, err))
	}
	existing, err := c.kube.CoreV1().Services(c.namespace).Get(ctx, service.Name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("reading existing service %s, %w", service.Name, err))
	}
	replacement := service.DeepCopy()
	replacement.ResourceVersion = existing.ResourceVersion
	replacement.Spec.ClusterIP = existing.Spec.ClusterIP
	replacement.Spec.ClusterIPs = existing.Spec.ClusterIPs
	updated, err := c.kube.CoreV1().Services(c.namespace).Update(ctx, replacement, metav1.UpdateOptions{})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("replacing service %s, %w", service.Name, err))
	}
	return updated, nil
}

func (c *DefaultClient) ApplyDaemonSet(ctx context.Context, daemonSet *appsv1.DaemonSet) error {
	_, err := c.kube.AppsV1().DaemonSets(c.namespace).Create(ctx, daemonSet, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return errors.Cluster(fmt.Errorf("creating daemonset %s, %w", daemonSet.Name, err))
	}
	existing, err := c.kube.AppsV1().DaemonSets(c.namespace).Get(ctx, daemonSet.Name, metav1.GetOptions{})
	if err != nil {
		return errors.Cluster(fmt.Errorf("reading existing daemonset %s, %w", daemonSet.Name, err))
	}
	existing.Spec = daemonSet.Spec
	if _, err := c.kube.AppsV1().DaemonSets(c.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return errors.Cluster(fmt.Errorf("replacing daemonset %s, %w", daemonSet.Name, err))
	}
	return nil
}

// DeleteDeployment treats not-found as success.
func (c *DefaultClient) DeleteDeployment(ctx context.Context, name string) error {
	err := c.kube.AppsV1().Deployments(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Cluster(fmt.Errorf("deleting deployment %s, %w", name, err))
	}
	return nil
}

// DeleteService treats not-found as success.
func (c *DefaultClient) DeleteService(ctx context.Context, name string) error {
	err := c.kube.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Cluster(fmt.Errorf("deleting service %s, %w", name, err))
	}
	return nil
}

// DeleteByLabels removes every deployment and service matching the selector.
func (c *DefaultClient) DeleteByLabels(ctx context.Context, selector string) error {
	deployments, err := c.ListDeploymentsByLabel(ctx, selector)
	if err != nil {
		return err
	}
	for i := range deployments {
		if err := c.DeleteDeployment(ctx, deployments[i].Name); err != nil {
			return err
		}
	}
	services, err := c.ListServicesByLabel(ctx, selector)
	if err != nil {
		return err
	}
	for i := range services {
		if err := c.DeleteService(ctx, services[i].Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *DefaultClient) GetService(ctx context.Context, name string) (*corev1.Service, error) {
	service, err := c.kube.CoreV1().Services(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, errors.NotFound("service %q not found", name)
	}
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("reading service %s, %w", name, err))
	}
	return service, nil
}

// GetPodStatusForSelector returns the status of the first pod matching the
// selector, or NotFound when no pod has been scheduled yet.
func (c *DefaultClient) GetPodStatusForSelector(ctx context.Context, selector string) (*corev1.PodStatus, error) {
	pods, err := c.kube.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("listing pods for %q, %w", selector, err))
	}
	if len(pods.Items) == 0 {
		return nil, errors.NotFound("no pod for selector %q", selector)
	}
	return &pods.Items[0].Status, nil
}

func (c *DefaultClient) ListDeploymentsByLabel(ctx context.Context, selector string) ([]appsv1.Deployment, error) {
	list, err := c.kube.AppsV1().Deployments(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("listing deployments for %q, %w", selector, err))
	}
	return list.Items, nil
}

func (c *DefaultClient) ListServicesByLabel(ctx context.Context, selector string) ([]corev1.Service, error) {
	list, err := c.kube.CoreV1().Services(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("listing services for %q, %w", selector, err))
	}
	return list.Items, nil
}

func (c *DefaultClient) ReadNodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("listing nodes, %w", err))
	}
	return list.Items, nil
}

func (c *DefaultClient) ReadConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error) {
	cm, err := c.kube.CoreV1().ConfigMaps(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, errors.NotFound("configmap %q not found", name)
	}
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("reading configmap %s, %w", name, err))
	}
	return cm, nil
}

// PatchConfigMap merges data into the named ConfigMap, creating it if absent.
func (c *DefaultClient) PatchConfigMap(ctx context.Context, name string, data map[string]string) (*corev1.ConfigMap, error) {
	cm, err := c.ReadConfigMap(ctx, name)
	if errors.IsNotFound(err) {
		created, createErr := c.kube.CoreV1().ConfigMaps(c.namespace).Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
			Data:       data,
		}, metav1.CreateOptions{})
		if createErr != nil {
			return nil, errors.Cluster(fmt.Errorf("creating configmap %s, %w", name, createErr))
		}
		return created, nil
	}
	if err != nil {
		return nil, err
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	for k, v := range data {
		cm.Data[k] = v
	}
	updated, err := c.kube.CoreV1().ConfigMaps(c.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("patching configmap %s, %w", name, err))
	}
	return updated, nil
}

func (c *DefaultClient) CreateOrReplaceSecret(ctx context.Context, secret *corev1.Secret) error {
	_, err := c.kube.CoreV1().Secrets(c.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return errors.Cluster(fmt.Errorf("creating secret %s, %w", secret.Name, err))
	}
	existing, err := c.kube.CoreV1().Secrets(c.namespace).Get(ctx, secret.Name, metav1.GetOptions{})
	if err != nil {
		return errors.Cluster(fmt.Errorf("reading existing secret %s, %w", secret.Name, err))
	}
	existing.Data = secret.Data
	existing.StringData = secret.StringData
	if _, err := c.kube.CoreV1().Secrets(c.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return errors.Cluster(fmt.Errorf("replacing secret %s, %w", secret.Name, err))
	}
	return nil
}

func (c *DefaultClient) ReadSecret(ctx context.Context, name string) (*corev1.Secret, error) {
	secret, err := c.kube.CoreV1().Secrets(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, errors.NotFound("secret %q not found", name)
	}
	if err != nil {
		return nil, errors.Cluster(fmt.Errorf("reading secret %s, %w", name, err))
	}
	return secret, nil
}

func (c *DefaultClient) CreateJob(ctx context.Context, job *batchv1.Job) error {
	if _, err := c.kube.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return errors.Cluster(fmt.Errorf("creating job %s, %w", job.Name, err))
	}
	return nil
}

// EnsureCronJob creates the CronJob or patches its schedule and template.
func (c *DefaultClient) EnsureCronJob(ctx context.Context, cronJob *batchv1.CronJob) error {
	_, err := c.kube.BatchV1().CronJobs(c.namespace).Create(ctx, cronJob, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return errors.Cluster(fmt.Errorf("creating cronjob %s, %w", cronJob.Name, err))
	}
	existing, err := c.kube.BatchV1().CronJobs(c.namespace).Get(ctx, cronJob.Name, metav1.GetOptions{})
	if err != nil {
		return errors.Cluster(fmt.Errorf("reading existing cronjob %s, %w", cronJob.Name, err))
	}
	existing.Spec.Schedule = cronJob.Spec.Schedule
	existing.Spec.TimeZone = cronJob.Spec.TimeZone
	existing.Spec.Suspend = cronJob.Spec.Suspend
	existing.Spec.JobTemplate = cronJob.Spec.JobTemplate
	if _, err := c.kube.BatchV1().CronJobs(c.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return errors.Cluster(fmt.Errorf("patching cronjob %s, %w", cronJob.Name, err))
	}
	return nil
}

func (c *DefaultClient) DeleteCronJob(ctx context.Context, name string) error {
	err := c.kube.BatchV1().CronJobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Cluster(fmt.Errorf("deleting cronjob %s, %w", name, err))
	}
	return nil
}

func (c *DefaultClient) SuspendCronJob(ctx context.Context, name string, suspend bool) error {
	existing, err := c.kube.BatchV1().CronJobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return errors.NotFound("cronjob %q not found", name)
	}
	if err != nil {
		return errors.Cluster(fmt.Errorf("reading cronjob %s, %w", name, err))
	}
	existing.Spec.Suspend = &suspend
	if _, err := c.kube.BatchV1().CronJobs(c.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return errors.Cluster(fmt.Errorf("suspending cronjob %s, %w", name, err))
	}
	return nil
}

// Package clusteradapter wraps k8s.io/client-go to expose the narrow set of
// namespace/pod/job/quota operations the orchestrator needs, each wrapped by
// the process-wide "cluster" circuit breaker.
package clusteradapter

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wisbric/storeforge/internal/breaker"
)

// ClusterError wraps a Kubernetes API error with an HTTP-like status code so
// the circuit breaker can apply the 4xx exemption (spec §4.6).
type ClusterError struct {
	Op     string
	Status int
	Err    error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("cluster %s: %v", e.Op, e.Err)
}

func (e *ClusterError) Unwrap() error { return e.Err }

func (e *ClusterError) StatusCode() int { return e.Status }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if se, ok := err.(apierrors.APIStatus); ok {
		status = int(se.Status().Code)
	}
	return &ClusterError{Op: op, Status: status, Err: err}
}

// PodStatus is a pod's relevant readiness facts.
type PodStatus struct {
	Name  string
	Phase string
	Ready bool
}

// ReadyResult is the outcome of checkPodsReady.
type ReadyResult struct {
	Ready      bool
	Total      int
	ReadyCount int
	Pods       []PodStatus
}

// PollResult is the outcome of pollForReadiness.
type PollResult struct {
	Ready     bool
	TimedOut  bool
	DurationMs int64
	Error     error
}

// CleanupResult is the outcome of verifyCleanup.
type CleanupResult struct {
	Clean     bool
	Remaining []string
}

// BoundaryResult is the outcome of verifyResourceBoundaries.
type BoundaryResult struct {
	QuotaEnforced      bool
	LimitRangeEnforced bool
	Quota              map[string]string
	LimitRange         map[string]string
}

// HealthResult is the outcome of healthCheck.
type HealthResult struct {
	Connected bool
	Context   string
	Server    string
	Error     string
}

// Adapter is the cluster adapter implementation backed by a kubernetes.Interface,
// satisfied by both the real *kubernetes.Clientset and, in tests, a fake
// clientset from k8s.io/client-go/kubernetes/fake.
type Adapter struct {
	clientset kubernetes.Interface
	config    *rest.Config
	kubeCtx   string
	cb        *breaker.Breaker
}

// New builds an Adapter from a kubeconfig path (empty means in-cluster) and
// an optional context name override.
func New(kubeconfigPath, kubeContext string, cb *breaker.Breaker) (*Adapter, error) {
	var cfg *rest.Config
	var err error

	if kubeconfigPath == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
		overrides := &clientcmd.ConfigOverrides{}
		if kubeContext != "" {
			overrides.CurrentContext = kubeContext
		}
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading kube config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building clientset: %w", err)
	}

	return &Adapter{clientset: cs, config: cfg, kubeCtx: kubeContext, cb: cb}, nil
}

// CreateNamespace creates ns with the given labels. Idempotent: "already
// exists" is treated as success.
func (a *Adapter) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	return a.cb.Execute(ctx, func(ctx context.Context) error {
		_, err := a.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		}, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return wrapErr("createNamespace", err)
	})
}

// DeleteNamespace deletes ns. Idempotent: "not found" is success.
func (a *Adapter) DeleteNamespace(ctx context.Context, name string) error {
	return a.cb.Execute(ctx, func(ctx context.Context) error {
		err := a.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return wrapErr("deleteNamespace", err)
	})
}

// CheckPodsReady reports readiness of all non-terminal pods in ns.
func (a *Adapter) CheckPodsReady(ctx context.Context, namespace string) (*ReadyResult, error) {
	var result *ReadyResult
	err := a.cb.Execute(ctx, func(ctx context.Context) error {
		pods, err := a.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return wrapErr("checkPodsReady", err)
		}

		r := &ReadyResult{}
		for _, p := range pods.Items {
			if p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
				continue
			}
			r.Total++
			ready := podReady(&p)
			if ready {
				r.ReadyCount++
			}
			r.Pods = append(r.Pods, PodStatus{Name: p.Name, Phase: string(p.Status.Phase), Ready: ready})
		}
		r.Ready = r.Total > 0 && r.ReadyCount == r.Total
		result = r
		return nil
	})
	return result, err
}

func podReady(p *corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// CheckJobsComplete reports whether every job-owned pod in ns has Succeeded.
func (a *Adapter) CheckJobsComplete(ctx context.Context, namespace string) (bool, error) {
	var complete bool
	err := a.cb.Execute(ctx, func(ctx context.Context) error {
		jobs, err := a.clientset.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return wrapErr("checkJobsComplete", err)
		}
		complete = true
		for _, j := range jobs.Items {
			if j.Status.Succeeded < 1 {
				complete = false
			}
		}
		return nil
	})
	return complete, err
}

// anyFailed reports whether any pod or job in namespace is in a Failed phase.
func (a *Adapter) anyFailed(ctx context.Context, namespace string) (bool, error) {
	pods, err := a.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, wrapErr("anyFailed/pods", err)
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodFailed {
			return true, nil
		}
	}
	jobs, err := a.clientset.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, wrapErr("anyFailed/jobs", err)
	}
	for _, j := range jobs.Items {
		if j.Status.Failed > 0 {
			return true, nil
		}
	}
	return false, nil
}

// PollForReadiness polls until pods are ready and jobs are complete, or the
// timeout elapses. Short-circuits as not-ready if any pod or job is Failed.
func (a *Adapter) PollForReadiness(ctx context.Context, namespace string, timeout, interval time.Duration, onProgress func(ReadyResult)) (*PollResult, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if failed, err := a.anyFailed(ctx, namespace); err != nil {
			return nil, err
		} else if failed {
			return &PollResult{Ready: false, DurationMs: time.Since(start).Milliseconds()}, nil
		}

		ready, err := a.CheckPodsReady(ctx, namespace)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(*ready)
		}

		jobsDone, err := a.CheckJobsComplete(ctx, namespace)
		if err != nil {
			return nil, err
		}

		if ready.Ready && jobsDone {
			return &PollResult{Ready: true, DurationMs: time.Since(start).Milliseconds()}, nil
		}

		if time.Now().After(deadline) {
			return &PollResult{Ready: false, TimedOut: true, DurationMs: time.Since(start).Milliseconds()}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// VerifyCleanup reports whether namespace is absent or free of user
// resources (pods, PVCs, non-default services).
func (a *Adapter) VerifyCleanup(ctx context.Context, namespace string) (*CleanupResult, error) {
	var result *CleanupResult
	err := a.cb.Execute(ctx, func(ctx context.Context) error {
		_, err := a.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			result = &CleanupResult{Clean: true}
			return nil
		}
		if err != nil {
			return wrapErr("verifyCleanup/get", err)
		}

		var remaining []string

		pods, err := a.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return wrapErr("verifyCleanup/pods", err)
		}
		for _, p := range pods.Items {
			remaining = append(remaining, "pod/"+p.Name)
		}

		pvcs, err := a.clientset.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return wrapErr("verifyCleanup/pvcs", err)
		}
		for _, c := range pvcs.Items {
			remaining = append(remaining, "pvc/"+c.Name)
		}

		svcs, err := a.clientset.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return wrapErr("verifyCleanup/services", err)
		}
		for _, svc := range svcs.Items {
			if svc.Name != "kubernetes" {
				remaining = append(remaining, "service/"+svc.Name)
			}
		}

		result = &CleanupResult{Clean: len(remaining) == 0, Remaining: remaining}
		return nil
	})
	return result, err
}

// VerifyResourceBoundaries reports whether a ResourceQuota and LimitRange are
// enforced in namespace. Warn-only: the orchestrator never fails on this.
func (a *Adapter) VerifyResourceBoundaries(ctx context.Context, namespace string) (*BoundaryResult, error) {
	var result *BoundaryResult
	err := a.cb.Execute(ctx, func(ctx context.Context) error {
		r := &BoundaryResult{}

		quotas, err := a.clientset.CoreV1().ResourceQuotas(namespace).List(ctx, metav1.ListOptions{})
		if err == nil && len(quotas.Items) > 0 {
			r.QuotaEnforced = true
			r.Quota = map[string]string{}
			for k, v := range quotas.Items[0].Spec.Hard {
				r.Quota[string(k)] = v.String()
			}
		}

		limits, err := a.clientset.CoreV1().LimitRanges(namespace).List(ctx, metav1.ListOptions{})
		if err == nil && len(limits.Items) > 0 {
			r.LimitRangeEnforced = true
			r.LimitRange = map[string]string{"count": fmt.Sprintf("%d", len(limits.Items))}
		}

		result = r
		return nil
	})
	return result, err
}

// HealthCheck is a lightweight connectivity probe.
func (a *Adapter) HealthCheck(ctx context.Context) HealthResult {
	version, err := a.clientset.Discovery().ServerVersion()
	if err != nil {
		return HealthResult{Connected: false, Error: err.Error()}
	}
	return HealthResult{Connected: true, Context: a.kubeCtx, Server: version.String()}
}

// RESTConfig exposes the underlying rest.Config for the pod-exec channel
// used by internal/enginesetup.
func (a *Adapter) RESTConfig() *rest.Config { return a.config }

// Clientset exposes the underlying clientset for the pod-exec channel.
func (a *Adapter) Clientset() kubernetes.Interface { return a.clientset }

// Package enginesetup runs the post-chart-install configuration procedure
// for a store's commerce engine (WooCommerce or Medusa), executing shell
// commands inside the workload pod over the Kubernetes exec channel.
package enginesetup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Engine identifies which commerce engine a store runs.
type Engine string

const (
	WooCommerce Engine = "woocommerce"
	Medusa      Engine = "medusa"
)

// StepResult records the outcome of one setup step.
type StepResult struct {
	Step     string
	Fatal    bool
	Err      error
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Report is the full outcome of running a setup procedure.
type Report struct {
	Engine  Engine
	Steps   []StepResult
	Success bool
}

// Execer runs commands inside a pod via the Kubernetes exec subresource.
type Execer struct {
	clientset kubernetes.Interface
	config    *rest.Config
}

// New builds an Execer from a cluster adapter's clientset and rest config.
func New(clientset kubernetes.Interface, config *rest.Config) *Execer {
	return &Execer{clientset: clientset, config: config}
}

// Exec runs command inside container of pod and returns its captured
// stdout/stderr. Output is not size-bounded beyond what a setup script is
// expected to emit; callers should keep scripts terse.
func (e *Execer) Exec(ctx context.Context, namespace, pod, container string, command []string) (stdout, stderr string, err error) {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: container,
		Command:   command,
		Stdin:     false,
		Stdout:    true,
		Stderr:    true,
		TTY:       false,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return "", "", fmt.Errorf("building exec channel: %w", err)
	}

	var outBuf, errBuf bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &outBuf,
		Stderr: &errBuf,
	})
	return outBuf.String(), errBuf.String(), err
}

// findReadyPod returns the name of the first pod in phase Running that
// matches labelSelector; the pod's Ready condition is not checked.
func (e *Execer) findReadyPod(ctx context.Context, namespace, labelSelector string) (string, error) {
	pods, err := e.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return "", fmt.Errorf("listing pods: %w", err)
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no running pod matches selector %q", labelSelector)
}

type step struct {
	name    string
	fatal   bool
	command []string
}

// RunWooCommerce executes the nine-step WooCommerce configuration procedure.
// Non-fatal step failures are recorded in the report but do not abort the
// remaining steps; a fatal step failure stops the procedure immediately.
func (e *Execer) RunWooCommerce(ctx context.Context, namespace, adminUser, adminPass, adminEmail, siteURL string) Report {
	steps := []step{
		{"wait_for_db", true, []string{"wp", "db", "check", "--path=/var/www/html"}},
		{"core_install", true, []string{"wp", "core", "install",
			"--path=/var/www/html",
			"--url=" + siteURL,
			"--title=Store",
			"--admin_user=" + adminUser,
			"--admin_password=" + adminPass,
			"--admin_email=" + adminEmail,
			"--skip-email"}},
		{"activate_woocommerce", true, []string{"wp", "plugin", "activate", "woocommerce", "--path=/var/www/html"}},
		{"set_permalinks", false, []string{"wp", "rewrite", "structure", "/%postname%/", "--path=/var/www/html"}},
		{"set_currency", false, []string{"wp", "option", "update", "woocommerce_currency", "USD", "--path=/var/www/html"}},
		{"enable_rest_api", true, []string{"wp", "option", "update", "woocommerce_api_enabled", "yes", "--path=/var/www/html"}},
		{"generate_api_keys", true, []string{"wp", "eval", "echo wc_rest_api_key();", "--path=/var/www/html"}},
		{"install_sample_products", false, []string{"wp", "wc", "sample_data", "--user=" + adminUser, "--path=/var/www/html"}},
		{"flush_rewrite_rules", false, []string{"wp", "rewrite", "flush", "--path=/var/www/html"}},
	}

	pod, err := e.findReadyPod(ctx, namespace, "app=woocommerce")
	if err != nil {
		return Report{Engine: WooCommerce, Steps: []StepResult{{Step: "find_pod", Fatal: true, Err: err}}}
	}

	return e.run(ctx, WooCommerce, namespace, pod, "woocommerce", steps)
}

// RunMedusa executes the five-step Medusa configuration procedure.
func (e *Execer) RunMedusa(ctx context.Context, namespace, adminEmail, adminPass string) Report {
	steps := []step{
		{"health_check", true, []string{"node", "-e", "require('http').get('http://localhost:9000/health', r => process.exit(r.statusCode===200?0:1))"}},
		{"run_migrations", true, []string{"npx", "medusa", "migrations", "run"}},
		{"create_admin_user", true, []string{"npx", "medusa", "user", "-e", adminEmail, "-p", adminPass}},
		{"seed_data", false, []string{"npx", "medusa", "seed", "-f", "./data/seed.json"}},
		{"verify_storefront", false, []string{"node", "-e", "require('http').get('http://localhost:9000/store/products', r => process.exit(r.statusCode===200?0:1))"}},
	}

	pod, err := e.findReadyPod(ctx, namespace, "app=medusa")
	if err != nil {
		return Report{Engine: Medusa, Steps: []StepResult{{Step: "find_pod", Fatal: true, Err: err}}}
	}

	return e.run(ctx, Medusa, namespace, pod, "medusa", steps)
}

func (e *Execer) run(ctx context.Context, engine Engine, namespace, pod, container string, steps []step) Report {
	report := Report{Engine: engine, Success: true}

	for _, s := range steps {
		start := time.Now()
		stdout, stderr, err := e.Exec(ctx, namespace, pod, container, s.command)
		result := StepResult{
			Step:     s.name,
			Fatal:    s.fatal,
			Err:      err,
			Stdout:   stdout,
			Stderr:   stderr,
			Duration: time.Since(start),
		}
		report.Steps = append(report.Steps, result)

		if err != nil {
			if s.fatal {
				report.Success = false
				return report
			}
			continue
		}
	}

	return report
}

// Package chartinstaller drives the helm binary as a subprocess to install,
// upgrade, uninstall, and inspect per-store Helm releases. No genuine use of
// the Helm Go SDK was found anywhere in the retrieved corpus, so this follows
// the pack's own execFile-style subprocess convention instead (see
// DESIGN.md).
package chartinstaller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/wisbric/storeforge/internal/apperror"
)

const (
	maxOutputBytes = 10 << 20 // 10 MiB
	installTimeout = 720 * time.Second
)

var redactedKeySubstrings = []string{"password", "secret", "token", "key"}

// Installer shells out to a helm binary.
type Installer struct {
	helmBin    string
	kubeconfig string
	kubeCtx    string
}

// New creates an Installer. helmBin is typically "helm" (resolved via PATH)
// or an absolute path from HELM_BIN.
func New(helmBin, kubeconfig, kubeContext string) *Installer {
	if helmBin == "" {
		helmBin = "helm"
	}
	return &Installer{helmBin: helmBin, kubeconfig: kubeconfig, kubeCtx: kubeContext}
}

// Release describes a single "helm list" entry.
type Release struct {
	Name       string
	Namespace  string
	Revision   string
	Status     string
	Chart      string
	AppVersion string
}

func (i *Installer) baseArgs(namespace string) []string {
	args := []string{"--namespace", namespace}
	if i.kubeconfig != "" {
		args = append(args, "--kubeconfig", i.kubeconfig)
	}
	if i.kubeCtx != "" {
		args = append(args, "--kube-context", i.kubeCtx)
	}
	return args
}

// Install runs `helm upgrade --install` for release in namespace using chart
// and the provided --set values. Values whose key looks sensitive
// (password/secret/token/key) are redacted before anything is logged or
// returned in error text.
func (i *Installer) Install(ctx context.Context, release, namespace, chart string, values map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	args := []string{"upgrade", "--install", release, chart, "--wait", "--timeout", "600s"}
	args = append(args, i.baseArgs(namespace)...)
	for k, v := range values {
		args = append(args, "--set", fmt.Sprintf("%s=%s", k, v))
	}

	_, stderr, err := i.run(ctx, args, values)
	if err != nil {
		return classifyError("install", stderr, err)
	}
	return nil
}

// Uninstall removes release. Idempotent: "release: not found" is success.
func (i *Installer) Uninstall(ctx context.Context, release, namespace string) error {
	args := append([]string{"uninstall", release}, i.baseArgs(namespace)...)
	_, stderr, err := i.run(ctx, args, nil)
	if err != nil {
		if strings.Contains(stderr, "release: not found") {
			return nil
		}
		return classifyError("uninstall", stderr, err)
	}
	return nil
}

// Status returns the raw status text of release.
func (i *Installer) Status(ctx context.Context, release, namespace string) (string, error) {
	args := append([]string{"status", release}, i.baseArgs(namespace)...)
	stdout, stderr, err := i.run(ctx, args, nil)
	if err != nil {
		return "", classifyError("status", stderr, err)
	}
	return stdout, nil
}

// Rollback rolls release back to the given revision, or the previous
// revision when toRevision is 0.
func (i *Installer) Rollback(ctx context.Context, release, namespace string, toRevision int) error {
	args := []string{"rollback", release}
	if toRevision > 0 {
		args = append(args, fmt.Sprintf("%d", toRevision))
	}
	args = append(args, i.baseArgs(namespace)...)
	_, stderr, err := i.run(ctx, args, nil)
	if err != nil {
		return classifyError("rollback", stderr, err)
	}
	return nil
}

// List returns releases in namespace.
func (i *Installer) List(ctx context.Context, namespace string) ([]Release, error) {
	args := append([]string{"list", "--output", "json"}, i.baseArgs(namespace)...)
	stdout, stderr, err := i.run(ctx, args, nil)
	if err != nil {
		return nil, classifyError("list", stderr, err)
	}
	return parseListJSON(stdout)
}

// run executes helm with args, capturing stdout/stderr up to
// maxOutputBytes, with sensitive --set values redacted from any error text.
func (i *Installer) run(ctx context.Context, args []string, values map[string]string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, i.helmBin, args...)

	var outBuf, errBuf boundedBuffer
	outBuf.limit = maxOutputBytes
	errBuf.limit = maxOutputBytes
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = redact(errBuf.String(), values)

	if ctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, fmt.Errorf("helm %s timed out after %s", args[0], installTimeout)
	}
	return stdout, stderr, runErr
}

// boundedBuffer caps how much subprocess output is retained in memory.
type boundedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.Len() >= b.limit {
		return len(p), nil
	}
	n := len(p)
	remaining := b.limit - b.Len()
	if len(p) > remaining {
		p = p[:remaining]
	}
	_, err := b.Buffer.Write(p)
	return n, err
}

func redact(text string, values map[string]string) string {
	for k, v := range values {
		if v == "" {
			continue
		}
		lower := strings.ToLower(k)
		for _, s := range redactedKeySubstrings {
			if strings.Contains(lower, s) {
				text = strings.ReplaceAll(text, v, "***REDACTED***")
				break
			}
		}
	}
	return text
}

// parseListJSON decodes the output of `helm list --output json`.
func parseListJSON(stdout string) ([]Release, error) {
	var raw []struct {
		Name       string `json:"name"`
		Namespace  string `json:"namespace"`
		Revision   string `json:"revision"`
		Status     string `json:"status"`
		Chart      string `json:"chart"`
		AppVersion string `json:"app_version"`
	}
	if strings.TrimSpace(stdout) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("parsing helm list output: %w", err)
	}
	out := make([]Release, 0, len(raw))
	for _, r := range raw {
		out = append(out, Release{
			Name:       r.Name,
			Namespace:  r.Namespace,
			Revision:   r.Revision,
			Status:     r.Status,
			Chart:      r.Chart,
			AppVersion: r.AppVersion,
		})
	}
	return out, nil
}

// classifyError maps helm's textual error output onto the taxonomy of
// retryable vs non-retryable HELM_ERROR apperrors.
func classifyError(op, stderr string, cause error) error {
	lower := strings.ToLower(stderr)
	retryable := false
	switch {
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "context deadline exceeded"),
		strings.Contains(lower, "etcdserver: request timed out"),
		strings.Contains(lower, "another operation (install/upgrade/rollback) is in progress"):
		retryable = true
	}
	msg := stderr
	if msg == "" {
		msg = cause.Error()
	}
	return apperror.HelmError(fmt.Sprintf("helm %s: %s", op, msg), retryable).WithCause(cause)
}

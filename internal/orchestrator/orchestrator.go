// Package orchestrator drives a store through its provisioning lifecycle:
// namespace creation, Helm install, engine setup, readiness polling, and
// teardown, with bounded concurrency, circuit breaking, and crash recovery.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/storeforge/internal/apperror"
	"github.com/wisbric/storeforge/internal/audit"
	"github.com/wisbric/storeforge/internal/breaker"
	"github.com/wisbric/storeforge/internal/chartinstaller"
	"github.com/wisbric/storeforge/internal/clusteradapter"
	"github.com/wisbric/storeforge/internal/enginesetup"
	"github.com/wisbric/storeforge/internal/ids"
	"github.com/wisbric/storeforge/internal/limiter"
	"github.com/wisbric/storeforge/internal/retry"
	"github.com/wisbric/storeforge/internal/statemachine"
	"github.com/wisbric/storeforge/internal/store"
	"github.com/wisbric/storeforge/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
)

// quickReadinessFallbackTimeout bounds the fallback poll in the poll_readiness
// step: the chart install already waited on its own, so a stuck pod only
// gets this long before the step is treated as failed (spec step 6).
const quickReadinessFallbackTimeout = 30 * time.Second

// storeRepo is the subset of internal/store's Store the orchestrator needs.
// Declared here (rather than accepting *store.Store directly) so tests can
// supply a hand-written fake instead of a live Postgres connection.
type storeRepo interface {
	Create(ctx context.Context, p store.CreateParams) (*store.Row, error)
	Get(ctx context.Context, id string) (*store.Row, error)
	FindByNameAndOwner(ctx context.Context, name, ownerID string) (*store.Row, error)
	List(ctx context.Context, f store.ListFilters) ([]store.Row, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	FindStuck(ctx context.Context) ([]store.Row, error)
	Update(ctx context.Context, id string, f store.UpdateFields) (*store.Row, error)
}

// auditLogger is the subset of internal/audit's Writer the orchestrator needs.
type auditLogger interface {
	Log(e audit.Entry)
}

// clusterAdapter is the subset of internal/clusteradapter's Adapter the
// orchestrator needs, broken out so tests can fake the Kubernetes API.
type clusterAdapter interface {
	CreateNamespace(ctx context.Context, name string, labels map[string]string) error
	DeleteNamespace(ctx context.Context, name string) error
	CheckPodsReady(ctx context.Context, namespace string) (*clusteradapter.ReadyResult, error)
	PollForReadiness(ctx context.Context, namespace string, timeout, interval time.Duration, onProgress func(clusteradapter.ReadyResult)) (*clusteradapter.PollResult, error)
	VerifyCleanup(ctx context.Context, namespace string) (*clusteradapter.CleanupResult, error)
	VerifyResourceBoundaries(ctx context.Context, namespace string) (*clusteradapter.BoundaryResult, error)
	HealthCheck(ctx context.Context) clusteradapter.HealthResult
}

// chartInstaller is the subset of internal/chartinstaller's Installer the
// orchestrator needs, broken out so tests can fake the helm subprocess.
type chartInstaller interface {
	Install(ctx context.Context, release, namespace, chart string, values map[string]string) error
	Uninstall(ctx context.Context, release, namespace string) error
	Status(ctx context.Context, release, namespace string) (string, error)
}

// engineRunner is the subset of internal/enginesetup's Execer the
// orchestrator needs, broken out so tests can fake the pod-exec procedure.
type engineRunner interface {
	RunWooCommerce(ctx context.Context, namespace, adminUser, adminPass, adminEmail, siteURL string) enginesetup.Report
	RunMedusa(ctx context.Context, namespace, adminEmail, adminPass string) enginesetup.Report
}

// Config bounds the orchestrator's timing and retry behavior.
type Config struct {
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DomainSuffix      string
	ChartVersion      string
	WordPressChart    string
	MedusaChart       string
}

// CreateParams are the caller-supplied fields for a new store.
type CreateParams struct {
	Name    string
	Engine  string
	Theme   *string
	OwnerID string
}

// Orchestrator is the provisioning state machine's runtime: it owns the
// concurrency limiter, the breaker-wrapped cluster adapter, and the
// per-store operation guard that prevents duplicate concurrent workflows
// against the same store.
type Orchestrator struct {
	cfg     Config
	db      *pgxpool.Pool
	stores  storeRepo
	audit   auditLogger
	cluster clusterAdapter
	charts  chartInstaller
	exec    engineRunner
	limiter *limiter.Limiter
	metrics *telemetry.Metrics
	logger  *slog.Logger

	activeMu sync.Mutex
	active   map[string]bool
}

// New constructs an Orchestrator. cluster, charts, and exec are typically
// *clusteradapter.Adapter, *chartinstaller.Installer, and
// *enginesetup.Execer; narrower interfaces are accepted here so tests can
// substitute hand-written fakes.
func New(cfg Config, db *pgxpool.Pool, stores storeRepo, auditW auditLogger, cluster clusterAdapter,
	charts chartInstaller, exec engineRunner, lim *limiter.Limiter,
	metrics *telemetry.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, db: db, stores: stores, audit: auditW, cluster: cluster, charts: charts,
		exec: exec, limiter: lim, metrics: metrics, logger: logger,
		active: make(map[string]bool),
	}
}

// tryLockStore marks id as having an in-flight operation. Returns false if
// one is already running, matching the "single owner per store at a time"
// invariant.
func (o *Orchestrator) tryLockStore(id string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if o.active[id] {
		return false
	}
	o.active[id] = true
	return true
}

func (o *Orchestrator) unlockStore(id string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	delete(o.active, id)
}

// IsOperationInProgress reports whether id currently has an active workflow.
func (o *Orchestrator) IsOperationInProgress(id string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return o.active[id]
}

// GetConcurrencyStats exposes the limiter's point-in-time counters.
func (o *Orchestrator) GetConcurrencyStats() limiter.Stats {
	return o.limiter.Stats()
}

// ClusterHealth reports whether the Kubernetes API is reachable.
func (o *Orchestrator) ClusterHealth(ctx context.Context) clusteradapter.HealthResult {
	return o.cluster.HealthCheck(ctx)
}

// CreateStore inserts a REQUESTED store row and kicks off provisioning in
// the background (fire-and-forget): the HTTP handler returns as soon as the
// row exists, and the caller polls GetStore for status.
func (o *Orchestrator) CreateStore(ctx context.Context, p CreateParams) (*store.Row, error) {
	if p.Engine != string(enginesetup.WooCommerce) && p.Engine != string(enginesetup.Medusa) {
		return nil, apperror.UnsupportedEngine(p.Engine)
	}
	if !ids.ValidStoreName(p.Name) {
		return nil, apperror.Validation("store name must be 3-63 lowercase alphanumeric/hyphen characters")
	}

	existing, err := o.stores.FindByNameAndOwner(ctx, p.Name, p.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("checking for existing store: %w", err)
	}
	if existing != nil {
		if existing.Status != statemachine.Failed {
			return nil, apperror.Conflict("a store with that name already exists")
		}
		// A FAILED store with the same name doesn't block a retry-by-recreate:
		// soft-delete it so the (name, owner) uniqueness constraint frees up.
		now := time.Now()
		expected := statemachine.Failed
		if _, err := o.stores.Update(ctx, existing.ID, store.UpdateFields{
			ExpectedStatus: &expected, Status: statusPtr(statemachine.Deleted), DeletedAt: &now,
		}); err != nil {
			return nil, fmt.Errorf("superseding failed store: %w", err)
		}
		o.audit.Log(audit.Entry{StoreID: &existing.ID, EventType: audit.StatusChange,
			PreviousStatus: statusStr(statemachine.Failed), NewStatus: statusStr(statemachine.Deleted),
			Message: fmt.Sprintf("superseded by new creation attempt for name %q", p.Name)})
	}

	id := ids.NewStoreID()
	row, err := o.stores.Create(ctx, store.CreateParams{
		ID:          id,
		Name:        p.Name,
		Engine:      p.Engine,
		Theme:       p.Theme,
		Namespace:   ids.Namespace(id),
		ReleaseName: ids.ReleaseName(id),
		OwnerID:     p.OwnerID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating store record: %w", err)
	}

	o.audit.Log(audit.Entry{
		StoreID:   &row.ID,
		EventType: audit.StoreCreated,
		Message:   fmt.Sprintf("store %q requested (%s)", row.Name, row.Engine),
	})
	o.metrics.StoresTotal.WithLabelValues(row.Engine, string(statemachine.Requested)).Inc()

	go o.provisionAsync(row.ID)

	return row, nil
}

// GetStore fetches a store by id, scoped to ownerID unless ownerID is empty
// (admin lookups pass "").
func (o *Orchestrator) GetStore(ctx context.Context, id, ownerID string) (*store.Row, error) {
	row, err := o.stores.Get(ctx, id)
	if err != nil {
		return nil, apperror.StoreNotFound(id)
	}
	if ownerID != "" && row.OwnerID != ownerID {
		return nil, apperror.StoreNotFound(id)
	}
	return row, nil
}

// ListStores lists stores matching f, scoped to f.OwnerID unless it is nil.
func (o *Orchestrator) ListStores(ctx context.Context, f store.ListFilters) ([]store.Row, error) {
	return o.stores.List(ctx, f)
}

// DeleteStore transitions a store to DELETING and runs teardown in the
// background.
func (o *Orchestrator) DeleteStore(ctx context.Context, id, ownerID string) error {
	row, err := o.GetStore(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if ok, reason := statemachine.CanDelete(row.Status); !ok {
		return apperror.InvalidStateTransition(string(row.Status), string(statemachine.Deleting)).WithCause(fmt.Errorf("%s", reason))
	}
	if !o.tryLockStore(id) {
		return apperror.Conflict("a provisioning operation is already in progress for this store")
	}

	expected := row.Status
	updated, err := o.stores.Update(ctx, id, store.UpdateFields{ExpectedStatus: &expected, Status: statusPtr(statemachine.Deleting)})
	if err != nil {
		o.unlockStore(id)
		return fmt.Errorf("marking store deleting: %w", err)
	}
	if updated == nil {
		o.unlockStore(id)
		return apperror.Conflict("store status changed concurrently, retry")
	}

	o.audit.Log(audit.Entry{StoreID: &id, EventType: audit.StatusChange,
		PreviousStatus: statusStr(expected), NewStatus: statusStr(statemachine.Deleting),
		Message: "deletion requested"})

	go o.deleteAsync(row.ID, row.Namespace, row.ReleaseName)

	return nil
}

// RetryStore re-queues a FAILED store for provisioning.
func (o *Orchestrator) RetryStore(ctx context.Context, id, ownerID string) error {
	row, err := o.GetStore(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !statemachine.CanRetry(row.Status) {
		return apperror.InvalidStateTransition(string(row.Status), string(statemachine.Requested))
	}
	if !o.tryLockStore(id) {
		return apperror.Conflict("a provisioning operation is already in progress for this store")
	}

	expected := statemachine.Failed
	newRetry := row.RetryCount + 1
	updated, err := o.stores.Update(ctx, id, store.UpdateFields{
		ExpectedStatus: &expected, Status: statusPtr(statemachine.Requested),
		ClearFailureReason: true, RetryCount: &newRetry,
	})
	if err != nil {
		o.unlockStore(id)
		return fmt.Errorf("resetting store for retry: %w", err)
	}
	if updated == nil {
		o.unlockStore(id)
		return apperror.Conflict("store status changed concurrently, retry")
	}

	o.audit.Log(audit.Entry{StoreID: &id, EventType: audit.StatusChange,
		PreviousStatus: statusStr(statemachine.Failed), NewStatus: statusStr(statemachine.Requested),
		Message: fmt.Sprintf("retry #%d requested", newRetry)})

	go o.provisionAsync(id)

	return nil
}

// RecoverStuckStores scans for stores left in an in-progress state by an
// unclean shutdown and resumes or fails them. Must run to completion before
// the HTTP listener starts accepting traffic.
func (o *Orchestrator) RecoverStuckStores(ctx context.Context) error {
	stuck, err := o.stores.FindStuck(ctx)
	if err != nil {
		return fmt.Errorf("scanning for stuck stores: %w", err)
	}

	for _, row := range stuck {
		row := row
		o.audit.Log(audit.Entry{StoreID: &row.ID, EventType: audit.Recovery,
			Message: fmt.Sprintf("recovering store stuck in %s after restart", row.Status)})

		switch row.Status {
		case statemachine.Requested, statemachine.Provisioning:
			if !o.tryLockStore(row.ID) {
				continue
			}
			go o.provisionAsync(row.ID)
		case statemachine.Deleting:
			if !o.tryLockStore(row.ID) {
				continue
			}
			go o.deleteAsync(row.ID, row.Namespace, row.ReleaseName)
		}
	}

	return nil
}

// GetStoreLogs returns recent audit history for a store, most recent first.
func (o *Orchestrator) GetStoreLogs(ctx context.Context, storeID string, limit, offset int) ([]audit.Row, int, error) {
	return audit.List(ctx, o.db, audit.Filters{StoreID: &storeID, Limit: limit, Offset: offset})
}

// ListStoresCount returns the number of active (non-deleted, non-failed)
// stores owned by ownerID, used to enforce the per-tenant store cap.
func (o *Orchestrator) ListStoresCount(ctx context.Context, ownerID string) (int, error) {
	return o.stores.CountActiveByOwner(ctx, ownerID)
}

// ListAuditForOwner returns audit events, scoped to ownerID unless ownerID is
// empty (admin lookups pass ""), optionally narrowed to a single store.
func (o *Orchestrator) ListAuditForOwner(ctx context.Context, ownerID, storeID string, limit, offset int) ([]audit.Row, int, error) {
	f := audit.Filters{Limit: limit, Offset: offset}
	if ownerID != "" {
		f.OwnerID = &ownerID
	}
	if storeID != "" {
		f.StoreID = &storeID
	}
	return audit.List(ctx, o.db, f)
}

func statusPtr(s statemachine.Status) *statemachine.Status { return &s }
func statusStr(s statemachine.Status) *string               { v := string(s); return &v }

// provisionAsync runs the full create-or-retry workflow for storeID. It
// acquires a concurrency permit, installs the chart, polls for readiness,
// runs engine setup, and records the terminal state. Always releases the
// per-store lock on exit.
func (o *Orchestrator) provisionAsync(storeID string) {
	defer o.unlockStore(storeID)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReadinessTimeout+5*time.Minute)
	defer cancel()

	row, err := o.stores.Get(ctx, storeID)
	if err != nil {
		o.logger.Error("provision: store vanished before start", "store_id", storeID, "error", err)
		return
	}

	permit, err := o.limiter.Acquire(ctx)
	if err != nil {
		o.metrics.ProvisioningRejectionsTotal.WithLabelValues(apperror.As(err).Code).Inc()
		o.failStore(ctx, row, apperror.As(err).Message)
		return
	}
	defer permit.Release()
	o.metrics.ProvisioningQueueWaitMs.Observe(float64(permit.WaitMs()))

	o.metrics.ActiveProvisioningOperations.Inc()
	defer o.metrics.ActiveProvisioningOperations.Dec()

	started := time.Now()
	expected := row.Status
	row, err = o.stores.Update(ctx, storeID, store.UpdateFields{
		ExpectedStatus: &expected, Status: statusPtr(statemachine.Provisioning),
		ProvisioningStartedAt: &started,
	})
	if err != nil || row == nil {
		o.logger.Warn("provision: could not transition to provisioning, concurrent change", "store_id", storeID)
		return
	}
	o.audit.Log(audit.Entry{StoreID: &storeID, EventType: audit.StatusChange,
		PreviousStatus: statusStr(expected), NewStatus: statusStr(statemachine.Provisioning),
		Message: "provisioning started"})

	if failedStep, err := o.runProvisioningSteps(ctx, row); err != nil {
		o.metrics.StoreProvisioningFailuresTotal.WithLabelValues(row.Engine, failedStep).Inc()
		o.failStore(ctx, row, apperror.As(err).Message)
		return
	}

	completed := time.Now()
	durationMs := completed.Sub(started).Milliseconds()
	storefrontURL := ids.BuildStoreURL("https", storeID, o.cfg.DomainSuffix, "")
	adminURL := ids.AdminURL(storefrontURL, row.Engine)

	expected = statemachine.Provisioning
	_, err = o.stores.Update(ctx, storeID, store.UpdateFields{
		ExpectedStatus: &expected, Status: statusPtr(statemachine.Ready),
		StorefrontURL: &storefrontURL, AdminURL: &adminURL,
		ProvisioningCompletedAt: &completed, ProvisioningDurationMs: &durationMs,
	})
	if err != nil {
		o.logger.Error("provision: failed to mark store ready", "store_id", storeID, "error", err)
		return
	}

	o.audit.Log(audit.Entry{StoreID: &storeID, EventType: audit.StatusChange,
		PreviousStatus: statusStr(statemachine.Provisioning), NewStatus: statusStr(statemachine.Ready),
		Message: "provisioning completed"})
	o.metrics.StoreProvisioningDurationMs.WithLabelValues(row.Engine).Observe(float64(durationMs))
	o.metrics.StoresTotal.WithLabelValues(row.Engine, string(statemachine.Ready)).Inc()
}

// runProvisioningSteps drives namespace creation, chart install, readiness
// polling, and engine setup, timing each step for the step-duration metric.
func (o *Orchestrator) runProvisioningSteps(ctx context.Context, row *store.Row) (failedStep string, err error) {
	chart := o.cfg.WordPressChart
	if row.Engine == string(enginesetup.Medusa) {
		chart = o.cfg.MedusaChart
	}

	// Set by the duplicate_release_guard step when a prior release is
	// already deployed; skips a redundant install_chart.
	skipInstall := false

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"create_namespace", func(ctx context.Context) error {
			return o.cluster.CreateNamespace(ctx, row.Namespace, map[string]string{
				"storeforge.io/store-id": row.ID,
				"storeforge.io/engine":   row.Engine,
			})
		}},
		{"duplicate_release_guard", func(ctx context.Context) error {
			status, err := o.charts.Status(ctx, row.ReleaseName, row.Namespace)
			if err != nil {
				// No existing release found (or status unreachable): nothing
				// to guard against, let install_chart proceed normally.
				return nil
			}
			if strings.Contains(strings.ToLower(status), "deployed") {
				skipInstall = true
				return nil
			}
			return o.charts.Uninstall(ctx, row.ReleaseName, row.Namespace)
		}},
		{"install_chart", func(ctx context.Context) error {
			if skipInstall {
				return nil
			}
			return retry.Do(ctx, retry.Options{
				MaxRetries: o.cfg.MaxRetries, BaseDelay: o.cfg.RetryBaseDelay, MaxDelay: o.cfg.RetryMaxDelay,
			}, func(ctx context.Context) error {
				return o.charts.Install(ctx, row.ReleaseName, row.Namespace, chart, map[string]string{
					"storeId": row.ID,
					"theme":   themeOrDefault(row.Theme),
				})
			})
		}},
		{"poll_readiness", func(ctx context.Context) error {
			quick, err := o.cluster.CheckPodsReady(ctx, row.Namespace)
			if err != nil {
				return err
			}
			if quick.Ready {
				return nil
			}

			// The chart install already waited on its own, so a pod still
			// not ready here only gets a short fallback window.
			result, err := o.cluster.PollForReadiness(ctx, row.Namespace, quickReadinessFallbackTimeout, o.cfg.ReadinessInterval, nil)
			if err != nil {
				return err
			}
			if result.TimedOut {
				return apperror.ProvisioningError("workload did not become ready before the timeout", true)
			}
			if !result.Ready {
				return apperror.ProvisioningError("workload pods failed during startup", false)
			}
			return nil
		}},
		{"engine_setup", func(ctx context.Context) error {
			return o.runEngineSetup(ctx, row)
		}},
		{"verify_boundaries", func(ctx context.Context) error {
			if _, err := o.cluster.VerifyResourceBoundaries(ctx, row.Namespace); err != nil {
				o.logger.Warn("resource boundary verification failed, continuing", "store_id", row.ID, "error", err)
			}
			return nil
		}},
	}

	for _, s := range steps {
		start := time.Now()
		stepErr := s.fn(ctx)
		o.metrics.StoreProvisioningStepDurationMs.WithLabelValues(s.name, row.Engine).Observe(float64(time.Since(start).Milliseconds()))
		if stepErr != nil {
			o.audit.Log(audit.Entry{StoreID: &row.ID, EventType: audit.Error,
				Message: fmt.Sprintf("step %q failed: %v", s.name, stepErr)})
			return s.name, fmt.Errorf("step %s: %w", s.name, stepErr)
		}
	}
	return "", nil
}

func (o *Orchestrator) runEngineSetup(ctx context.Context, row *store.Row) error {
	switch row.Engine {
	case string(enginesetup.WooCommerce):
		report := o.exec.RunWooCommerce(ctx, row.Namespace, "admin", ids.NewRequestID()[:16], "admin@"+row.Name+".local",
			ids.BuildStoreURL("https", row.ID, o.cfg.DomainSuffix, ""))
		return engineReportErr(report)
	case string(enginesetup.Medusa):
		report := o.exec.RunMedusa(ctx, row.Namespace, "admin@"+row.Name+".local", ids.NewRequestID()[:16])
		return engineReportErr(report)
	default:
		return apperror.UnsupportedEngine(row.Engine)
	}
}

func engineReportErr(report enginesetup.Report) error {
	if report.Success {
		return nil
	}
	for _, s := range report.Steps {
		if s.Fatal && s.Err != nil {
			return apperror.ProvisioningError(fmt.Sprintf("engine setup step %q failed: %v", s.Step, s.Err), false)
		}
	}
	return apperror.ProvisioningError("engine setup failed", false)
}

func themeOrDefault(theme *string) string {
	if theme == nil || *theme == "" {
		return "default"
	}
	return *theme
}

func (o *Orchestrator) failStore(ctx context.Context, row *store.Row, reason string) {
	expected := row.Status
	completed := time.Now()
	_, err := o.stores.Update(ctx, row.ID, store.UpdateFields{
		ExpectedStatus: &expected, Status: statusPtr(statemachine.Failed),
		FailureReason: &reason, ProvisioningCompletedAt: &completed,
	})
	if err != nil {
		o.logger.Error("failStore: could not persist failure", "store_id", row.ID, "error", err)
	}
	o.audit.Log(audit.Entry{StoreID: &row.ID, EventType: audit.StatusChange,
		PreviousStatus: statusStr(expected), NewStatus: statusStr(statemachine.Failed), Message: reason})
	o.metrics.StoresTotal.WithLabelValues(row.Engine, string(statemachine.Failed)).Inc()
}

// deleteAsync tears down a store's cluster resources and marks it DELETED.
// A semaphore acquisition timeout here intentionally leaves the store in
// FAILED rather than introducing a dedicated delete-failed terminal state
// (see DESIGN.md open question 1).
func (o *Orchestrator) deleteAsync(storeID, namespace, releaseName string) {
	defer o.unlockStore(storeID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	permit, err := o.limiter.Acquire(ctx)
	if err != nil {
		o.metrics.ProvisioningRejectionsTotal.WithLabelValues(apperror.As(err).Code).Inc()
		o.markDeleteFailed(ctx, storeID, apperror.As(err).Message)
		return
	}
	defer permit.Release()

	o.metrics.ActiveProvisioningOperations.Inc()
	defer o.metrics.ActiveProvisioningOperations.Dec()

	if err := o.charts.Uninstall(ctx, releaseName, namespace); err != nil {
		o.logger.Warn("delete: helm uninstall failed, continuing with namespace teardown", "store_id", storeID, "error", err)
		o.audit.Log(audit.Entry{StoreID: &storeID, EventType: audit.HelmUninstall,
			Message: fmt.Sprintf("uninstall failed: %v", err)})
	} else {
		o.audit.Log(audit.Entry{StoreID: &storeID, EventType: audit.HelmUninstall, Message: "release uninstalled"})
	}

	if err := o.cluster.DeleteNamespace(ctx, namespace); err != nil {
		o.markDeleteFailed(ctx, storeID, fmt.Sprintf("namespace deletion failed: %v", err))
		return
	}

	cleanup, err := o.cluster.VerifyCleanup(ctx, namespace)
	if err != nil || (cleanup != nil && !cleanup.Clean) {
		o.logger.Warn("delete: cleanup verification incomplete", "store_id", storeID, "namespace", namespace)
	}

	now := time.Now()
	expected := statemachine.Deleting
	_, err = o.stores.Update(ctx, storeID, store.UpdateFields{
		ExpectedStatus: &expected, Status: statusPtr(statemachine.Deleted), DeletedAt: &now,
	})
	if err != nil {
		o.logger.Error("delete: could not mark store deleted", "store_id", storeID, "error", err)
		return
	}

	o.audit.Log(audit.Entry{StoreID: &storeID, EventType: audit.StatusChange,
		PreviousStatus: statusStr(statemachine.Deleting), NewStatus: statusStr(statemachine.Deleted),
		Message: "store deleted"})
}

func (o *Orchestrator) markDeleteFailed(ctx context.Context, storeID, reason string) {
	expected := statemachine.Deleting
	_, err := o.stores.Update(ctx, storeID, store.UpdateFields{
		ExpectedStatus: &expected, Status: statusPtr(statemachine.Failed), FailureReason: &reason,
	})
	if err != nil {
		o.logger.Error("deleteAsync: could not mark delete-failed", "store_id", storeID, "error", err)
	}
	o.audit.Log(audit.Entry{StoreID: &storeID, EventType: audit.Error, Message: "deletion failed: " + reason})
}

// clusterBreakerConfig is the standard breaker configuration for the cluster
// adapter, applying the 4xx-exemption rule from the circuit breaker design.
func clusterBreakerConfig() breaker.Config {
	return breaker.Config{
		Name:             "cluster",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      1,
		IsFailure:        breaker.ClusterIsFailure,
	}
}

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wisbric/storeforge/internal/apperror"
	"github.com/wisbric/storeforge/internal/clusteradapter"
	"github.com/wisbric/storeforge/internal/enginesetup"
	"github.com/wisbric/storeforge/internal/ids"
	"github.com/wisbric/storeforge/internal/limiter"
	"github.com/wisbric/storeforge/internal/statemachine"
	"github.com/wisbric/storeforge/internal/store"
	"github.com/wisbric/storeforge/internal/telemetry"
)

func testOrchestrator(stores *fakeStoreRepo, al *fakeAuditLogger, cl *fakeCluster, ch *fakeCharts, en *fakeEngine) *Orchestrator {
	cfg := Config{
		ReadinessTimeout:  10 * time.Minute,
		ReadinessInterval: time.Second,
		MaxRetries:        0,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     time.Millisecond,
		DomainSuffix:      "stores.test",
		WordPressChart:    "storeforge/woocommerce",
		MedusaChart:       "storeforge/medusa",
	}
	return New(cfg, nil, stores, al, cl, ch, en, limiter.New("test", 4, 4, time.Second),
		telemetry.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedRow(stores *fakeStoreRepo, id string, status statemachine.Status, engine, name, owner string) store.Row {
	if _, err := stores.Create(context.Background(), store.CreateParams{
		ID: id, Name: name, Engine: engine, Namespace: ids.Namespace(id), ReleaseName: ids.ReleaseName(id), OwnerID: owner,
	}); err != nil {
		panic(err)
	}
	updated, err := stores.Update(context.Background(), id, store.UpdateFields{Status: statusPtr(status)})
	if err != nil || updated == nil {
		panic("seedRow: update failed")
	}
	return *updated
}

func TestCreateStore_RejectsUnsupportedEngine(t *testing.T) {
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})
	_, err := o.CreateStore(context.Background(), CreateParams{Name: "a-store", Engine: "shopify", OwnerID: "owner-1"})
	if apperror.As(err).Code != "UNSUPPORTED_ENGINE" {
		t.Fatalf("expected UNSUPPORTED_ENGINE, got %v", err)
	}
}

func TestCreateStore_RejectsInvalidName(t *testing.T) {
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})
	_, err := o.CreateStore(context.Background(), CreateParams{Name: "AB", Engine: "woocommerce", OwnerID: "owner-1"})
	if apperror.As(err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCreateStore_ConflictsWithNonFailedExisting(t *testing.T) {
	stores := newFakeStoreRepo()
	seedRow(stores, "store-1", statemachine.Ready, "woocommerce", "my-shop", "owner-1")

	o := testOrchestrator(stores, &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})
	_, err := o.CreateStore(context.Background(), CreateParams{Name: "my-shop", Engine: "woocommerce", OwnerID: "owner-1"})
	if apperror.As(err).Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

// TestCreateStore_SupersedesFailedExisting confirms the fix for spec.md §8
// scenario 3: a FAILED store with the same name is soft-deleted, not treated
// as a conflict, so a same-name retry-by-recreate can proceed.
func TestCreateStore_SupersedesFailedExisting(t *testing.T) {
	stores := newFakeStoreRepo()
	failed := seedRow(stores, "store-1", statemachine.Failed, "woocommerce", "my-shop", "owner-1")

	al := &fakeAuditLogger{}
	o := testOrchestrator(stores, al, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})

	row, err := o.CreateStore(context.Background(), CreateParams{Name: "my-shop", Engine: "woocommerce", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("expected creation to succeed, got %v", err)
	}
	if row.ID == failed.ID {
		t.Fatalf("expected a new store id, got the superseded one")
	}

	old, _ := stores.Get(context.Background(), failed.ID)
	if old.Status != statemachine.Deleted {
		t.Fatalf("expected superseded store to be DELETED, got %s", old.Status)
	}
	if old.DeletedAt == nil {
		t.Fatal("expected superseded store to have DeletedAt set")
	}

	found := false
	for _, msg := range al.messages() {
		if strings.Contains(msg, "superseded") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an audit entry recording the supersession")
	}
}

func TestGetStore_ScopesToOwner(t *testing.T) {
	stores := newFakeStoreRepo()
	seedRow(stores, "store-1", statemachine.Ready, "woocommerce", "my-shop", "owner-1")
	o := testOrchestrator(stores, &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})

	if _, err := o.GetStore(context.Background(), "store-1", "owner-2"); apperror.As(err).Code != "STORE_NOT_FOUND" {
		t.Fatalf("expected STORE_NOT_FOUND for a different owner, got %v", err)
	}
	if _, err := o.GetStore(context.Background(), "store-1", "owner-1"); err != nil {
		t.Fatalf("expected the owner's lookup to succeed, got %v", err)
	}
	if _, err := o.GetStore(context.Background(), "store-1", ""); err != nil {
		t.Fatalf("expected an unscoped (admin) lookup to succeed, got %v", err)
	}
}

func TestDeleteStore_RejectsInvalidTransition(t *testing.T) {
	stores := newFakeStoreRepo()
	seedRow(stores, "store-1", statemachine.Requested, "woocommerce", "my-shop", "owner-1")
	o := testOrchestrator(stores, &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})

	if err := o.DeleteStore(context.Background(), "store-1", "owner-1"); apperror.As(err).Code != "INVALID_STATE_TRANSITION" {
		t.Fatalf("expected INVALID_STATE_TRANSITION from REQUESTED, got %v", err)
	}
}

func TestDeleteStore_LocksConcurrentOperations(t *testing.T) {
	stores := newFakeStoreRepo()
	seedRow(stores, "store-1", statemachine.Ready, "woocommerce", "my-shop", "owner-1")
	o := testOrchestrator(stores, &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})

	if !o.tryLockStore("store-1") {
		t.Fatal("setup: expected to acquire the lock")
	}
	defer o.unlockStore("store-1")

	if err := o.DeleteStore(context.Background(), "store-1", "owner-1"); apperror.As(err).Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT while another operation is in flight, got %v", err)
	}
}

func TestRetryStore_RejectsNonFailedStore(t *testing.T) {
	stores := newFakeStoreRepo()
	seedRow(stores, "store-1", statemachine.Ready, "woocommerce", "my-shop", "owner-1")
	o := testOrchestrator(stores, &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})

	if err := o.RetryStore(context.Background(), "store-1", "owner-1"); apperror.As(err).Code != "INVALID_STATE_TRANSITION" {
		t.Fatalf("expected INVALID_STATE_TRANSITION, got %v", err)
	}
}

func TestRecoverStuckStores_ResumesInProgressStores(t *testing.T) {
	stores := newFakeStoreRepo()
	seedRow(stores, "store-1", statemachine.Provisioning, "woocommerce", "shop-a", "owner-1")
	seedRow(stores, "store-2", statemachine.Deleting, "woocommerce", "shop-b", "owner-1")
	seedRow(stores, "store-3", statemachine.Ready, "woocommerce", "shop-c", "owner-1")

	al := &fakeAuditLogger{}
	o := testOrchestrator(stores, al, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})

	if err := o.RecoverStuckStores(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !o.IsOperationInProgress("store-1") && !o.IsOperationInProgress("store-2") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if o.IsOperationInProgress("store-1") || o.IsOperationInProgress("store-2") {
		t.Fatal("expected recovered operations to finish and release their locks")
	}
	if o.IsOperationInProgress("store-3") {
		t.Fatal("a READY store should never have been locked")
	}
}

// --- runProvisioningSteps: duplicate release guard (review comment d) ---

func TestRunProvisioningSteps_SkipsInstallWhenReleaseAlreadyDeployed(t *testing.T) {
	charts := &fakeCharts{statusResult: "deployed"}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, charts, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	if step, err := o.runProvisioningSteps(context.Background(), row); err != nil {
		t.Fatalf("unexpected failure at step %q: %v", step, err)
	}
	if charts.installCalls != 0 {
		t.Fatalf("expected install to be skipped, got %d calls", charts.installCalls)
	}
	if charts.uninstallCalls != 0 {
		t.Fatalf("expected no uninstall when already deployed, got %d calls", charts.uninstallCalls)
	}
}

func TestRunProvisioningSteps_UninstallsStaleReleaseBeforeInstalling(t *testing.T) {
	charts := &fakeCharts{statusResult: "failed"}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, charts, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	if step, err := o.runProvisioningSteps(context.Background(), row); err != nil {
		t.Fatalf("unexpected failure at step %q: %v", step, err)
	}
	if charts.uninstallCalls != 1 {
		t.Fatalf("expected one uninstall of the stale release, got %d", charts.uninstallCalls)
	}
	if charts.installCalls != 1 {
		t.Fatalf("expected install to still run after uninstall, got %d", charts.installCalls)
	}
}

func TestRunProvisioningSteps_NoExistingReleaseProceedsToInstall(t *testing.T) {
	charts := &fakeCharts{statusErr: errors.New("release: not found")}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, charts, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	if step, err := o.runProvisioningSteps(context.Background(), row); err != nil {
		t.Fatalf("unexpected failure at step %q: %v", step, err)
	}
	if charts.uninstallCalls != 0 {
		t.Fatalf("expected no uninstall when no release exists, got %d", charts.uninstallCalls)
	}
	if charts.installCalls != 1 {
		t.Fatalf("expected install to run, got %d", charts.installCalls)
	}
}

// --- runProvisioningSteps: readiness quick-check + fallback (review comment c) ---

func TestRunProvisioningSteps_SkipsPollWhenQuickCheckIsReady(t *testing.T) {
	cluster := &fakeCluster{checkPodsReadyResult: &clusteradapter.ReadyResult{Ready: true}}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, cluster, &fakeCharts{}, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	if step, err := o.runProvisioningSteps(context.Background(), row); err != nil {
		t.Fatalf("unexpected failure at step %q: %v", step, err)
	}
	if len(cluster.pollTimeouts) != 0 {
		t.Fatalf("expected PollForReadiness not to be called when the quick check is ready, got %d calls", len(cluster.pollTimeouts))
	}
}

func TestRunProvisioningSteps_FallsBackToShortPollWhenQuickCheckNotReady(t *testing.T) {
	cluster := &fakeCluster{
		checkPodsReadyResult: &clusteradapter.ReadyResult{Ready: false},
		pollResult:           &clusteradapter.PollResult{Ready: true},
	}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, cluster, &fakeCharts{}, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	if step, err := o.runProvisioningSteps(context.Background(), row); err != nil {
		t.Fatalf("unexpected failure at step %q: %v", step, err)
	}
	if len(cluster.pollTimeouts) != 1 {
		t.Fatalf("expected exactly one fallback poll, got %d", len(cluster.pollTimeouts))
	}
	if cluster.pollTimeouts[0] != quickReadinessFallbackTimeout {
		t.Fatalf("expected the fallback poll to use the 30s quick-fallback timeout, got %s", cluster.pollTimeouts[0])
	}
}

func TestRunProvisioningSteps_FallbackTimeoutIsRetryable(t *testing.T) {
	cluster := &fakeCluster{
		checkPodsReadyResult: &clusteradapter.ReadyResult{Ready: false},
		pollResult:           &clusteradapter.PollResult{TimedOut: true},
	}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, cluster, &fakeCharts{}, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	step, err := o.runProvisioningSteps(context.Background(), row)
	if step != "poll_readiness" {
		t.Fatalf("expected failure at poll_readiness, got %q", step)
	}
	appErr := apperror.As(err)
	if !appErr.Retryable {
		t.Fatal("expected a readiness timeout to be marked retryable")
	}
}

func TestRunProvisioningSteps_EngineSetupFailureStopsAtThatStep(t *testing.T) {
	failure := enginesetup.Report{Engine: enginesetup.WooCommerce, Success: false, Steps: []enginesetup.StepResult{
		{Step: "core_install", Fatal: true, Err: errors.New("wp-cli exited 1")},
	}}
	engine := &fakeEngine{wooReport: &failure}
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, engine)
	row := &store.Row{ID: "s1", Engine: "woocommerce", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	step, err := o.runProvisioningSteps(context.Background(), row)
	if step != "engine_setup" {
		t.Fatalf("expected failure at engine_setup, got %q: %v", step, err)
	}
}

func TestRunProvisioningSteps_ResourceBoundaryFailureDoesNotFailTheWorkflow(t *testing.T) {
	o := testOrchestrator(newFakeStoreRepo(), &fakeAuditLogger{}, &fakeCluster{}, &fakeCharts{}, &fakeEngine{})
	row := &store.Row{ID: "s1", Engine: "medusa", Namespace: "ns-s1", ReleaseName: "rel-s1"}

	if step, err := o.runProvisioningSteps(context.Background(), row); err != nil {
		t.Fatalf("boundary verification is best-effort and must not fail provisioning, got %q: %v", step, err)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/storeforge/internal/audit"
	"github.com/wisbric/storeforge/internal/clusteradapter"
	"github.com/wisbric/storeforge/internal/enginesetup"
	"github.com/wisbric/storeforge/internal/statemachine"
	"github.com/wisbric/storeforge/internal/store"
)

// fakeStoreRepo is a hand-written in-memory stand-in for internal/store's
// Store, following the corpus's preference (gardener-gardener) for
// hand-written fakes over generated mocks.
type fakeStoreRepo struct {
	mu    sync.Mutex
	rows  map[string]store.Row
	order []string

	createErr error
	getErr    error
}

func newFakeStoreRepo() *fakeStoreRepo {
	return &fakeStoreRepo{rows: make(map[string]store.Row)}
}

func (f *fakeStoreRepo) Create(ctx context.Context, p store.CreateParams) (*store.Row, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row := store.Row{
		ID: p.ID, Name: p.Name, Engine: p.Engine, Theme: p.Theme,
		Status: statemachine.Requested, Namespace: p.Namespace, ReleaseName: p.ReleaseName,
		OwnerID: p.OwnerID,
	}
	f.rows[p.ID] = row
	f.order = append(f.order, p.ID)
	return &row, nil
}

func (f *fakeStoreRepo) Get(ctx context.Context, id string) (*store.Row, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return &row, nil
}

func (f *fakeStoreRepo) FindByNameAndOwner(ctx context.Context, name, ownerID string) (*store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Name == name && row.OwnerID == ownerID && row.DeletedAt == nil {
			r := row
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeStoreRepo) List(ctx context.Context, flt store.ListFilters) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Row
	for _, id := range f.order {
		out = append(out, f.rows[id])
	}
	return out, nil
}

func (f *fakeStoreRepo) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.OwnerID == ownerID && statemachine.Active[row.Status] {
			n++
		}
	}
	return n, nil
}

func (f *fakeStoreRepo) FindStuck(ctx context.Context) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Row
	for _, row := range f.rows {
		if statemachine.InProgress[row.Status] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStoreRepo) Update(ctx context.Context, id string, flds store.UpdateFields) (*store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	if flds.ExpectedStatus != nil && row.Status != *flds.ExpectedStatus {
		return nil, nil
	}
	if flds.Status != nil {
		row.Status = *flds.Status
	}
	if flds.StorefrontURL != nil {
		row.StorefrontURL = flds.StorefrontURL
	}
	if flds.AdminURL != nil {
		row.AdminURL = flds.AdminURL
	}
	if flds.FailureReason != nil {
		row.FailureReason = flds.FailureReason
	}
	if flds.ClearFailureReason {
		row.FailureReason = nil
	}
	if flds.RetryCount != nil {
		row.RetryCount = *flds.RetryCount
	}
	if flds.ProvisioningStartedAt != nil {
		row.ProvisioningStartedAt = flds.ProvisioningStartedAt
	}
	if flds.ProvisioningCompletedAt != nil {
		row.ProvisioningCompletedAt = flds.ProvisioningCompletedAt
	}
	if flds.ProvisioningDurationMs != nil {
		row.ProvisioningDurationMs = flds.ProvisioningDurationMs
	}
	if flds.DeletedAt != nil {
		row.DeletedAt = flds.DeletedAt
	}
	f.rows[id] = row
	out := row
	return &out, nil
}

// fakeAuditLogger records entries instead of writing them to Postgres.
type fakeAuditLogger struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditLogger) Log(e audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeAuditLogger) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Message
	}
	return out
}

// fakeCluster is a hand-written stand-in for internal/clusteradapter's
// Adapter, avoiding any real Kubernetes API dependency in tests.
type fakeCluster struct {
	mu sync.Mutex

	createNamespaceErr error
	deleteNamespaceErr error

	checkPodsReadyResult *clusteradapter.ReadyResult
	checkPodsReadyErr    error

	pollResult     *clusteradapter.PollResult
	pollErr        error
	pollTimeouts   []time.Duration
}

func (f *fakeCluster) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	return f.createNamespaceErr
}

func (f *fakeCluster) DeleteNamespace(ctx context.Context, name string) error {
	return f.deleteNamespaceErr
}

func (f *fakeCluster) CheckPodsReady(ctx context.Context, namespace string) (*clusteradapter.ReadyResult, error) {
	if f.checkPodsReadyErr != nil {
		return nil, f.checkPodsReadyErr
	}
	if f.checkPodsReadyResult != nil {
		return f.checkPodsReadyResult, nil
	}
	return &clusteradapter.ReadyResult{Ready: true}, nil
}

func (f *fakeCluster) PollForReadiness(ctx context.Context, namespace string, timeout, interval time.Duration, onProgress func(clusteradapter.ReadyResult)) (*clusteradapter.PollResult, error) {
	f.mu.Lock()
	f.pollTimeouts = append(f.pollTimeouts, timeout)
	f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.pollResult != nil {
		return f.pollResult, nil
	}
	return &clusteradapter.PollResult{Ready: true}, nil
}

func (f *fakeCluster) VerifyCleanup(ctx context.Context, namespace string) (*clusteradapter.CleanupResult, error) {
	return &clusteradapter.CleanupResult{Clean: true}, nil
}

func (f *fakeCluster) VerifyResourceBoundaries(ctx context.Context, namespace string) (*clusteradapter.BoundaryResult, error) {
	return &clusteradapter.BoundaryResult{QuotaEnforced: true, LimitRangeEnforced: true}, nil
}

func (f *fakeCluster) HealthCheck(ctx context.Context) clusteradapter.HealthResult {
	return clusteradapter.HealthResult{Connected: true}
}

// fakeCharts is a hand-written stand-in for internal/chartinstaller's
// Installer, avoiding any real helm subprocess in tests.
type fakeCharts struct {
	mu sync.Mutex

	statusResult string
	statusErr    error

	installErr   error
	installCalls int

	uninstallErr   error
	uninstallCalls int
}

func (f *fakeCharts) Install(ctx context.Context, release, namespace, chart string, values map[string]string) error {
	f.mu.Lock()
	f.installCalls++
	f.mu.Unlock()
	return f.installErr
}

func (f *fakeCharts) Uninstall(ctx context.Context, release, namespace string) error {
	f.mu.Lock()
	f.uninstallCalls++
	f.mu.Unlock()
	return f.uninstallErr
}

func (f *fakeCharts) Status(ctx context.Context, release, namespace string) (string, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.statusResult, nil
}

// fakeEngine is a hand-written stand-in for internal/enginesetup's Execer,
// avoiding any real pod-exec channel in tests. Reports default to success;
// set wooReport/medusaReport to force a specific outcome.
type fakeEngine struct {
	wooReport    *enginesetup.Report
	medusaReport *enginesetup.Report
}

func (f *fakeEngine) RunWooCommerce(ctx context.Context, namespace, adminUser, adminPass, adminEmail, siteURL string) enginesetup.Report {
	if f.wooReport != nil {
		return *f.wooReport
	}
	return enginesetup.Report{Engine: enginesetup.WooCommerce, Success: true}
}

func (f *fakeEngine) RunMedusa(ctx context.Context, namespace, adminEmail, adminPass string) enginesetup.Report {
	if f.medusaReport != nil {
		return *f.medusaReport
	}
	return enginesetup.Report{Engine: enginesetup.Medusa, Success: true}
}

// Package store persists and queries store records. The optimistic
// conditional update is the critical operation: every lifecycle transition
// the orchestrator makes goes through Update with an expected status.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/storeforge/internal/statemachine"
)

// AdminCredentials holds engine-shaped admin access details for a store.
type AdminCredentials struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Row is the raw persisted shape of a store record.
type Row struct {
	ID                      string
	Name                    string
	Engine                  string
	Theme                   *string
	Status                  statemachine.Status
	Namespace               string
	ReleaseName             string
	StorefrontURL           *string
	AdminURL                *string
	AdminCredentials        *AdminCredentials
	FailureReason           *string
	RetryCount              int
	ProvisioningStartedAt   *time.Time
	ProvisioningCompletedAt *time.Time
	ProvisioningDurationMs  *int64
	OwnerID                 string
	CreatedAt               time.Time
	UpdatedAt               time.Time
	DeletedAt               *time.Time
}

// CreateParams are the fields supplied when creating a new store row.
type CreateParams struct {
	ID          string
	Name        string
	Engine      string
	Theme       *string
	Namespace   string
	ReleaseName string
	OwnerID     string
}

// UpdateFields is a sparse patch applied by Update; nil fields are left
// unmodified. ExpectedStatus, when non-nil, makes the write conditional.
type UpdateFields struct {
	ExpectedStatus          *statemachine.Status
	Status                  *statemachine.Status
	StorefrontURL           *string
	AdminURL                *string
	AdminCredentials        *AdminCredentials
	FailureReason           *string
	ClearFailureReason      bool
	RetryCount              *int
	ProvisioningStartedAt   *time.Time
	ProvisioningCompletedAt *time.Time
	ProvisioningDurationMs  *int64
	DeletedAt               *time.Time
}

// ListFilters narrows a List call.
type ListFilters struct {
	OwnerID *string
	Status  *statemachine.Status
	Engine  *string
	Limit   int
	Offset  int
}

const storeColumns = `id, name, engine, theme, status, namespace, helm_release,
	storefront_url, admin_url, admin_credentials, failure_reason, retry_count,
	provisioning_started_at, provisioning_completed_at, provisioning_duration_ms,
	owner_id, created_at, updated_at, deleted_at`

// Store is the raw-SQL persistence layer for store records.
type Store struct {
	db *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Create inserts a new store row in the requested status.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Row, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO stores (id, name, engine, theme, status, namespace, helm_release, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, storeColumns),
		p.ID, p.Name, p.Engine, p.Theme, statemachine.Requested, p.Namespace, p.ReleaseName, p.OwnerID,
	)
	return scanRow(row)
}

// Get fetches a store by id, including soft-deleted rows.
func (s *Store) Get(ctx context.Context, id string) (*Row, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM stores WHERE id = $1`, storeColumns), id)
	return scanRow(row)
}

// FindByNameAndOwner finds a non-deleted store by its (name, ownerId) key.
// Returns (nil, nil) when no such store exists.
func (s *Store) FindByNameAndOwner(ctx context.Context, name, ownerID string) (*Row, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM stores WHERE name = $1 AND owner_id = $2 AND deleted_at IS NULL`, storeColumns),
		name, ownerID,
	)
	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// List returns stores matching the given filters, most recent first.
// Excludes soft-deleted rows unless filters.Status explicitly asks for DELETED.
func (s *Store) List(ctx context.Context, f ListFilters) ([]Row, error) {
	clauses, args := buildFilterClauses(f)
	q := fmt.Sprintf(`SELECT %s FROM stores WHERE %s ORDER BY created_at DESC`,
		storeColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRowFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning store row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountActiveByOwner counts stores owned by ownerID excluding DELETED and FAILED.
func (s *Store) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM stores
		WHERE owner_id = $1 AND deleted_at IS NULL AND status NOT IN ($2, $3)`,
		ownerID, statemachine.Deleted, statemachine.Failed,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active stores: %w", err)
	}
	return n, nil
}

// FindStuck returns all stores whose status is in the IN_PROGRESS set,
// for crash-recovery scans.
func (s *Store) FindStuck(ctx context.Context) ([]Row, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM stores WHERE status IN ($1, $2, $3)`, storeColumns),
		statemachine.Requested, statemachine.Provisioning, statemachine.Deleting,
	)
	if err != nil {
		return nil, fmt.Errorf("finding stuck stores: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRowFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stuck store row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Update performs an atomic, optionally-conditional write. When
// f.ExpectedStatus is set, the write only applies if the row's current
// status matches; if zero rows matched, Update returns (nil, nil) — the
// caller must treat this as a concurrent conflict, never as a real error.
func (s *Store) Update(ctx context.Context, id string, f UpdateFields) (*Row, error) {
	set := []string{"updated_at = now()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != nil {
		set = append(set, "status = "+arg(*f.Status))
	}
	if f.StorefrontURL != nil {
		set = append(set, "storefront_url = "+arg(*f.StorefrontURL))
	}
	if f.AdminURL != nil {
		set = append(set, "admin_url = "+arg(*f.AdminURL))
	}
	if f.AdminCredentials != nil {
		set = append(set, "admin_credentials = "+arg(credentialsJSON(f.AdminCredentials)))
	}
	if f.ClearFailureReason {
		set = append(set, "failure_reason = NULL")
	} else if f.FailureReason != nil {
		set = append(set, "failure_reason = "+arg(*f.FailureReason))
	}
	if f.RetryCount != nil {
		set = append(set, "retry_count = "+arg(*f.RetryCount))
	}
	if f.ProvisioningStartedAt != nil {
		set = append(set, "provisioning_started_at = "+arg(*f.ProvisioningStartedAt))
	}
	if f.ProvisioningCompletedAt != nil {
		set = append(set, "provisioning_completed_at = "+arg(*f.ProvisioningCompletedAt))
	}
	if f.ProvisioningDurationMs != nil {
		set = append(set, "provisioning_duration_ms = "+arg(*f.ProvisioningDurationMs))
	}
	if f.DeletedAt != nil {
		set = append(set, "deleted_at = "+arg(*f.DeletedAt))
	}

	where := "id = " + arg(id)
	if f.ExpectedStatus != nil {
		where += " AND status = " + arg(*f.ExpectedStatus)
	}

	q := fmt.Sprintf(`UPDATE stores SET %s WHERE %s RETURNING %s`,
		strings.Join(set, ", "), where, storeColumns)

	row := s.db.QueryRow(ctx, q, args...)
	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func buildFilterClauses(f ListFilters) ([]string, []any) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.OwnerID != nil {
		args = append(args, *f.OwnerID)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
		if *f.Status == statemachine.Deleted {
			clauses[0] = "true"
		}
	}
	if f.Engine != nil {
		args = append(args, *f.Engine)
		clauses = append(clauses, fmt.Sprintf("engine = $%d", len(args)))
	}
	return clauses, args
}

// credentialsJSON is a narrow helper kept here (rather than in a generic
// jsonb package) because admin credential masking rules live alongside the
// registry that enforces "never plaintext to non-owners".
func credentialsJSON(c *AdminCredentials) []byte {
	if c == nil {
		return nil
	}
	b, _ := json.Marshal(c)
	return b
}

func scanRow(row pgx.Row) (*Row, error) {
	var r Row
	var theme pgtype.Text
	var storefrontURL, adminURL, failureReason pgtype.Text
	var credsRaw []byte
	var startedAt, completedAt pgtype.Timestamptz
	var durationMs pgtype.Int8
	var deletedAt pgtype.Timestamptz

	err := row.Scan(
		&r.ID, &r.Name, &r.Engine, &theme, &r.Status, &r.Namespace, &r.ReleaseName,
		&storefrontURL, &adminURL, &credsRaw, &failureReason, &r.RetryCount,
		&startedAt, &completedAt, &durationMs,
		&r.OwnerID, &r.CreatedAt, &r.UpdatedAt, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scanning store: %w", err)
	}

	applyNullable(&r, theme, storefrontURL, adminURL, failureReason, credsRaw, startedAt, completedAt, durationMs, deletedAt)
	return &r, nil
}

func scanRowFromRows(rows pgx.Rows) (*Row, error) {
	return scanRow(rows)
}

func applyNullable(r *Row, theme, storefrontURL, adminURL, failureReason pgtype.Text,
	credsRaw []byte, startedAt, completedAt pgtype.Timestamptz, durationMs pgtype.Int8, deletedAt pgtype.Timestamptz) {
	if theme.Valid {
		v := theme.String
		r.Theme = &v
	}
	if storefrontURL.Valid {
		v := storefrontURL.String
		r.StorefrontURL = &v
	}
	if adminURL.Valid {
		v := adminURL.String
		r.AdminURL = &v
	}
	if failureReason.Valid {
		v := failureReason.String
		r.FailureReason = &v
	}
	if len(credsRaw) > 0 {
		var c AdminCredentials
		if json.Unmarshal(credsRaw, &c) == nil {
			r.AdminCredentials = &c
		}
	}
	if startedAt.Valid {
		v := startedAt.Time
		r.ProvisioningStartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		r.ProvisioningCompletedAt = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		r.ProvisioningDurationMs = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		r.DeletedAt = &v
	}
}

// Package audit implements the append-only audit trail. Writes must never
// raise to the caller: the writer buffers events on an internal channel and
// drops-with-a-warning when full rather than blocking the orchestrator.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// EventType enumerates the kinds of audit events the orchestrator emits.
type EventType string

const (
	StoreCreated  EventType = "store_created"
	StatusChange  EventType = "status_change"
	HelmInstall   EventType = "helm_install"
	HelmUninstall EventType = "helm_uninstall"
	Info          EventType = "info"
	Warning       EventType = "warning"
	Error         EventType = "error"
	Recovery      EventType = "recovery"
	Security      EventType = "security"
)

// Entry is a single audit event to be appended.
type Entry struct {
	StoreID        *string
	EventType      EventType
	PreviousStatus *string
	NewStatus      *string
	Message        string
	Metadata       map[string]any
	IPAddress      *string
	UserEmail      *string
	CorrelationID  string
}

// Filters narrows a List call.
type Filters struct {
	StoreID   *string
	EventType *EventType
	OwnerID   *string // joins store -> owner
	Limit     int
	Offset    int
}

// Row is a persisted audit event.
type Row struct {
	ID             int64
	StoreID        *string
	EventType      EventType
	PreviousStatus *string
	NewStatus      *string
	Message        string
	Metadata       map[string]any
	IPAddress      *string
	UserEmail      *string
	CreatedAt      time.Time
}

// Writer is the async, never-blocking audit appender.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer backed by the given pool.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start spawns the background flush loop. Call Close during shutdown.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Close stops accepting new entries, drains the buffer, and waits for the
// flush loop to exit.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry. It never blocks: if the internal buffer is
// full, the entry is dropped and a warning is logged, matching the
// "writes must never raise exceptions to the orchestrator" invariant.
func (w *Writer) Log(e Entry) {
	select {
	case w.entries <- e:
	default:
		w.logger.Warn("audit buffer full, dropping event",
			"event_type", e.EventType, "store_id", e.StoreID)
	}
}

// LogFromRequest is a convenience wrapper that pulls correlation/IP
// information from an HTTP request.
func (w *Writer) LogFromRequest(r *http.Request, e Entry) {
	ip := clientIP(r)
	e.IPAddress = &ip
	w.Log(e)
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []Entry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			w.logger.Warn("audit: marshalling metadata failed, writing without it", "error", err)
			metaJSON = []byte("{}")
		}
		if e.CorrelationID != "" {
			var m map[string]any
			_ = json.Unmarshal(metaJSON, &m)
			if m == nil {
				m = map[string]any{}
			}
			m["correlationId"] = e.CorrelationID
			metaJSON, _ = json.Marshal(m)
		}

		_, err = w.pool.Exec(ctx, `
			INSERT INTO audit_logs (store_id, event_type, previous_status, new_status, message, metadata, ip_address, user_email)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.StoreID, e.EventType, e.PreviousStatus, e.NewStatus, e.Message, metaJSON, e.IPAddress, e.UserEmail,
		)
		if err != nil {
			w.logger.Error("audit: writing entry failed", "error", err, "event_type", e.EventType)
		}
	}
}

// List returns audit events matching f, most recent first, with a total count.
func List(ctx context.Context, pool *pgxpool.Pool, f Filters) ([]Row, int, error) {
	clauses := []string{"1=1"}
	var args []any
	join := ""

	if f.StoreID != nil {
		args = append(args, *f.StoreID)
		clauses = append(clauses, fmt.Sprintf("audit_logs.store_id = $%d", len(args)))
	}
	if f.EventType != nil {
		args = append(args, *f.EventType)
		clauses = append(clauses, fmt.Sprintf("audit_logs.event_type = $%d", len(args)))
	}
	if f.OwnerID != nil {
		join = "JOIN stores ON stores.id = audit_logs.store_id"
		args = append(args, *f.OwnerID)
		clauses = append(clauses, fmt.Sprintf("stores.owner_id = $%d", len(args)))
	}

	where := strings.Join(clauses, " AND ")

	var total int
	countQ := fmt.Sprintf(`SELECT count(*) FROM audit_logs %s WHERE %s`, join, where)
	if err := pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit logs: %w", err)
	}

	q := fmt.Sprintf(`
		SELECT audit_logs.id, audit_logs.store_id, audit_logs.event_type, audit_logs.previous_status,
		       audit_logs.new_status, audit_logs.message, audit_logs.metadata, audit_logs.ip_address,
		       audit_logs.user_email, audit_logs.created_at
		FROM audit_logs %s WHERE %s ORDER BY audit_logs.created_at DESC`, join, where)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing audit logs: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var metaRaw []byte
		if err := rows.Scan(&r.ID, &r.StoreID, &r.EventType, &r.PreviousStatus, &r.NewStatus,
			&r.Message, &metaRaw, &r.IPAddress, &r.UserEmail, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning audit row: %w", err)
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// clientIP extracts the caller's address, preferring X-Forwarded-For, then
// X-Real-IP, falling back to the TCP remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

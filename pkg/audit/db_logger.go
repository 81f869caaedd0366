package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/storage"
)

const entryColumns = `id, actor, action, category, severity, target_type, target_id, detail, created_at`

// Option configures a DBLogger
type Option func(*DBLogger)

// WithLogger sets the logger for write failures
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *DBLogger) { l.logger = logger }
}

// WithMetrics counts audit writes
func WithMetrics(m *observability.Metrics) Option {
	return func(l *DBLogger) { l.metrics = m }
}

// WithClock overrides time.Now for entry timestamps
func WithClock(now func() time.Time) Option {
	return func(l *DBLogger) { l.now = now }
}

// DBLogger stores audit entries in the audit_logs table
type DBLogger struct {
	db      *sql.DB
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDBLogger creates a database-backed audit logger. The table is created by
// storage.Migrate.
func NewDBLogger(db *sql.DB, opts ...Option) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	l := &DBLogger{
		db:     db,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record writes a single entry outside any transaction
func (l *DBLogger) Record(ctx context.Context, rec Record) (Entry, error) {
	return l.RecordTx(ctx, l.db, rec)
}

// RecordTx writes an entry through q
func (l *DBLogger) RecordTx(ctx context.Context, q storage.Querier, rec Record) (Entry, error) {
	entry, err := l.newEntry(rec)
	if err != nil {
		l.countWrite("invalid")
		return Entry{}, err
	}

	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		l.countWrite("invalid")
		return Entry{}, fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_logs (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.ID, entry.Actor, string(entry.Action), string(entry.Category), string(entry.Severity),
		string(entry.TargetType), entry.TargetID, string(detailJSON), entry.CreatedAt,
	)
	if err != nil {
		l.countWrite("error")
		l.logger.WithError(err).WithFields(logrus.Fields{
			"action":    entry.Action,
			"target_id": entry.TargetID,
		}).Error("Failed to write audit entry")
		return Entry{}, fmt.Errorf("failed to insert audit log: %w", err)
	}

	l.countWrite("success")
	return entry, nil
}

func (l *DBLogger) newEntry(rec Record) (Entry, error) {
	if rec.Actor == "" {
		return Entry{}, fmt.Errorf("audit actor is required")
	}
	if !rec.Action.Valid() {
		return Entry{}, fmt.Errorf("unknown audit action %q", rec.Action)
	}
	if rec.TargetType == "" || rec.TargetID == "" {
		return Entry{}, fmt.Errorf("audit target is required")
	}
	severity := rec.Severity
	if severity == "" {
		severity = rec.Action.DefaultSeverity()
	}
	return Entry{
		ID:         uuid.New(),
		Actor:      rec.Actor,
		Action:     rec.Action,
		Category:   rec.Action.Category(),
		Severity:   severity,
		TargetType: rec.TargetType,
		TargetID:   rec.TargetID,
		Detail:     rec.Detail,
		CreatedAt:  l.now().UTC().Truncate(time.Microsecond),
	}, nil
}

func (l *DBLogger) countWrite(status string) {
	if l.metrics != nil {
		l.metrics.AuditWritesTotal.WithLabelValues(status).Inc()
	}
}

// Query returns one page of entries matching filter, newest first
func (l *DBLogger) Query(ctx context.Context, filter Filter, page Page) (Result, error) {
	page = page.Normalize()
	where, args := buildWhere(filter)

	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)+1, len(args)+2)
	// one extra row tells us whether a next page exists
	args = append(args, page.Size+1, page.Offset())

	entries, err := l.fetch(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}

	result := Result{Page: page.Number, PageSize: page.Size}
	if len(entries) > page.Size {
		result.HasNext = true
		entries = entries[:page.Size]
	}
	result.Entries = entries
	return result, nil
}

// Export returns up to limit matching entries, newest first. A limit outside
// (0, MaxExportRows] is clamped to MaxExportRows.
func (l *DBLogger) Export(ctx context.Context, filter Filter, limit int) ([]Entry, error) {
	if limit <= 0 || limit > MaxExportRows {
		limit = MaxExportRows
	}
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		entryColumns, where, len(args)+1)
	args = append(args, limit)
	return l.fetch(ctx, query, args...)
}

func buildWhere(filter Filter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}

	if filter.Category != "" {
		add("category = $%d", string(filter.Category))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.TargetType != "" {
		add("target_type = $%d", string(filter.TargetType))
	}
	if filter.TargetID != "" {
		add("target_id = $%d", filter.TargetID)
	}
	if filter.From != nil {
		add("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("created_at <= $%d", filter.To.UTC())
	}
	return where, args
}

func (l *DBLogger) fetch(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e          Entry
			detailJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Actor, &e.Action, &e.Category, &e.Severity,
			&e.TargetType, &e.TargetID, &detailJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return entries, nil
}

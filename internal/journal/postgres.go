// internal/journal/postgres.go
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const schema = `
	CREATE TABLE IF NOT EXISTS push_events (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL,
		kind TEXT NOT NULL,
		listing_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS push_events_listing_idx ON push_events (listing_id, id);
`

// PostgresJournal persists entries in the push_events table.
type PostgresJournal struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{
		db:     db,
		tracer: otel.Tracer("marketsync/journal"),
	}
}

// Open connects to dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	j := NewPostgresJournal(db)
	if err := j.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	ctx, span := j.tracer.Start(ctx, "journal.ensure_schema")
	defer span.End()

	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Append(ctx context.Context, e Entry) (int64, error) {
	ctx, span := j.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("event.kind", e.Kind),
			attribute.String("listing.id", e.ListingID),
			attribute.String("outcome", e.Outcome),
		),
	)
	defer span.End()

	var metadataJSON []byte
	if e.Metadata != nil {
		var err error
		if metadataJSON, err = json.Marshal(e.Metadata); err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var id int64
	err := j.db.QueryRowContext(ctx, `
		INSERT INTO push_events (session_id, kind, listing_id, payload, outcome, error, metadata, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.SessionID, e.Kind, e.ListingID, []byte(safePayload(e.Payload)), e.Outcome, e.Error, metadataJSON, receivedAt).Scan(&id)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("insert journal entry: %w", classify(err))
	}

	span.SetAttributes(attribute.Int64("entry.id", id))
	return id, nil
}

func (j *PostgresJournal) Stream(ctx context.Context, fromID int64, limit int) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, kind, listing_id, payload, outcome, error, metadata, received_at
		FROM push_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal stream: %w", classify(err))
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.streamed", len(entries)))
	return entries, nil
}

func (j *PostgresJournal) ForListing(ctx context.Context, listingID string, limit int) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.for_listing",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, kind, listing_id, payload, outcome, error, metadata, received_at
		FROM (
			SELECT * FROM push_events
			WHERE listing_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("query listing journal: %w", classify(err))
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			payload      []byte
			metadataJSON []byte
		)
		err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.Kind,
			&e.ListingID,
			&payload,
			&e.Outcome,
			&e.Error,
			&metadataJSON,
			&e.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return entries, nil
}

// classify maps Postgres error codes onto journal sentinels.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
		return fmt.Errorf("%w: %w", ErrSchemaMissing, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (j *PostgresJournal) Close() error {
	return j.db.Close()
}

package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/lib/pq"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const rowsTableName = "audit_rows"

const schema = `
CREATE TABLE IF NOT EXISTS audit_rows (
	row_id       UUID PRIMARY KEY,
	source       TEXT        NOT NULL,
	line         INTEGER     NOT NULL,
	start_offset BIGINT      NOT NULL,
	end_offset   BIGINT      NOT NULL,
	fields       JSONB       NOT NULL,
	redacted     BOOLEAN     NOT NULL DEFAULT FALSE,
	extracted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_rows_source_offset_idx ON audit_rows (source, start_offset);`

// RowRepository implements the store part of domain.RowRepository for PostgreSQL.
type RowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRowRepository creates a new PostgreSQL row repository.
func NewRowRepository(db *sql.DB, logger *slog.Logger) *RowRepository {
	return &RowRepository{db: db, logger: logger.With("component", "postgres_repository")}
}

// EnsureSchema creates the rows table when it does not exist yet.
func (r *RowRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create %s: %w", rowsTableName, err)
	}
	return nil
}

// WriteRowBatch stages rows with COPY and upserts them on row_id, so a batch
// redelivered after a crash does not duplicate rows.
func (r *RowRepository) WriteRowBatch(ctx context.Context, rows []domain.ExtractedRow) error {
	if len(rows) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	tempTableName := "audit_rows_temp_import"
	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+tempTableName+` (LIKE `+rowsTableName+` INCLUDING DEFAULTS) ON COMMIT DROP;`)
	if err != nil {
		return err
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(tempTableName, "row_id", "source", "line", "start_offset", "end_offset", "fields", "redacted", "extracted_at"))
	if err != nil {
		return err
	}

	for _, row := range rows {
		fields, err := fieldsJSON(row.Fields)
		if err != nil {
			_ = stmt.Close()
			return fmt.Errorf("row %s: %w", row.ID, err)
		}
		_, err = stmt.ExecContext(ctx, row.ID, row.Source, row.Line, row.Offset, row.EndOffset, string(fields), row.Redacted, row.ExtractedAt)
		if err != nil {
			_ = stmt.Close()
			return err
		}
	}

	if err := stmt.Close(); err != nil {
		return err
	}

	// duplicate row_ids within one batch would make ON CONFLICT fail, hence DISTINCT ON
	upsertQuery := `
		INSERT INTO ` + rowsTableName + ` (row_id, source, line, start_offset, end_offset, fields, redacted, extracted_at)
		SELECT DISTINCT ON (row_id) row_id, source, line, start_offset, end_offset, fields, redacted, extracted_at
		FROM ` + tempTableName + `
		ON CONFLICT (row_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			redacted = EXCLUDED.redacted,
			extracted_at = EXCLUDED.extracted_at;
	`
	if _, err = txn.ExecContext(ctx, upsertQuery); err != nil {
		return err
	}

	return txn.Commit()
}

// fieldsJSON renders fields as an object in field order. Absent fields are null.
func fieldsJSON(fields []domain.FieldValue) ([]byte, error) {
	var buf bytes.Buffer
	enc := jsontext.NewEncoder(&buf)
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return nil, err
	}
	for _, f := range fields {
		if err := enc.WriteToken(jsontext.String(f.Name)); err != nil {
			return nil, err
		}
		v := jsontext.Null
		if f.Present {
			v = jsontext.String(f.Value)
		}
		if err := enc.WriteToken(v); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteToken(jsontext.EndObject); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// The following methods are not implemented for the PostgreSQL store.
var errNotImplemented = errors.New("method not implemented for this repository type")

func (r *RowRepository) BufferRow(ctx context.Context, row domain.ExtractedRow) error {
	return errNotImplemented
}

func (r *RowRepository) ReadRowBatch(ctx context.Context, group, consumer string, count int) ([]domain.ExtractedRow, error) {
	return nil, errNotImplemented
}

func (r *RowRepository) AcknowledgeRows(ctx context.Context, group string, messageIDs ...string) error {
	return errNotImplemented
}

func (r *RowRepository) MoveToDLQ(ctx context.Context, rows []domain.ExtractedRow) error {
	return errNotImplemented
}

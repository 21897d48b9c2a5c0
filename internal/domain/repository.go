package domain

import "context"

// LineSource produces raw lines from an audit log until it is exhausted or cancelled.
type LineSource interface {
	// Run calls emit for every line in order. A non-nil error from emit stops the source.
	Run(ctx context.Context, emit func(RawLine) error) error

	// Checkpoint reports the line-aligned offset consumed so far.
	Checkpoint() Checkpoint
}

// RowSink receives extracted rows in file order.
type RowSink interface {
	WriteRow(ctx context.Context, row ExtractedRow) error
	Flush(ctx context.Context) error
}

// RowRepository abstracts the buffer and the final store for extracted rows
// (e.g. Redis Streams and PostgreSQL).
type RowRepository interface {
	// BufferRow adds a single row to the durable buffer.
	BufferRow(ctx context.Context, row ExtractedRow) error

	// ReadRowBatch reads a batch of rows from the buffer for a specific consumer.
	ReadRowBatch(ctx context.Context, group, consumer string, count int) ([]ExtractedRow, error)

	// WriteRowBatch writes a batch of rows to the final structured store.
	WriteRowBatch(ctx context.Context, rows []ExtractedRow) error

	// AcknowledgeRows marks rows as successfully processed in the buffer.
	AcknowledgeRows(ctx context.Context, group string, messageIDs ...string) error

	// MoveToDLQ parks rows that could not be stored.
	MoveToDLQ(ctx context.Context, rows []ExtractedRow) error
}

// WALRepository defines the spool used while the row buffer is unavailable.
type WALRepository interface {
	// Write appends a row to the local WAL file.
	Write(ctx context.Context, row ExtractedRow) error

	// Replay reads rows from the WAL and sends them to a handler function.
	Replay(ctx context.Context, handler func(row ExtractedRow) error) error

	// Truncate removes WAL segments that have been successfully replayed.
	Truncate(ctx context.Context) error
}

// CheckpointRepository persists source progress between runs.
type CheckpointRepository interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

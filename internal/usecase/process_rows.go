package usecase

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const (
	defaultBatchSize    = 500
	defaultRetryCount   = 3
	defaultRetryBackoff = 1 * time.Second
)

// StaleClaimer is implemented by buffers that can hand over rows another
// consumer read but never acknowledged.
type StaleClaimer interface {
	ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]domain.ExtractedRow, error)
}

// ProcessRowsUseCase moves rows from the stream buffer into the durable store.
type ProcessRowsUseCase struct {
	bufferRepo   domain.RowRepository
	storeRepo    domain.RowRepository
	metrics      *metrics.ExtractMetrics
	logger       *slog.Logger
	group        string
	consumer     string
	batchSize    int
	retryCount   int
	retryBackoff time.Duration
}

// NewProcessRowsUseCase creates the consumer-side use case. Zero values for
// batchSize, retryCount and retryBackoff select the defaults.
func NewProcessRowsUseCase(bufferRepo, storeRepo domain.RowRepository, m *metrics.ExtractMetrics, logger *slog.Logger,
	group, consumer string, batchSize, retryCount int, retryBackoff time.Duration) *ProcessRowsUseCase {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	return &ProcessRowsUseCase{
		bufferRepo:   bufferRepo,
		storeRepo:    storeRepo,
		metrics:      m,
		logger:       logger.With("component", "process_rows", "consumer", consumer),
		group:        group,
		consumer:     consumer,
		batchSize:    batchSize,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

// ProcessBatch reads a batch of rows, writes it to the store and acknowledges
// it. A batch that keeps failing is parked on the DLQ and acknowledged.
func (uc *ProcessRowsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("process-rows").Start(ctx, "ProcessBatch")
	defer span.End()

	rows, err := uc.bufferRepo.ReadRowBatch(ctx, uc.group, uc.consumer, uc.batchSize)
	if err != nil {
		uc.metrics.Batch("read_error")
		return 0, err
	}
	return uc.handle(ctx, rows)
}

// RecoverStale reprocesses rows left pending by a consumer that died.
func (uc *ProcessRowsUseCase) RecoverStale(ctx context.Context, minIdle time.Duration) (int, error) {
	claimer, ok := uc.bufferRepo.(StaleClaimer)
	if !ok {
		return 0, nil
	}
	rows, err := claimer.ClaimStale(ctx, uc.group, uc.consumer, minIdle, uc.batchSize)
	if err != nil {
		return 0, err
	}
	return uc.handle(ctx, rows)
}

func (uc *ProcessRowsUseCase) handle(ctx context.Context, rows []domain.ExtractedRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	messageIDs := make([]string, len(rows))
	for i, row := range rows {
		messageIDs[i] = row.StreamMessageID
	}

	if err := uc.writeWithRetry(ctx, rows); err != nil {
		if ctx.Err() != nil {
			// shutting down; leave the batch pending for redelivery
			return 0, ctx.Err()
		}
		uc.logger.Error("failed to write row batch after retries, moving to DLQ", "error", err, "count", len(rows))
		if dlqErr := uc.bufferRepo.MoveToDLQ(ctx, rows); dlqErr != nil {
			uc.metrics.Batch("dlq_error")
			return 0, dlqErr
		}
		if ackErr := uc.bufferRepo.AcknowledgeRows(ctx, uc.group, messageIDs...); ackErr != nil {
			return 0, ackErr
		}
		uc.metrics.Batch("dead_lettered")
		return 0, err
	}

	if err := uc.bufferRepo.AcknowledgeRows(ctx, uc.group, messageIDs...); err != nil {
		// rows are stored but will be redelivered; the upsert on row_id absorbs the duplicates
		uc.logger.Error("failed to acknowledge rows in buffer", "error", err)
		uc.metrics.Batch("ack_error")
		return 0, err
	}

	uc.metrics.Batch("stored")
	uc.logger.Debug("stored row batch", "count", len(rows))
	return len(rows), nil
}

func (uc *ProcessRowsUseCase) writeWithRetry(ctx context.Context, rows []domain.ExtractedRow) error {
	var lastErr error
	for i := 0; i < uc.retryCount; i++ {
		err := uc.storeRepo.WriteRowBatch(ctx, rows)
		if err == nil {
			return nil
		}
		lastErr = err
		uc.logger.Warn("failed to write batch to store, retrying", "attempt", i+1, "error", err)
		select {
		case <-time.After(uc.retryBackoff * time.Duration(i+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

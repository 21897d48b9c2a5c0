package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/domain"
)

var errNotImplemented = errors.New("method not implemented for this repository type")

// Options names the streams a RowRepository works on.
type Options struct {
	Stream    string
	DLQStream string
	Group     string
	// ReadBlock bounds how long ReadRowBatch waits for new entries.
	ReadBlock time.Duration
}

// RowRepository implements the buffer half of domain.RowRepository on a Redis
// stream. Rows are spooled to the WAL while Redis is unreachable.
type RowRepository struct {
	client      *redis.Client
	logger      *slog.Logger
	wal         domain.WALRepository
	metrics     *metrics.ExtractMetrics
	opts        Options
	isAvailable atomic.Bool
}

// NewRowRepository creates a new Redis-backed RowRepository.
// The WAL is optional; pass nil if not needed (e.g., for consumers).
func NewRowRepository(client *redis.Client, logger *slog.Logger, opts Options, wal domain.WALRepository, m *metrics.ExtractMetrics) *RowRepository {
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = 2 * time.Second
	}
	repo := &RowRepository{
		client:  client,
		logger:  logger.With("component", "redis_repository", "stream", opts.Stream),
		wal:     wal,
		metrics: m,
		opts:    opts,
	}
	repo.isAvailable.Store(true) // Assume available initially

	if opts.Group != "" {
		if err := repo.setupConsumerGroup(context.Background()); err != nil {
			repo.markUnavailable(err)
		}
	}

	return repo
}

// Available reports whether writes currently go to Redis rather than the WAL.
func (r *RowRepository) Available() bool {
	return r.isAvailable.Load()
}

// StartHealthCheck pings Redis every interval and replays the WAL once it is reachable again.
func (r *RowRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if r.wal == nil {
		r.logger.Info("WAL is not configured, skipping health check/replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Ping(ctx).Err(); err != nil {
				r.markUnavailable(err)
				continue
			}
			if r.isAvailable.Load() {
				continue
			}
			r.logger.Info("Redis connection recovered")
			if err := r.ReplayWAL(ctx); err != nil {
				r.logger.Error("Failed to replay WAL after Redis recovery", "error", err)
				continue
			}
			r.isAvailable.Store(true)
			r.metrics.WAL(false)
		}
	}
}

// ReplayWAL pushes spooled rows to the stream and truncates the WAL on success.
func (r *RowRepository) ReplayWAL(ctx context.Context) error {
	if err := r.wal.Replay(ctx, func(row domain.ExtractedRow) error {
		return r.addRow(ctx, row)
	}); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}

	if err := r.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate WAL after successful replay: %w", err)
	}
	return nil
}

func (r *RowRepository) setupConsumerGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (r *RowRepository) markUnavailable(err error) {
	if r.isAvailable.CompareAndSwap(true, false) {
		r.logger.Error("Redis connection lost", "error", err)
		r.metrics.WAL(r.wal != nil)
	}
}

// BufferRow appends a row to the stream, falling back to the WAL if Redis is unavailable.
func (r *RowRepository) BufferRow(ctx context.Context, row domain.ExtractedRow) error {
	if !r.isAvailable.Load() {
		if r.wal == nil {
			return errors.New("redis is unavailable and WAL is not configured")
		}
		return r.wal.Write(ctx, row)
	}

	err := r.addRow(ctx, row)
	if err == nil || !isNetworkError(err) {
		return err
	}
	r.markUnavailable(err)
	if r.wal == nil {
		return fmt.Errorf("redis became unavailable and WAL is not configured: %w", err)
	}
	r.logger.Warn("Redis became unavailable, writing to WAL", "row_id", row.ID)
	return r.wal.Write(ctx, row)
}

func (r *RowRepository) addRow(ctx context.Context, row domain.ExtractedRow) error {
	values, err := encodeRow(row)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: values,
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to XADD to redis stream: %w", err)
	}
	return nil
}

// encodeRow flattens a row into stream entry values. The JSON payload is
// authoritative; the flat keys are for redis-cli inspection.
func encodeRow(row domain.ExtractedRow) (map[string]any, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}
	return map[string]any{
		"payload": string(payload),
		"row_id":  row.ID,
		"source":  row.Source,
		"line":    strconv.Itoa(row.Line),
	}, nil
}

func decodeMessage(msg redis.XMessage) (domain.ExtractedRow, error) {
	var row domain.ExtractedRow
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return row, errors.New("message has no payload")
	}
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return row, err
	}
	row.StreamMessageID = msg.ID
	return row, nil
}

// ReadRowBatch reads new rows for a consumer of the group.
func (r *RowRepository) ReadRowBatch(ctx context.Context, group, consumer string, count int) ([]domain.ExtractedRow, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.opts.Stream, ">"},
		Count:    int64(count),
		Block:    r.opts.ReadBlock,
	}

	streams, err := r.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	messages := streams[0].Messages
	rows := make([]domain.ExtractedRow, 0, len(messages))
	var bad []string
	for _, msg := range messages {
		row, err := decodeMessage(msg)
		if err != nil {
			r.logger.Warn("Undecodable stream entry, acknowledging and skipping", "message_id", msg.ID, "error", err)
			bad = append(bad, msg.ID)
			continue
		}
		rows = append(rows, row)
	}
	if len(bad) > 0 {
		if err := r.AcknowledgeRows(ctx, group, bad...); err != nil {
			r.logger.Error("Failed to acknowledge undecodable entries", "error", err)
		}
	}

	return rows, nil
}

// AcknowledgeRows acknowledges processed messages in the stream.
func (r *RowRepository) AcknowledgeRows(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.opts.Stream, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// MoveToDLQ parks rows on the dead-letter stream with their origin.
func (r *RowRepository) MoveToDLQ(ctx context.Context, rows []domain.ExtractedRow) error {
	if len(rows) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, row := range rows {
		values, err := encodeRow(row)
		if err != nil {
			r.logger.Error("Failed to marshal row for DLQ", "row_id", row.ID, "error", err)
			continue
		}
		values["original_stream"] = r.opts.Stream
		values["original_msg_id"] = row.StreamMessageID
		values["failed_at"] = time.Now().UTC().Format(time.RFC3339)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: r.opts.DLQStream, Values: values})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	r.logger.Warn("Moved rows to DLQ", "count", len(rows))
	return nil
}

// WriteRowBatch is not implemented for this repository.
func (r *RowRepository) WriteRowBatch(ctx context.Context, rows []domain.ExtractedRow) error {
	return errNotImplemented
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}

// NewClient accepts either host:port or a redis:// URL.
func NewClient(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// StreamStatus summarises the row stream for the consumer's admin endpoint.
type StreamStatus struct {
	Stream  string      `json:"stream"`
	Length  int64       `json:"length"`
	Groups  []GroupInfo `json:"groups"`
	Pending int64       `json:"pending"`
	DLQ     int64       `json:"dlq_length"`
}

type GroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	Lag             int64  `json:"lag"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// Status reads stream length, consumer groups and the DLQ length.
func (r *RowRepository) Status(ctx context.Context) (StreamStatus, error) {
	st := StreamStatus{Stream: r.opts.Stream}

	n, err := r.client.XLen(ctx, r.opts.Stream).Result()
	if err != nil {
		return st, fmt.Errorf("failed to get length of stream %s: %w", r.opts.Stream, err)
	}
	st.Length = n

	groups, err := r.client.XInfoGroups(ctx, r.opts.Stream).Result()
	if err != nil {
		return st, fmt.Errorf("failed to get group info for stream %s: %w", r.opts.Stream, err)
	}
	for _, g := range groups {
		st.Groups = append(st.Groups, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		})
		st.Pending += g.Pending
	}

	if r.opts.DLQStream != "" {
		dlq, err := r.client.XLen(ctx, r.opts.DLQStream).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return st, fmt.Errorf("failed to get length of stream %s: %w", r.opts.DLQStream, err)
		}
		st.DLQ = dlq
	}
	return st, nil
}

// ClaimStale takes over rows another consumer read but never acknowledged
// within minIdle, e.g. after that consumer crashed.
func (r *RowRepository) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]domain.ExtractedRow, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.opts.Stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending rows: %w", err)
	}

	rows := make([]domain.ExtractedRow, 0, len(msgs))
	for _, msg := range msgs {
		row, err := decodeMessage(msg)
		if err != nil {
			r.logger.Warn("failed to decode claimed entry", "message_id", msg.ID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		r.logger.Info("Claimed stale pending rows", "count", len(rows), "consumer", consumer)
	}
	return rows, nil
}

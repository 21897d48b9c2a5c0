package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const clientBuffer = 64

// SSEMessage is one server-sent event.
type SSEMessage struct {
	Event string
	Data  []byte
}

// rateMessage is broadcast once per second as a "stats" event.
type rateMessage struct {
	RowsPerSecond float64 `json:"rows_per_second"`
	Clients       int     `json:"clients"`
}

// SSEBroker streams extracted rows to connected browsers. It implements
// domain.RowSink so it can sit next to the primary sink in follow mode.
type SSEBroker struct {
	logger  *slog.Logger
	clients map[chan SSEMessage]struct{}
	mu      sync.RWMutex
	rows    atomic.Int64
	dropped atomic.Int64
}

// NewSSEBroker creates a new SSEBroker and starts its stats loop.
func NewSSEBroker(ctx context.Context, logger *slog.Logger) *SSEBroker {
	broker := &SSEBroker{
		logger:  logger.With("component", "sse_broker"),
		clients: make(map[chan SSEMessage]struct{}),
	}
	go broker.run(ctx)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan SSEMessage, clientBuffer)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messageChan:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		}
	}
}

// WriteRow broadcasts a row to every connected client without blocking.
func (b *SSEBroker) WriteRow(_ context.Context, row domain.ExtractedRow) error {
	b.rows.Add(1)
	if b.ClientCount() == 0 {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row for SSE: %w", err)
	}
	b.broadcast(SSEMessage{Event: "row", Data: data})
	return nil
}

func (b *SSEBroker) Flush(context.Context) error { return nil }

// ClientCount returns the number of connected clients.
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many messages slow clients missed.
func (b *SSEBroker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *SSEBroker) addClient(client chan SSEMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("SSE client connected", "clients", len(b.clients))
}

func (b *SSEBroker) removeClient(client chan SSEMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
	b.logger.Info("SSE client disconnected", "clients", len(b.clients))
}

func (b *SSEBroker) broadcast(msg SSEMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// slow client, drop rather than stall extraction
			b.dropped.Add(1)
		}
	}
}

// run broadcasts the row rate once per second.
func (b *SSEBroker) run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastTimestamp := time.Now()
	var lastCount int64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			count := b.rows.Load()
			duration := now.Sub(lastTimestamp).Seconds()
			rate := 0.0
			if duration > 0 {
				rate = float64(count-lastCount) / duration
			}
			lastTimestamp, lastCount = now, count

			clients := b.ClientCount()
			if clients == 0 {
				continue
			}
			data, err := json.Marshal(rateMessage{RowsPerSecond: rate, Clients: clients})
			if err != nil {
				b.logger.Error("Failed to marshal SSE message", "error", err)
				continue
			}
			b.broadcast(SSEMessage{Event: "stats", Data: data})
		}
	}
}

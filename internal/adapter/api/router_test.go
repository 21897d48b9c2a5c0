package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/modsec-extractor/internal/adapter/api/handler"
	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewExtractMetrics(reg)
	m.RowEmitted()

	h := NewRouter(testLogger, RouterOptions{
		Gatherer: reg,
		Health: func(context.Context) (any, error) {
			return map[string]any{"status": "ok", "rows": 1}, nil
		},
	})

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","rows":1}`, rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modsec_extractor_pipeline_rows_total 1")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/rows").Code)

	post := httptest.NewRecorder()
	h.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}

func TestRouter_DefaultHealthAndStreamStatus(t *testing.T) {
	h := NewRouter(testLogger, RouterOptions{
		Stream: func(context.Context) (any, error) { return nil, errors.New("redis down") },
	})

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = get(t, h, "/admin/stream")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")
}

func TestRouter_RowStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := handler.NewSSEBroker(ctx, testLogger)

	srv := httptest.NewServer(NewRouter(testLogger, RouterOptions{Rows: broker}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rows", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, broker.WriteRow(ctx, domain.ExtractedRow{
		ID:     "r1",
		Fields: []domain.FieldValue{{Name: "uri", Value: "/admin", Present: true}},
	}))

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var event, data string
	timeout := time.After(2 * time.Second)
	for data == "" {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed early")
			switch {
			case strings.HasPrefix(l, "event: "):
				event = strings.TrimPrefix(l, "event: ")
			case strings.HasPrefix(l, "data: ") && event == "row":
				data = strings.TrimPrefix(l, "data: ")
			}
		case <-timeout:
			t.Fatal("no row event received")
		}
	}
	assert.Contains(t, data, `"row_id":"r1"`)
	assert.Contains(t, data, `"/admin"`)
}

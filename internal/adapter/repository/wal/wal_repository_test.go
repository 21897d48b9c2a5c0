package wal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func setupTestWAL(t *testing.T, maxSegmentSize, maxTotalSize int64) *WALRepository {
	t.Helper()
	wal, err := NewWALRepository(t.TempDir(), maxSegmentSize, maxTotalSize, testLogger)
	require.NoError(t, err, "failed to create WALRepository")
	t.Cleanup(func() { wal.Close() })
	return wal
}

func row(uri string) domain.ExtractedRow {
	return domain.ExtractedRow{
		ID:     uuid.NewString(),
		Source: "/var/log/modsec_audit.log",
		Line:   12,
		Fields: []domain.FieldValue{{Name: "id", Value: "942100", Present: true}, {Name: "uri", Value: uri, Present: uri != ""}},
	}
}

func TestWAL_WriteAndReplay(t *testing.T) {
	wal := setupTestWAL(t, 1024, 10*1024)

	rows := []domain.ExtractedRow{row("/a"), row(""), row("/c")}
	for _, r := range rows {
		require.NoError(t, wal.Write(context.Background(), r))
	}
	wal.Close()

	// Re-open the WAL to simulate a restart
	reopened, err := NewWALRepository(wal.dir, 1024, 10*1024, testLogger)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, wal.Size(), reopened.Size(), "size after reopen")

	var replayed []domain.ExtractedRow
	require.NoError(t, reopened.Replay(context.Background(), func(r domain.ExtractedRow) error {
		replayed = append(replayed, r)
		return nil
	}))

	require.Len(t, replayed, len(rows))
	for i, r := range rows {
		got := replayed[i]
		assert.Equal(t, r.ID, got.ID, "row %d", i)
		assert.Equal(t, r.Line, got.Line, "row %d", i)
		assert.Equal(t, r.Fields, got.Fields, "row %d", i)
	}
}

func TestWAL_SegmentRotation(t *testing.T) {
	r := row("/a message long enough to cause rotation")
	data, err := json.Marshal(r)
	require.NoError(t, err)
	segmentSize := int64(len(data)) + 10

	wal := setupTestWAL(t, segmentSize, 100*segmentSize)
	for range 4 {
		require.NoError(t, wal.Write(context.Background(), r))
	}

	segments, err := wal.getSortedSegments()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(segments), 2)

	count := 0
	require.NoError(t, wal.Replay(context.Background(), func(domain.ExtractedRow) error { count++; return nil }))
	assert.Equal(t, 4, count, "rows replayed across segments")
}

func TestWAL_Truncate(t *testing.T) {
	wal := setupTestWAL(t, 1024, 4096)

	require.NoError(t, wal.Write(context.Background(), row("/a")))
	require.NoError(t, wal.Truncate(context.Background()))

	segments, err := wal.getSortedSegments()
	require.NoError(t, err)
	require.Len(t, segments, 1, "Truncate leaves one new empty segment")
	info, err := os.Stat(segments[0])
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Zero(t, wal.Size())
}

func TestWAL_MaxTotalSize(t *testing.T) {
	wal := setupTestWAL(t, 100, 300)

	var err error
	for range 10 {
		if err = wal.Write(context.Background(), row("/some data that will fill up the WAL")); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrWALFull)
}

func TestWAL_ReplaySkipsCorruptLines(t *testing.T) {
	wal := setupTestWAL(t, 4096, 8192)
	require.NoError(t, wal.Write(context.Background(), row("/ok")))
	wal.Close()

	segments, err := wal.getSortedSegments()
	require.NoError(t, err)
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"row_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWALRepository(wal.dir, 4096, 8192, testLogger)
	require.NoError(t, err)
	defer reopened.Close()

	var uris []string
	require.NoError(t, reopened.Replay(context.Background(), func(r domain.ExtractedRow) error {
		v, _ := r.Get("uri")
		uris = append(uris, v)
		return nil
	}))
	assert.Equal(t, []string{"/ok"}, uris)
}

func TestWAL_ReplayHandlerError(t *testing.T) {
	wal := setupTestWAL(t, 4096, 8192)
	for _, u := range []string{"/a", "/b"} {
		require.NoError(t, wal.Write(context.Background(), row(u)))
	}
	boom := errors.New("redis down")
	calls := 0
	err := wal.Replay(context.Background(), func(domain.ExtractedRow) error { calls++; return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "replay stops at the first handler error")
}

func TestParseSeq(t *testing.T) {
	_, ok := parseSeq("notes.txt")
	assert.False(t, ok)

	seq, ok := parseSeq("rows-00000000000000000042.wal")
	assert.True(t, ok)
	assert.EqualValues(t, 42, seq)
}

package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modsec_audit.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readAll(t *testing.T, opts Options) []domain.RawLine {
	t.Helper()
	src, err := Open(opts, testLogger, nil)
	require.NoError(t, err)

	var lines []domain.RawLine
	err = src.Run(context.Background(), func(l domain.RawLine) error {
		lines = append(lines, l)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, src.State())
	return lines
}

// collector gathers lines emitted from a background Run.
type collector struct {
	mu    sync.Mutex
	lines []domain.RawLine
}

func (c *collector) emit(l domain.RawLine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, l)
	return nil
}

func (c *collector) snapshot() []domain.RawLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.RawLine(nil), c.lines...)
}

func (c *collector) texts() []string {
	var out []string
	for _, l := range c.snapshot() {
		out = append(out, l.Text)
	}
	return out
}

func TestFileSource_ReadsToEOF(t *testing.T) {
	path := writeLog(t, "first\r\n\nsecond\nno newline")

	lines := readAll(t, Options{Path: path})
	require.Len(t, lines, 4)

	assert.Equal(t, domain.RawLine{Text: "first", Offset: 0, End: 7, Number: 1}, lines[0])
	assert.Equal(t, domain.RawLine{Text: "", Offset: 7, End: 8, Number: 2, Blank: true}, lines[1])
	assert.Equal(t, "second", lines[2].Text)
	assert.Equal(t, domain.RawLine{Text: "no newline", Offset: 15, End: 25, Number: 4}, lines[3])
}

func TestFileSource_EmptyFile(t *testing.T) {
	assert.Empty(t, readAll(t, Options{Path: writeLog(t, "")}))
}

func TestFileSource_OpenErrors(t *testing.T) {
	_, err := Open(Options{Path: filepath.Join(t.TempDir(), "missing.log")}, testLogger, nil)
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	_, err = Open(Options{Path: t.TempDir()}, testLogger, nil)
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	_, err = Open(Options{Path: writeLog(t, "x"), Encoding: "no-such-charset"}, testLogger, nil)
	assert.Error(t, err)

	if os.Geteuid() != 0 {
		path := writeLog(t, "secret")
		require.NoError(t, os.Chmod(path, 0o000))
		_, err = Open(Options{Path: path}, testLogger, nil)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	}
}

func TestFileSource_ReplacesUndecodableBytes(t *testing.T) {
	path := writeLog(t, "[uri \"/a\xffb\"]\n[id \"1\"]\n")

	lines := readAll(t, Options{Path: path})
	require.Len(t, lines, 2)
	assert.Equal(t, "[uri \"/a�b\"]", lines[0].Text)
	assert.Equal(t, "[id \"1\"]", lines[1].Text)
	assert.Equal(t, int64(13), lines[0].End, "offsets count raw bytes")
}

func TestFileSource_LegacyEncoding(t *testing.T) {
	path := writeLog(t, "[msg \"caf\xe9\"]\n")

	lines := readAll(t, Options{Path: path, Encoding: "windows-1252"})
	require.Len(t, lines, 1)
	assert.Equal(t, "[msg \"café\"]", lines[0].Text)
}

func TestFileSource_FollowsAppends(t *testing.T) {
	path := writeLog(t, "one\n")
	src, err := Open(Options{Path: path, Follow: true, PollInterval: 10 * time.Millisecond}, testLogger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.emit) }()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return src.State() == StateWaiting }, 2*time.Second, 5*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("two\npart")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(8), src.Checkpoint().Offset, "partial line is not consumed")

	_, err = f.WriteString("ial\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "partial"}, c.texts())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop after cancellation")
	}
	assert.Equal(t, StateClosed, src.State())
}

func TestFileSource_DetectsTruncateAndRewrite(t *testing.T) {
	path := writeLog(t, "old record line one\nold record line two\n\n")
	src, err := Open(Options{Path: path, Follow: true, PollInterval: 10 * time.Millisecond}, testLogger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go func() { _ = src.Run(ctx, c.emit) }()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return src.State() == StateWaiting }, 2*time.Second, 5*time.Millisecond)

	// longer than before so only the content fingerprint reveals the rewrite
	require.NoError(t, os.WriteFile(path, []byte("NEW first line of the new file content\nNEW second\n\n"), 0o644))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 6 }, 2*time.Second, 5*time.Millisecond)
	lines := c.snapshot()
	assert.Equal(t, "NEW first line of the new file content", lines[3].Text)
	assert.Equal(t, 1, lines[3].Generation)
	assert.Equal(t, int64(0), lines[3].Offset)
	assert.Equal(t, 1, lines[3].Number)
	assert.Equal(t, 1, src.Checkpoint().Generation)
}

func TestFileSource_DetectsReplacement(t *testing.T) {
	path := writeLog(t, "a\n")
	src, err := Open(Options{Path: path, Follow: true, PollInterval: 10 * time.Millisecond}, testLogger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go func() { _ = src.Run(ctx, c.emit) }()
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte("b\n"), 0o644))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.texts())
	assert.Equal(t, 1, c.snapshot()[1].Generation)
}

func TestFileSource_Resume(t *testing.T) {
	content := "r1 a\nr1 b\n\nr2 a\nr2 b\n\nr3\n"
	path := writeLog(t, content)

	t.Run("on a boundary", func(t *testing.T) {
		src, err := Open(Options{Path: path, Resume: &domain.Checkpoint{Path: path, Offset: 11}}, testLogger, nil)
		require.NoError(t, err)
		assert.True(t, src.ResumedAtBoundary())

		var lines []domain.RawLine
		require.NoError(t, src.Run(context.Background(), func(l domain.RawLine) error {
			lines = append(lines, l)
			return nil
		}))
		require.NotEmpty(t, lines)
		assert.Equal(t, "r2 a", lines[0].Text)
		assert.Equal(t, 4, lines[0].Number)
	})

	t.Run("inside a record", func(t *testing.T) {
		src, err := Open(Options{Path: path, Resume: &domain.Checkpoint{Path: path, Offset: 16}}, testLogger, nil)
		require.NoError(t, err)
		assert.False(t, src.ResumedAtBoundary())
		require.NoError(t, src.Close())
	})

	t.Run("stale checkpoint past end of file", func(t *testing.T) {
		src, err := Open(Options{Path: path, Resume: &domain.Checkpoint{Path: path, Offset: 10_000}}, testLogger, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), src.Checkpoint().Offset)
		require.NoError(t, src.Close())
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		src, err := Open(Options{Path: path, Resume: &domain.Checkpoint{
			Path: path, Offset: 11, Fingerprint: 42, FingerprintLen: 5,
		}}, testLogger, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), src.Checkpoint().Offset)
		require.NoError(t, src.Close())
	})
}

func TestFileSource_CheckpointFingerprintRoundTrip(t *testing.T) {
	path := writeLog(t, "x1\n\nx2\n\n")
	src, err := Open(Options{Path: path}, testLogger, nil)
	require.NoError(t, err)
	require.NoError(t, src.Run(context.Background(), func(domain.RawLine) error { return nil }))

	cp := src.Checkpoint()
	assert.Equal(t, int64(8), cp.Offset)
	assert.Equal(t, int64(8), cp.FingerprintLen)

	again, err := Open(Options{Path: path, Resume: &cp}, testLogger, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), again.Checkpoint().Offset)
	assert.True(t, again.ResumedAtBoundary())
	require.NoError(t, again.Close())
}

package wal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const (
	segmentPrefix = "rows-"
	segmentSuffix = ".wal"
	filePerm      = 0644
)

// ErrWALFull is returned when a write would exceed the configured disk budget.
var ErrWALFull = errors.New("wal: max total size exceeded")

// WALRepository spools extracted rows to numbered segment files, one JSON row per line.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSeq     uint64
	currentSize    int64
	totalSize      int64
}

// NewWALRepository creates a new WALRepository.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}

	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal_repository"),
	}

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write appends a row to the current WAL segment.
func (w *WALRepository) Write(ctx context.Context, row domain.ExtractedRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row for WAL: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if w.totalSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d > %d)", ErrWALFull, w.totalSize+int64(len(data)), w.maxTotalSize)
	}

	n, err := w.currentSegment.Write(data)
	w.currentSize += int64(n)
	w.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("Failed to rotate WAL segment", "error", err)
		}
	}

	return nil
}

// Replay hands every spooled row to handler in write order. Corrupt lines,
// such as a torn final write, are skipped.
func (w *WALRepository) Replay(ctx context.Context, handler func(row domain.ExtractedRow) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Warn("Failed to sync WAL segment before replay", "error", err)
		}
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}
	if w.totalSize == 0 {
		w.logger.Debug("WAL is empty, nothing to replay")
		return nil
	}
	w.logger.Info("Starting WAL replay", "segment_count", len(segments), "bytes", w.totalSize)

	replayed := 0
	for _, segmentPath := range segments {
		n, err := w.replaySegment(ctx, segmentPath, handler)
		replayed += n
		if err != nil {
			return err
		}
	}

	w.logger.Info("WAL replay completed", "rows", replayed)
	return nil
}

func (w *WALRepository) replaySegment(ctx context.Context, path string, handler func(domain.ExtractedRow) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	replayed := 0
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var row domain.ExtractedRow
			if err := json.Unmarshal(line, &row); err != nil {
				w.logger.Warn("Failed to unmarshal row from WAL, skipping", "error", err, "segment", filepath.Base(path), "line", lineNo)
			} else {
				if err := handler(row); err != nil {
					w.logger.Error("WAL replay handler failed, stopping replay", "error", err)
					return replayed, fmt.Errorf("replay handler failed: %w", err)
				}
				replayed++
			}
		}
		if readErr == io.EOF {
			return replayed, nil
		}
		if readErr != nil {
			return replayed, fmt.Errorf("error reading segment %s: %w", path, readErr)
		}
	}
}

// Truncate removes all WAL segment files and starts a fresh segment.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	var errs []error
	for _, segmentPath := range segments {
		if err := os.Remove(segmentPath); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove WAL segments: %w", err)
	}

	w.totalSize = 0
	w.logger.Info("WAL truncated", "segments", len(segments))
	return w.rotate()
}

// Size reports the bytes currently spooled across all segments.
func (w *WALRepository) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

func (w *WALRepository) rotate() error {
	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Error("Failed to sync WAL segment before rotating", "error", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			w.logger.Error("Failed to close WAL segment before rotating", "error", err)
		}
		w.currentSegment = nil
	}

	w.currentSeq++
	path := w.segmentPath(w.currentSeq)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create new WAL segment %s: %w", path, err)
	}

	w.currentSegment = f
	w.currentSize = 0
	w.logger.Debug("Rotated to new WAL segment", "path", path)
	return nil
}

func (w *WALRepository) openLatestSegment() error {
	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	w.totalSize = 0
	for _, s := range segments {
		info, err := os.Stat(s)
		if err != nil {
			return fmt.Errorf("failed to stat segment %s: %w", s, err)
		}
		w.totalSize += info.Size()
	}

	if len(segments) == 0 {
		return w.rotate()
	}

	latestSegmentPath := segments[len(segments)-1]
	seq, _ := parseSeq(filepath.Base(latestSegmentPath))
	stat, err := os.Stat(latestSegmentPath)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latestSegmentPath, err)
	}

	f, err := os.OpenFile(latestSegmentPath, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latestSegmentPath, err)
	}

	w.currentSegment = f
	w.currentSeq = seq
	w.currentSize = stat.Size()
	w.logger.Info("Opened existing WAL segment", "path", latestSegmentPath, "size", w.currentSize, "total_size", w.totalSize)

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}

	return nil
}

func (w *WALRepository) segmentPath(seq uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, seq, segmentSuffix))
}

func parseSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	return seq, err == nil
}

func (w *WALRepository) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if _, ok := parseSeq(entry.Name()); ok && !entry.IsDir() {
			segments = append(segments, filepath.Join(w.dir, entry.Name()))
		}
	}
	// zero padded sequence numbers sort lexically
	sort.Strings(segments)
	return segments, nil
}

// Close ensures the current segment is closed gracefully.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentSegment == nil {
		return nil
	}
	err := w.currentSegment.Close()
	w.currentSegment = nil
	return err
}

// Package source reads an audit log incrementally, optionally following it as it
// grows and reopening it when it is rotated or truncated.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	readBufferSize      = 64 * 1024
	boundaryLookback    = 4096
)

// Options configures a FileSource.
type Options struct {
	Path         string
	Follow       bool
	PollInterval time.Duration
	// Encoding is a WHATWG label such as "utf-8" or "windows-1252". Empty means UTF-8.
	Encoding string
	// Resume continues from a previous checkpoint when it still matches the file.
	Resume *domain.Checkpoint
}

// FileSource implements domain.LineSource over a local file.
type FileSource struct {
	opts    Options
	path    string
	logger  *slog.Logger
	metrics *metrics.ExtractMetrics

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	decoder *encoding.Decoder
	utf8    bool
	watcher *fsnotify.Watcher

	pos        int64 // bytes consumed from the file, including a pending partial line
	partial    []byte
	lineNum    int
	generation int // written under mu
	aligned    bool

	mu        sync.Mutex
	lineStart int64 // start of the next unread line
	fp        fingerprint

	state atomic.Int32
}

// Open opens the audit log. A missing or unreadable file is reported as
// domain.ErrFileNotFound or domain.ErrPermissionDenied.
func Open(opts Options, logger *slog.Logger, m *metrics.ExtractMetrics) (*FileSource, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	enc, isUTF8, err := lookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}

	s := &FileSource{
		opts:    opts,
		path:    filepath.Clean(opts.Path),
		logger:  logger.With("component", "file_source", "path", opts.Path),
		metrics: m,
		decoder: enc.NewDecoder(),
		utf8:    isUTF8,
		aligned: true,
	}
	s.setState(StateOpening)

	f, info, err := openFile(s.path)
	if err != nil {
		return nil, err
	}
	s.file = f
	s.info = info
	s.reader = bufio.NewReaderSize(f, readBufferSize)

	if opts.Resume != nil {
		if err := s.resume(*opts.Resume); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func lookupEncoding(label string) (encoding.Encoding, bool, error) {
	if label == "" {
		return unicode.UTF8, true, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, false, fmt.Errorf("unknown source encoding %q: %w", label, err)
	}
	name, _ := htmlindex.Name(enc)
	return enc, name == "utf-8", nil
}

func openFile(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, path)
		case errors.Is(err, fs.ErrPermission):
			return nil, nil, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, path)
		}
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s is a directory", domain.ErrFileNotFound, path)
	}
	return f, info, nil
}

// resume seeks to a checkpoint when the file still looks like the one it was taken from.
func (s *FileSource) resume(cp domain.Checkpoint) error {
	if cp.Path != "" && filepath.Clean(cp.Path) != s.path {
		s.logger.Warn("checkpoint belongs to another file, starting from the beginning", "checkpoint_path", cp.Path)
		return nil
	}
	if cp.Offset <= 0 {
		return nil
	}
	if cp.Offset > s.info.Size() {
		s.logger.Warn("audit log shrank since checkpoint, starting from the beginning",
			"checkpoint_offset", cp.Offset, "size", s.info.Size())
		return nil
	}
	if cp.FingerprintLen > 0 {
		fp, err := computeFingerprint(s.file, cp.FingerprintLen)
		if err != nil || fp.sum != cp.Fingerprint {
			s.logger.Warn("audit log content changed since checkpoint, starting from the beginning")
			return nil
		}
	}

	lines, err := countLines(s.file, cp.Offset)
	if err != nil {
		return fmt.Errorf("counting lines before offset %d: %w", cp.Offset, err)
	}
	aligned, err := atBoundary(s.file, cp.Offset)
	if err != nil {
		return fmt.Errorf("inspecting resume offset %d: %w", cp.Offset, err)
	}
	if _, err := s.file.Seek(cp.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to %d: %w", cp.Offset, err)
	}
	s.reader.Reset(s.file)
	s.pos = cp.Offset
	s.lineNum = lines
	s.aligned = aligned
	s.mu.Lock()
	s.lineStart = cp.Offset
	s.mu.Unlock()
	s.logger.Info("resuming from checkpoint", "offset", cp.Offset, "line", lines, "aligned", aligned)
	return nil
}

// ResumedAtBoundary reports whether reading starts on a record boundary. When it
// does not, the first lines belong to a record that was already partially read.
func (s *FileSource) ResumedAtBoundary() bool {
	return s.aligned
}

// State returns the current state of the reader.
func (s *FileSource) State() State {
	return State(s.state.Load())
}

func (s *FileSource) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.State(int(st))
}

// Checkpoint returns the line-aligned progress of the current file.
func (s *FileSource) Checkpoint() domain.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Checkpoint{
		Path:           s.opts.Path,
		Offset:         s.lineStart,
		Fingerprint:    s.fp.sum,
		FingerprintLen: s.fp.n,
		Generation:     s.generation,
		UpdatedAt:      time.Now().UTC(),
	}
}

// Run reads lines and hands them to emit in file order. Without Follow it stops
// at end of file; with Follow it waits for growth until ctx is cancelled, which
// is a clean shutdown and returns nil.
func (s *FileSource) Run(ctx context.Context, emit func(domain.RawLine) error) error {
	defer s.close()

	if s.opts.Follow {
		s.startWatcher()
	}

	for {
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}

		s.setState(StateReading)
		if err := s.drain(ctx, emit); err != nil {
			s.setState(StateClosed)
			return err
		}
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}
		s.refreshFingerprint()

		if !s.opts.Follow {
			err := s.flushPartial(emit)
			s.setState(StateClosed)
			return err
		}

		s.setState(StateWaiting)
		if !s.wait(ctx) {
			s.setState(StateClosed)
			return nil
		}

		rotated, reason := s.rotated()
		if !rotated {
			continue
		}
		s.setState(StateReopening)
		if err := s.reopen(reason); err != nil {
			// the new file may not exist yet; keep waiting on the old handle
			s.logger.Warn("failed to reopen rotated audit log", "reason", reason, "error", err)
		}
	}
}

// drain reads complete lines until end of file.
func (s *FileSource) drain(ctx context.Context, emit func(domain.RawLine) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		b, err := s.reader.ReadBytes('\n')
		s.pos += int64(len(b))
		s.partial = append(s.partial, b...)

		if err == nil {
			if err := s.emitLine(emit); err != nil {
				return err
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
}

// flushPartial emits a final line that has no terminator.
func (s *FileSource) flushPartial(emit func(domain.RawLine) error) error {
	if len(s.partial) == 0 {
		return nil
	}
	return s.emitLine(emit)
}

func (s *FileSource) emitLine(emit func(domain.RawLine) error) error {
	raw := s.partial
	s.partial = s.partial[:0]

	text := bytes.TrimSuffix(raw, []byte("\n"))
	text = bytes.TrimSuffix(text, []byte("\r"))
	decoded := s.decode(text)

	s.mu.Lock()
	start := s.lineStart
	s.lineStart = start + int64(len(raw))
	s.mu.Unlock()

	s.lineNum++
	s.metrics.LineRead(len(raw))
	s.metrics.Offset(start + int64(len(raw)))

	return emit(domain.RawLine{
		Text:       decoded,
		Offset:     start,
		End:        start + int64(len(raw)),
		Number:     s.lineNum,
		Generation: s.generation,
		Blank:      strings.TrimSpace(decoded) == "",
	})
}

// decode converts raw bytes to valid UTF-8, replacing undecodable sequences
// with U+FFFD so that a bad byte never costs a record.
func (s *FileSource) decode(b []byte) string {
	if s.utf8 && utf8.Valid(b) {
		return string(b)
	}
	out, err := s.decoder.Bytes(b)
	if err != nil {
		out = []byte(strings.ToValidUTF8(string(b), string(utf8.RuneError)))
	}
	if s.utf8 {
		s.metrics.DecodeReplaced()
	}
	return string(out)
}

func (s *FileSource) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file notifications unavailable, polling only", "error", err)
		return
	}
	// watch the directory so that a recreated file is still seen
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("cannot watch audit log directory, polling only", "error", err)
		w.Close()
		return
	}
	s.watcher = w
}

// wait blocks until the file may have changed or ctx is done. It returns false on cancellation.
func (s *FileSource) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if s.watcher != nil {
		events = s.watcher.Events
		errs = s.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == s.path {
				return true
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Debug("file watcher error", "error", err)
		}
	}
}

// rotated checks whether the path now refers to different content than the open handle.
func (s *FileSource) rotated() (bool, string) {
	info, err := os.Stat(s.path)
	if err != nil {
		// moved away and not recreated yet
		return false, ""
	}
	if !os.SameFile(s.info, info) {
		return true, "replaced"
	}
	if info.Size() < s.pos {
		return true, "truncated"
	}
	s.mu.Lock()
	fp := s.fp
	s.mu.Unlock()
	if fp.n > 0 {
		cur, err := computeFingerprint(s.file, fp.n)
		if err != nil || cur.sum != fp.sum {
			return true, "rewritten"
		}
	}
	return false, ""
}

// reopen switches to the file now at path and restarts from offset zero.
func (s *FileSource) reopen(reason string) error {
	f, info, err := openFile(s.path)
	if err != nil {
		return err
	}
	old := s.file
	s.file = f
	s.info = info
	s.reader.Reset(f)
	if old != nil {
		old.Close()
	}

	dropped := len(s.partial)
	s.partial = s.partial[:0]
	s.pos = 0
	s.lineNum = 0
	s.aligned = true

	// Checkpoint reads these from other goroutines; they change together
	s.mu.Lock()
	s.generation++
	s.lineStart = 0
	s.fp = fingerprint{}
	s.mu.Unlock()

	s.metrics.Rotated()
	s.metrics.Offset(0)
	s.logger.Info("audit log rotated, reopening from the beginning",
		"reason", reason, "generation", s.generation, "dropped_partial_bytes", dropped)
	return nil
}

func (s *FileSource) refreshFingerprint() {
	s.mu.Lock()
	n := s.fp.n
	s.mu.Unlock()
	if n >= fingerprintSize || s.pos <= n {
		return
	}
	fp, err := computeFingerprint(s.file, min(s.pos, fingerprintSize))
	if err != nil {
		s.logger.Debug("failed to fingerprint audit log", "error", err)
		return
	}
	s.mu.Lock()
	s.fp = fp
	s.mu.Unlock()
}

func (s *FileSource) close() {
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Close releases the file if Run was never called.
func (s *FileSource) Close() error {
	s.close()
	s.setState(StateClosed)
	return nil
}

// countLines counts line terminators in the first n bytes of f.
func countLines(f *os.File, n int64) (int, error) {
	r := io.NewSectionReader(f, 0, n)
	buf := make([]byte, readBufferSize)
	count := 0
	for {
		k, err := r.Read(buf)
		count += bytes.Count(buf[:k], []byte{'\n'})
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// atBoundary reports whether offset starts a line that directly follows a blank line.
func atBoundary(f *os.File, offset int64) (bool, error) {
	if offset == 0 {
		return true, nil
	}
	from := max(offset-boundaryLookback, 0)
	buf := make([]byte, offset-from)
	if _, err := f.ReadAt(buf, from); err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if buf[len(buf)-1] != '\n' {
		return false, nil
	}
	prev := buf[:len(buf)-1]
	i := bytes.LastIndexByte(prev, '\n')
	if i < 0 && from > 0 {
		return false, nil
	}
	return len(bytes.TrimSpace(prev[i+1:])) == 0, nil
}

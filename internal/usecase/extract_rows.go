package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/adapter/pii"
	"github.com/V4T54L/modsec-extractor/internal/audit"
	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const (
	defaultQueueSize   = 64
	checkpointInterval = time.Second
)

// ErrSinkFailed wraps errors returned by the row sink.
var ErrSinkFailed = errors.New("row sink failed")

// ExtractOptions selects which records become rows and how the stream is read.
type ExtractOptions struct {
	// Source labels every row, normally the audit log path.
	Source     string
	Predicate  audit.Predicate
	Fields     []domain.FieldSpec
	RequireAll bool
	QueueSize  int
	// FlushAtEOF emits a trailing record that has no closing blank line once the
	// source is exhausted. Followed sources never end, so it is off for them.
	FlushAtEOF bool
	// SkipToBoundary drops lines up to the first blank line, for a resume
	// offset that may sit inside a record.
	SkipToBoundary bool
}

// Stats counts what one run has seen.
type Stats struct {
	Lines             int64 `json:"lines"`
	Records           int64 `json:"records"`
	Matched           int64 `json:"matched"`
	Rows              int64 `json:"rows"`
	Incomplete        int64 `json:"incomplete"`
	Invalid           int64 `json:"invalid"`
	Rotations         int64 `json:"rotations"`
	DiscardedPartials int64 `json:"discarded_partials"`
}

// ExtractRowsUseCase runs the read, group, filter, extract and sink pipeline.
type ExtractRowsUseCase struct {
	src         domain.LineSource
	sink        domain.RowSink
	checkpoints domain.CheckpointRepository
	redactor    *pii.Redactor
	metrics     *metrics.ExtractMetrics
	logger      *slog.Logger
	warn        *rate.Limiter

	opts      ExtractOptions
	extractor *audit.Extractor

	lines, records, matched, rows atomic.Int64
	incomplete, invalid           atomic.Int64
	rotations, discarded          atomic.Int64
}

type extractResult struct {
	row        *domain.ExtractedRow
	end        int64
	generation int
}

// NewExtractRowsUseCase validates the field list and wires the pipeline.
// checkpoints, redactor and m may be nil.
func NewExtractRowsUseCase(src domain.LineSource, sink domain.RowSink, checkpoints domain.CheckpointRepository,
	redactor *pii.Redactor, m *metrics.ExtractMetrics, logger *slog.Logger, opts ExtractOptions) (*ExtractRowsUseCase, error) {
	extractor, err := audit.NewExtractor(opts.Source, opts.Fields)
	if err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &ExtractRowsUseCase{
		src:         src,
		sink:        sink,
		checkpoints: checkpoints,
		redactor:    redactor,
		metrics:     m,
		logger:      logger.With("component", "extract_rows"),
		warn:        rate.NewLimiter(rate.Every(time.Second), 5),
		opts:        opts,
		extractor:   extractor,
	}, nil
}

// Run processes the source until it is exhausted or ctx is cancelled.
// Cancellation is a clean shutdown and returns a nil error.
func (uc *ExtractRowsUseCase) Run(ctx context.Context) (Stats, error) {
	records := make(chan domain.LogicalRecord, uc.opts.QueueSize)
	results := make(chan extractResult, uc.opts.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return uc.assemble(gctx, records) })
	g.Go(func() error { return uc.extract(gctx, records, results) })
	g.Go(func() error { return uc.emit(gctx, results) })

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	// the source may have reopened after the last line it emitted
	if gen := int64(uc.src.Checkpoint().Generation); gen > uc.rotations.Load() {
		uc.rotations.Store(gen)
	}

	st := uc.Stats()
	if err != nil {
		uc.logger.Error("extraction stopped", "error", err, "rows", st.Rows)
	}
	return st, err
}

// Stats returns the counters so far. It is safe to call while Run is active.
func (uc *ExtractRowsUseCase) Stats() Stats {
	return Stats{
		Lines:             uc.lines.Load(),
		Records:           uc.records.Load(),
		Matched:           uc.matched.Load(),
		Rows:              uc.rows.Load(),
		Incomplete:        uc.incomplete.Load(),
		Invalid:           uc.invalid.Load(),
		Rotations:         uc.rotations.Load(),
		DiscardedPartials: uc.discarded.Load(),
	}
}

// assemble reads lines and groups them into records.
func (uc *ExtractRowsUseCase) assemble(ctx context.Context, out chan<- domain.LogicalRecord) error {
	defer close(out)

	asm := audit.NewAssembler()
	if uc.opts.SkipToBoundary {
		asm.SkipToBoundary()
	}
	send := func(rec domain.LogicalRecord) error {
		select {
		case out <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	generation := -1
	err := uc.src.Run(ctx, func(line domain.RawLine) error {
		uc.lines.Add(1)
		if line.Generation != generation {
			uc.rotations.Store(int64(line.Generation))
			generation = line.Generation
		}

		discarded := asm.Discarded()
		rec, ok := asm.Push(line)
		if asm.Discarded() > discarded {
			uc.discarded.Add(1)
			uc.metrics.PartialDiscarded()
			uc.logger.Warn("discarding partial record after rotation", "generation", line.Generation)
		}
		if ok {
			return send(rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil || !uc.opts.FlushAtEOF {
		return nil
	}
	if rec, ok := asm.Flush(); ok {
		return send(rec)
	}
	return nil
}

// extract filters records and turns the matching ones into rows. Every record
// produces a result so the checkpoint can advance past non-matching ones.
func (uc *ExtractRowsUseCase) extract(ctx context.Context, in <-chan domain.LogicalRecord, out chan<- extractResult) error {
	defer close(out)

	for rec := range in {
		uc.records.Add(1)
		res := extractResult{end: rec.EndOffset, generation: rec.Generation}

		if audit.Matches(rec, uc.opts.Predicate) {
			uc.matched.Add(1)
			row, err := uc.extractor.Extract(rec)
			switch {
			case errors.Is(err, domain.ErrInvalidRecord):
				uc.invalid.Add(1)
				uc.metrics.Record("invalid")
				if uc.warn.Allow() {
					uc.logger.Warn("skipping invalid record", "line", rec.StartLine, "error", err)
				}
			case err != nil:
				return err
			case uc.opts.RequireAll && !row.Complete():
				uc.incomplete.Add(1)
				uc.metrics.Record("incomplete")
			default:
				uc.redactor.Redact(&row)
				uc.metrics.Record("matched")
				res.row = &row
			}
		} else {
			uc.metrics.Record("filtered")
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// emit hands rows to the sink in order and records progress.
func (uc *ExtractRowsUseCase) emit(ctx context.Context, in <-chan extractResult) error {
	var (
		last     *extractResult
		saved    *extractResult
		lastSave time.Time
	)
	for res := range in {
		if res.row != nil {
			if err := uc.sink.WriteRow(ctx, *res.row); err != nil {
				return fmt.Errorf("%w: %w", ErrSinkFailed, err)
			}
			uc.rows.Add(1)
			uc.metrics.RowEmitted()
		}
		last = &res
		if res.row != nil || time.Since(lastSave) >= checkpointInterval {
			uc.saveCheckpoint(ctx, res)
			saved, lastSave = last, time.Now()
		}
	}

	// the run may be ending because ctx was cancelled; finish the bookkeeping anyway
	final := context.WithoutCancel(ctx)
	if err := uc.sink.Flush(final); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkFailed, err)
	}
	if last != nil && last != saved {
		uc.saveCheckpoint(final, *last)
	}
	return nil
}

// saveCheckpoint records that everything before res.end has been handled. The
// source fingerprint is only valid for the file generation it was taken from.
func (uc *ExtractRowsUseCase) saveCheckpoint(ctx context.Context, res extractResult) {
	if uc.checkpoints == nil {
		return
	}
	cp := uc.src.Checkpoint()
	if cp.Generation != res.generation {
		return
	}
	cp.Offset = res.end
	if err := uc.checkpoints.Save(ctx, cp); err != nil && uc.warn.Allow() {
		uc.logger.Warn("failed to save checkpoint", "offset", cp.Offset, "error", err)
	}
}

// Package sink renders extracted rows for operators and downstream tools.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// Format names accepted by New.
const (
	FormatText = "text"
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// New returns a writer sink for the given format. fields fixes the column order.
func New(format string, w io.Writer, fields []domain.FieldSpec) (domain.RowSink, error) {
	switch format {
	case "", FormatText:
		return NewTextSink(w), nil
	case FormatCSV:
		return NewCSVSink(w, fields), nil
	case FormatJSON:
		return NewJSONSink(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// Multi fans rows out to every sink in order. The first error stops the fan-out.
type Multi []domain.RowSink

func (m Multi) WriteRow(ctx context.Context, row domain.ExtractedRow) error {
	for _, s := range m {
		if err := s.WriteRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Buffer adapts a row repository (e.g. the Redis stream) to a sink.
type Buffer struct {
	Repo domain.RowRepository
}

func (b Buffer) WriteRow(ctx context.Context, row domain.ExtractedRow) error {
	return b.Repo.BufferRow(ctx, row)
}

func (b Buffer) Flush(context.Context) error { return nil }

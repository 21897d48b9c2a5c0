package sink

import (
	"bufio"
	"context"
	"io"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// TextSink writes one line per row: the field values separated by single
// spaces, absent values rendered as empty strings.
type TextSink struct {
	w *bufio.Writer
}

func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: bufio.NewWriter(w)}
}

func (s *TextSink) WriteRow(_ context.Context, row domain.ExtractedRow) error {
	for i, f := range row.Fields {
		if i > 0 {
			if err := s.w.WriteByte(' '); err != nil {
				return err
			}
		}
		if _, err := s.w.WriteString(f.Value); err != nil {
			return err
		}
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	// rows must reach the terminal promptly when following a live log
	return s.w.Flush()
}

func (s *TextSink) Flush(context.Context) error {
	return s.w.Flush()
}

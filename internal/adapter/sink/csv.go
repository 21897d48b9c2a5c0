package sink

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// CSVSink writes a header of field names followed by one record per row.
type CSVSink struct {
	w      *csv.Writer
	header []string
	wrote  bool
}

func NewCSVSink(w io.Writer, fields []domain.FieldSpec) *CSVSink {
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.Name
	}
	return &CSVSink{w: csv.NewWriter(w), header: header}
}

func (s *CSVSink) WriteRow(_ context.Context, row domain.ExtractedRow) error {
	if !s.wrote {
		if err := s.w.Write(s.header); err != nil {
			return err
		}
		s.wrote = true
	}
	rec := make([]string, len(row.Fields))
	for i, f := range row.Fields {
		rec[i] = f.Value
	}
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Flush(context.Context) error {
	s.w.Flush()
	return s.w.Error()
}

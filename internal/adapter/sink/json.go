package sink

import (
	"context"
	"io"

	"github.com/go-json-experiment/json/jsontext"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// JSONSink writes one JSON object per line. Keys follow the requested field
// order and absent fields are null.
type JSONSink struct {
	enc *jsontext.Encoder
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: jsontext.NewEncoder(w)}
}

func (s *JSONSink) WriteRow(_ context.Context, row domain.ExtractedRow) error {
	if err := s.enc.WriteToken(jsontext.BeginObject); err != nil {
		return err
	}
	for _, f := range row.Fields {
		if err := s.enc.WriteToken(jsontext.String(f.Name)); err != nil {
			return err
		}
		v := jsontext.Null
		if f.Present {
			v = jsontext.String(f.Value)
		}
		if err := s.enc.WriteToken(v); err != nil {
			return err
		}
	}
	return s.enc.WriteToken(jsontext.EndObject)
}

func (s *JSONSink) Flush(context.Context) error { return nil }

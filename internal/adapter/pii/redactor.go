package pii

import (
	"log/slog"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks the values of selected fields before rows leave the process.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor instance with a given set of fields to redact.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		fieldSet[field] = struct{}{}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger.With("component", "redactor"),
	}
}

// Enabled reports whether any field is configured for redaction.
func (r *Redactor) Enabled() bool {
	return r != nil && len(r.fieldsToRedact) > 0
}

// Redact modifies the row in place. Absent fields stay absent so that
// require-all filtering and null rendering are unaffected.
func (r *Redactor) Redact(row *domain.ExtractedRow) {
	if !r.Enabled() {
		return
	}

	for i := range row.Fields {
		f := &row.Fields[i]
		if !f.Present {
			continue
		}
		if _, ok := r.fieldsToRedact[f.Name]; ok {
			f.Value = RedactedPlaceholder
			row.Redacted = true
		}
	}

	if row.Redacted {
		r.logger.Debug("redacted row fields", "row_id", row.ID, "line", row.Line)
	}
}

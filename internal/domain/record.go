package domain

import "time"

// RawLine is a single decoded line read from the audit log.
type RawLine struct {
	Text       string
	Offset     int64 // byte offset of the first byte of the line
	End        int64 // byte offset just past the line terminator
	Number     int   // 1-based, restarts when the source reopens
	Generation int   // bumped every time the source reopens after rotation
	Blank      bool
}

// LogicalRecord is one audit transaction: the non-blank lines between two delimiters.
type LogicalRecord struct {
	Lines       []RawLine
	StartLine   int
	StartOffset int64
	// EndOffset points just past the delimiter that closed the record, or past
	// the last line when the record was flushed at end of stream.
	EndOffset  int64
	Generation int
}

// Empty reports whether the record carries no text at all.
func (r LogicalRecord) Empty() bool {
	for _, l := range r.Lines {
		if !l.Blank {
			return false
		}
	}
	return true
}

// FieldSpec names an output column and the tag it is read from.
type FieldSpec struct {
	Name string `yaml:"name"`
	Tag  string `yaml:"tag"`
}

// TagName returns the tag to search for, defaulting to the field name.
func (f FieldSpec) TagName() string {
	if f.Tag == "" {
		return f.Name
	}
	return f.Tag
}

// FieldValue is one extracted column. Present is false when the tag was absent.
type FieldValue struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Present bool   `json:"present"`
}

// ExtractedRow is the structured result of one matching LogicalRecord.
type ExtractedRow struct {
	ID          string       `json:"row_id"`
	Source      string       `json:"source"`
	Line        int          `json:"line"`
	Offset      int64        `json:"offset"`
	EndOffset   int64        `json:"end_offset"`
	Generation  int          `json:"generation"`
	Fields      []FieldValue `json:"fields"`
	ExtractedAt time.Time    `json:"extracted_at"`
	Redacted    bool         `json:"redacted,omitzero"`

	StreamMessageID string `json:"-"` // Redis stream ID, set by the consumer side only
}

// Get returns the value of the named field and whether it was present.
func (r ExtractedRow) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, f.Present
		}
	}
	return "", false
}

// Complete reports whether every field was found.
func (r ExtractedRow) Complete() bool {
	for _, f := range r.Fields {
		if !f.Present {
			return false
		}
	}
	return true
}

// Checkpoint records how far a source has been consumed.
type Checkpoint struct {
	Path           string    `json:"path"`
	Offset         int64     `json:"offset"`
	Fingerprint    uint64    `json:"fingerprint"`
	FingerprintLen int64     `json:"fingerprint_len"`
	UpdatedAt      time.Time `json:"updated_at"`
	Generation     int       `json:"-"` // reopen count of the live source, not persisted
}

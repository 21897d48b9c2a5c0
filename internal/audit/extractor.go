package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// rowNamespace seeds deterministic row IDs so that re-extracting an unchanged
// file yields the same IDs and idempotent sinks can upsert.
var rowNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("modsec-extractor/row"))

// ParseFields parses "id,uri,rule=id" into field specs. A `name=tag` item reads
// column name from a differently named tag.
func ParseFields(list string) ([]domain.FieldSpec, error) {
	var specs []domain.FieldSpec
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, tag, _ := strings.Cut(item, "=")
		specs = append(specs, domain.FieldSpec{Name: strings.TrimSpace(name), Tag: strings.TrimSpace(tag)})
	}
	if err := ValidateFields(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ValidateFields rejects empty lists, empty names, duplicate names and tag names
// that cannot appear in a tag.
func ValidateFields(specs []domain.FieldSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no fields requested", domain.ErrInvalidFieldSpec)
	}
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("%w: empty field name", domain.ErrInvalidFieldSpec)
		}
		if strings.ContainsAny(s.TagName(), " \t\"[]") {
			return fmt.Errorf("%w: bad tag name %q", domain.ErrInvalidFieldSpec, s.TagName())
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", domain.ErrInvalidFieldSpec, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Extractor turns records into rows for a fixed, ordered set of fields.
type Extractor struct {
	source string
	specs  []domain.FieldSpec
	now    func() time.Time
}

// NewExtractor validates specs and returns an extractor labelling rows with source.
func NewExtractor(source string, specs []domain.FieldSpec) (*Extractor, error) {
	if err := ValidateFields(specs); err != nil {
		return nil, err
	}
	return &Extractor{
		source: source,
		specs:  append([]domain.FieldSpec(nil), specs...),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Extract applies the tag parser for every field to the joined record text.
// A missing tag is reported as an absent value; only an empty record is an error.
func (e *Extractor) Extract(rec domain.LogicalRecord) (domain.ExtractedRow, error) {
	if len(rec.Lines) == 0 || rec.Empty() {
		return domain.ExtractedRow{}, fmt.Errorf("%w: empty record at line %d", domain.ErrInvalidRecord, rec.StartLine)
	}

	text := Text(rec)
	row := domain.ExtractedRow{
		ID:          rowID(e.source, rec.StartOffset, text),
		Source:      e.source,
		Line:        rec.StartLine,
		Offset:      rec.StartOffset,
		EndOffset:   rec.EndOffset,
		Generation:  rec.Generation,
		Fields:      make([]domain.FieldValue, len(e.specs)),
		ExtractedAt: e.now(),
	}
	for i, spec := range e.specs {
		v, ok := FindTag(text, spec.TagName())
		row.Fields[i] = domain.FieldValue{Name: spec.Name, Value: v, Present: ok}
	}
	return row, nil
}

// Extract is a convenience wrapper for one-off extraction without a source label.
func Extract(rec domain.LogicalRecord, specs []domain.FieldSpec) (domain.ExtractedRow, error) {
	e, err := NewExtractor("", specs)
	if err != nil {
		return domain.ExtractedRow{}, err
	}
	return e.Extract(rec)
}

func rowID(source string, offset int64, text string) string {
	name := source + "\x00" + strconv.FormatInt(offset, 10) + "\x00" + text
	return uuid.NewSHA1(rowNamespace, []byte(name)).String()
}

package audit

import (
	"iter"
	"strings"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// Assembler groups raw lines into logical records delimited by blank lines.
// It is not safe for concurrent use; one assembler belongs to one reader.
type Assembler struct {
	pending    []domain.RawLine
	generation int
	skipping   bool
	discarded  int
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// IsBlank reports whether a line is a record delimiter.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// SkipToBoundary drops incoming lines until the next blank line. It is used when
// reading resumes at an offset that may sit in the middle of a record.
func (a *Assembler) SkipToBoundary() {
	a.pending = nil
	a.skipping = true
}

// Discard drops the partial record being accumulated, if any.
func (a *Assembler) Discard() bool {
	if len(a.pending) == 0 {
		return false
	}
	a.pending = nil
	a.discarded++
	return true
}

// Discarded returns how many partial records were dropped so far.
func (a *Assembler) Discarded() int {
	return a.discarded
}

// Pending reports whether a partial record is being accumulated.
func (a *Assembler) Pending() bool {
	return len(a.pending) > 0
}

// Push feeds one line. It returns a complete record when line closes one.
func (a *Assembler) Push(line domain.RawLine) (domain.LogicalRecord, bool) {
	if line.Generation != a.generation {
		// the source reopened: whatever was pending belongs to the old file
		a.Discard()
		a.skipping = false
		a.generation = line.Generation
	}

	blank := line.Blank || IsBlank(line.Text)
	if a.skipping {
		if blank {
			a.skipping = false
		}
		return domain.LogicalRecord{}, false
	}

	if !blank {
		line.Blank = false
		a.pending = append(a.pending, line)
		return domain.LogicalRecord{}, false
	}
	if len(a.pending) == 0 {
		return domain.LogicalRecord{}, false
	}
	return a.take(line.End), true
}

// Flush emits the trailing record at end of stream. Records need not be
// terminated by a blank line.
func (a *Assembler) Flush() (domain.LogicalRecord, bool) {
	a.skipping = false
	if len(a.pending) == 0 {
		return domain.LogicalRecord{}, false
	}
	return a.take(a.pending[len(a.pending)-1].End), true
}

func (a *Assembler) take(end int64) domain.LogicalRecord {
	first := a.pending[0]
	rec := domain.LogicalRecord{
		Lines:       a.pending,
		StartLine:   first.Number,
		StartOffset: first.Offset,
		EndOffset:   end,
		Generation:  first.Generation,
	}
	a.pending = nil
	return rec
}

// Records lazily groups a line sequence into records, flushing at the end.
func Records(lines iter.Seq[domain.RawLine]) iter.Seq[domain.LogicalRecord] {
	return func(yield func(domain.LogicalRecord) bool) {
		a := NewAssembler()
		for line := range lines {
			if rec, ok := a.Push(line); ok {
				if !yield(rec) {
					return
				}
			}
		}
		if rec, ok := a.Flush(); ok {
			yield(rec)
		}
	}
}

// Text joins the record lines with newlines.
func Text(rec domain.LogicalRecord) string {
	switch len(rec.Lines) {
	case 0:
		return ""
	case 1:
		return rec.Lines[0].Text
	}
	var b strings.Builder
	for i, l := range rec.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

// SplitLines turns in-memory text into raw lines with byte offsets. It is the
// finite counterpart of the file source and treats "\n" and "\r\n" alike.
func SplitLines(text string) iter.Seq[domain.RawLine] {
	return func(yield func(domain.RawLine) bool) {
		var off int64
		n := 0
		for len(text) > 0 {
			i := strings.IndexByte(text, '\n')
			raw := text
			if i >= 0 {
				raw = text[:i+1]
			}
			text = text[len(raw):]
			n++
			line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
			rl := domain.RawLine{
				Text:   line,
				Offset: off,
				End:    off + int64(len(raw)),
				Number: n,
				Blank:  IsBlank(line),
			}
			off = rl.End
			if !yield(rl) {
				return
			}
		}
	}
}

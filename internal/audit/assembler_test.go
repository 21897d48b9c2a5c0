package audit

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

func collect(text string) []domain.LogicalRecord {
	return slices.Collect(Records(SplitLines(text)))
}

// nonBlankRuns counts maximal runs of non-blank lines.
func nonBlankRuns(text string) int {
	runs := 0
	inRun := false
	for line := range strings.SplitSeq(text, "\n") {
		if IsBlank(line) {
			inRun = false
			continue
		}
		if !inRun {
			runs++
		}
		inRun = true
	}
	return runs
}

func TestRecords_CountMatchesNonBlankRuns(t *testing.T) {
	inputs := map[string]string{
		"empty":             "",
		"only blanks":       "\n\n   \n\t\n",
		"single line":       "a",
		"no blank lines":    "a\nb\nc\n",
		"leading blanks":    "\n\na\nb\n\nc",
		"trailing blanks":   "a\n\nb\n\n\n",
		"many separators":   "a\n\n\n\nb\n \nc\n",
		"crlf":              "a\r\nb\r\n\r\nc\r\n",
		"whitespace blanks": "x\n  \t \ny\n",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			assert.Len(t, collect(in), nonBlankRuns(strings.ReplaceAll(in, "\r", "")))
		})
	}
}

func TestRecords_Boundaries(t *testing.T) {
	t.Run("no blank lines gives one record with every line", func(t *testing.T) {
		recs := collect("l1\nl2\nl3")
		require.Len(t, recs, 1)
		assert.Len(t, recs[0].Lines, 3)
		assert.Equal(t, "l1\nl2\nl3", Text(recs[0]))
	})

	t.Run("empty input gives no record", func(t *testing.T) {
		assert.Empty(t, collect(""))
	})

	t.Run("blank only input gives no record", func(t *testing.T) {
		assert.Empty(t, collect("\n\n\n"))
	})

	t.Run("positions and offsets", func(t *testing.T) {
		recs := collect("a\nb\n\nc\n")
		require.Len(t, recs, 2)
		assert.Equal(t, 1, recs[0].StartLine)
		assert.Equal(t, int64(0), recs[0].StartOffset)
		assert.Equal(t, int64(5), recs[0].EndOffset) // past the blank delimiter
		assert.Equal(t, 4, recs[1].StartLine)
		assert.Equal(t, int64(5), recs[1].StartOffset)
		assert.Equal(t, int64(7), recs[1].EndOffset)
	})
}

func TestRecords_TagRoundTripIgnoresSeparators(t *testing.T) {
	for _, sep := range []string{"\n\n", "\n\n\n\n", "\n  \n\t\n"} {
		in := "first\n[uri \"/one\"]" + sep + "[id \"7\"] x\n[uri \"/two\"]" + sep + "tail"
		recs := collect(in)
		require.Len(t, recs, 3)
		v, ok := FindTag(Text(recs[1]), "uri")
		require.True(t, ok)
		assert.Equal(t, "/two", v)
	}
}

func TestAssembler_GenerationChangeDiscardsPartial(t *testing.T) {
	a := NewAssembler()
	_, ok := a.Push(domain.RawLine{Text: "old partial", Number: 1})
	require.False(t, ok)
	require.True(t, a.Pending())

	_, ok = a.Push(domain.RawLine{Text: "new", Number: 1, Generation: 1})
	require.False(t, ok)
	assert.Equal(t, 1, a.Discarded())

	rec, ok := a.Push(domain.RawLine{Text: "", Number: 2, Generation: 1, Blank: true})
	require.True(t, ok)
	assert.Equal(t, "new", Text(rec))
	assert.Equal(t, 1, rec.Generation)
}

func TestAssembler_SkipToBoundary(t *testing.T) {
	a := NewAssembler()
	a.SkipToBoundary()

	var got []string
	for line := range SplitLines("tail of previous\nrecord\n\nnext\n\n") {
		if rec, ok := a.Push(line); ok {
			got = append(got, Text(rec))
		}
	}
	if rec, ok := a.Flush(); ok {
		got = append(got, Text(rec))
	}
	assert.Equal(t, []string{"next"}, got)
}

func TestRecords_StopsWhenConsumerStops(t *testing.T) {
	n := 0
	for range Records(SplitLines("a\n\nb\n\nc")) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

package audit

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

func record(text string) domain.LogicalRecord {
	recs := collect(text)
	if len(recs) != 1 {
		panic("fixture must hold exactly one record")
	}
	return recs[0]
}

func TestPredicates(t *testing.T) {
	rec := record("[12/Jan] Access denied with code 400 (phase 2)\n[id \"12345\"] [uri \"/admin\"]")

	assert.True(t, Matches(rec, nil))
	assert.True(t, Matches(rec, Contains("Access denied with code 400")))
	assert.False(t, Matches(rec, Contains("Access denied with code 403")))
	assert.True(t, Matches(rec, Contains("(phase 2)\n[id")))
	assert.True(t, Matches(rec, Regexp(regexp.MustCompile(`code 40[03]`))))
	assert.True(t, Matches(rec, HasTag("uri")))
	assert.False(t, Matches(rec, HasTag("msg")))
	assert.True(t, Matches(rec, TagEquals("id", "12345")))
	assert.False(t, Matches(rec, TagEquals("id", "1")))
	assert.True(t, Matches(rec, All(HasTag("id"), HasTag("uri"))))
	assert.False(t, Matches(rec, All(HasTag("id"), HasTag("msg"))))
	assert.True(t, Matches(rec, Any(HasTag("msg"), HasTag("uri"))))
	assert.False(t, Matches(rec, Any()))
	assert.True(t, Matches(rec, All()))
	assert.True(t, Matches(rec, Not(HasTag("msg"))))
}

func TestParsePredicate(t *testing.T) {
	denied := record("Access denied with code 400\n[id \"942100\"] [uri \"/login\"]")
	passed := record("Warning. Matched\n[id \"920350\"]")

	tests := []struct {
		expr       string
		wantDenied bool
		wantPassed bool
	}{
		{expr: "", wantDenied: true, wantPassed: true},
		{expr: "Access denied with code 400", wantDenied: true, wantPassed: false},
		{expr: "re:denied with code 4\\d\\d", wantDenied: true, wantPassed: false},
		{expr: "tag:uri", wantDenied: true, wantPassed: false},
		{expr: "tag:id=920350", wantDenied: false, wantPassed: true},
		{expr: "!tag:uri", wantDenied: false, wantPassed: true},
		{expr: "tag:id && Warning", wantDenied: false, wantPassed: true},
		{expr: "tag:uri || Warning", wantDenied: true, wantPassed: true},
		{expr: "tag:id && tag:uri || tag:id=920350", wantDenied: true, wantPassed: true},
		// separators split before terms are read: the regexp ends at " || "
		{expr: "re:code 9\\d\\d || Warning", wantDenied: false, wantPassed: true},
		{expr: "re:Warning|denied", wantDenied: true, wantPassed: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := ParsePredicate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDenied, Matches(denied, p))
			assert.Equal(t, tt.wantPassed, Matches(passed, p))
		})
	}
}

func TestParsePredicate_Errors(t *testing.T) {
	for _, expr := range []string{"re:(unclosed", "tag:", "a &&  && b", "!"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParsePredicate(expr)
			assert.ErrorIs(t, err, domain.ErrInvalidPredicate)
		})
	}
}

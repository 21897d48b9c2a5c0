package audit

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// Predicate decides whether a record is selected. Predicates are pure.
type Predicate func(rec domain.LogicalRecord) bool

// Matches evaluates p against rec. A nil predicate selects every record.
func Matches(rec domain.LogicalRecord, p Predicate) bool {
	if p == nil {
		return true
	}
	return p(rec)
}

// Always selects every record.
func Always() Predicate {
	return func(domain.LogicalRecord) bool { return true }
}

// Contains selects records whose joined text contains substr.
func Contains(substr string) Predicate {
	return func(rec domain.LogicalRecord) bool {
		for _, l := range rec.Lines {
			if strings.Contains(l.Text, substr) {
				return true
			}
		}
		// the substring may straddle a line break
		return strings.Contains(substr, "\n") && strings.Contains(Text(rec), substr)
	}
}

// Regexp selects records whose joined text matches re.
func Regexp(re *regexp.Regexp) Predicate {
	return func(rec domain.LogicalRecord) bool {
		return re.MatchString(Text(rec))
	}
}

// HasTag selects records carrying at least one well-formed tag.
func HasTag(tag string) Predicate {
	return func(rec domain.LogicalRecord) bool {
		_, ok := FindTag(Text(rec), tag)
		return ok
	}
}

// TagEquals selects records where any occurrence of tag has the given value.
func TagEquals(tag, value string) Predicate {
	return func(rec domain.LogicalRecord) bool {
		for _, v := range FindTags(Text(rec), tag) {
			if v == value {
				return true
			}
		}
		return false
	}
}

// All is the conjunction of ps; it selects everything when ps is empty.
func All(ps ...Predicate) Predicate {
	return func(rec domain.LogicalRecord) bool {
		for _, p := range ps {
			if !Matches(rec, p) {
				return false
			}
		}
		return true
	}
}

// Any is the disjunction of ps; it selects nothing when ps is empty.
func Any(ps ...Predicate) Predicate {
	return func(rec domain.LogicalRecord) bool {
		for _, p := range ps {
			if Matches(rec, p) {
				return true
			}
		}
		return false
	}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return func(rec domain.LogicalRecord) bool {
		return !Matches(rec, p)
	}
}

var regexCache sync.Map

// compileCached returns a compiled regexp, reusing earlier compilations of the same pattern.
func compileCached(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// ParsePredicate builds a predicate from a configuration expression.
//
// Terms:
//
//	Access denied with code 400   substring
//	re:code (400|403)             regular expression
//	tag:uri                       tag present
//	tag:id=942100                 tag value
//	!term                         negation
//
// Terms combine with " && " (binds tighter) and " || ". An empty expression
// selects every record.
//
// The expression is split on " || " and " && " before terms are read, so a
// term cannot contain either separator: "re:a || b" is the regexp "a" or the
// substring "b". Write alternation inside a regexp without spaces, as
// "re:a|b".
func ParsePredicate(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return Always(), nil
	}
	var alts []Predicate
	for _, alt := range strings.Split(expr, " || ") {
		var terms []Predicate
		for _, term := range strings.Split(alt, " && ") {
			p, err := parseTerm(term)
			if err != nil {
				return nil, err
			}
			terms = append(terms, p)
		}
		if len(terms) == 1 {
			alts = append(alts, terms[0])
		} else {
			alts = append(alts, All(terms...))
		}
	}
	if len(alts) == 1 {
		return alts[0], nil
	}
	return Any(alts...), nil
}

func parseTerm(term string) (Predicate, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: empty term", domain.ErrInvalidPredicate)
	}
	if rest, ok := strings.CutPrefix(term, "!"); ok {
		p, err := parseTerm(rest)
		if err != nil {
			return nil, err
		}
		return Not(p), nil
	}
	if pattern, ok := strings.CutPrefix(term, "re:"); ok {
		re, err := compileCached(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidPredicate, pattern, err)
		}
		return Regexp(re), nil
	}
	if spec, ok := strings.CutPrefix(term, "tag:"); ok {
		name, value, hasValue := strings.Cut(spec, "=")
		if name == "" {
			return nil, fmt.Errorf("%w: tag term without a name", domain.ErrInvalidPredicate)
		}
		if hasValue {
			return TagEquals(name, value), nil
		}
		return HasTag(name), nil
	}
	return Contains(term), nil
}

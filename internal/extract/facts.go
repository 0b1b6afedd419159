package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dgallion1/clinfacts/internal/llm"
)

var dateTagRe = regexp.MustCompile(`\((\d{4}-\d{2}-\d{2})\)$`)

// HasDateTag reports whether fact ends with a "(YYYY-MM-DD)" tag.
func HasDateTag(fact string) bool {
	return dateTagRe.MatchString(fact)
}

// FactDate returns the date in fact's trailing tag.
func FactDate(fact string) (string, bool) {
	m := dateTagRe.FindStringSubmatch(fact)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// TagDate returns fact with noteDate appended as "(YYYY-MM-DD)" unless it
// already ends with such a tag. Runs of whitespace, tabs and newlines
// included, collapse to one space first, so a tagged fact survives a fact
// file round trip unchanged and TagDate(TagDate(f, d), d) == TagDate(f, d).
func TagDate(fact string, noteDate time.Time) string {
	fact = strings.Join(strings.Fields(fact), " ")
	if HasDateTag(fact) {
		return fact
	}
	return fmt.Sprintf("%s (%s)", fact, noteDate.Format(time.DateOnly))
}

// ParseError means the model's extraction response was not usable.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse claims: %v (raw: %s)", e.Err, llm.Truncate(e.Raw, 200))
}

func (e *ParseError) Unwrap() error { return e.Err }

type claimsResponse struct {
	Claims *[]string `json:"claims"`
}

// ParseClaims decodes a {"claims": [...]} response, fenced or bare.
func ParseClaims(raw string) ([]string, error) {
	body := llm.ExtractFenced(raw)
	var resp claimsResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	if resp.Claims == nil {
		return nil, &ParseError{Raw: raw, Err: fmt.Errorf("missing %q field", "claims")}
	}
	return *resp.Claims, nil
}

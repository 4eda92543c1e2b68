package session

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidFormat indicates a syntactically malformed session token.
// It is terminal and routes directly to an error presentation without
// attempting validation, so malformed links never burn the resolution
// timeout budget.
var ErrInvalidFormat = errors.New("invalid session token format")

// Token is an opaque session identifier extracted from a recording URL.
// Immutable once parsed.
type Token string

// tokenPattern is the identifier grammar: opaque alphanumeric/underscore
// string, case-sensitive, no path separators
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ParseToken extracts and validates the session token from a recording
// URL path of the form /record/{token}. A bare token is also accepted.
func ParseToken(path string) (Token, error) {
	segment := path
	if i := strings.Index(segment, "/record/"); i >= 0 {
		segment = segment[i+len("/record/"):]
	}
	segment = strings.TrimPrefix(segment, "/")
	segment = strings.TrimSuffix(segment, "/")

	if segment == "" || !tokenPattern.MatchString(segment) {
		return "", ErrInvalidFormat
	}
	return Token(segment), nil
}

// String returns the token as a plain string
func (t Token) String() string {
	return string(t)
}

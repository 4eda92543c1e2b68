package session_test

import (
	"errors"
	"testing"

	"github.com/recbooth/recbooth/internal/session"
)

func TestParseToken(t *testing.T) {
	cases := []struct {
		name string
		path string
		want session.Token
	}{
		{"plain path", "/record/epic31_happy_path_session", "epic31_happy_path_session"},
		{"trailing slash", "/record/abc123/", "abc123"},
		{"bare token", "abc123", "abc123"},
		{"full url path", "/app/record/Xy9_z", "Xy9_z"},
		{"case preserved", "/record/AbC", "AbC"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := session.ParseToken(tc.path)
			if err != nil {
				t.Fatalf("ParseToken(%q): %v", tc.path, err)
			}
			if got != tc.want {
				t.Fatalf("ParseToken(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"empty segment", "/record/"},
		{"empty string", ""},
		{"hyphen", "/record/abc-123"},
		{"embedded slash", "/record/abc/123"},
		{"whitespace", "/record/abc 123"},
		{"dots", "/record/../etc"},
		{"unicode", "/record/токен"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := session.ParseToken(tc.path)
			if !errors.Is(err, session.ErrInvalidFormat) {
				t.Fatalf("ParseToken(%q) err = %v, want ErrInvalidFormat", tc.path, err)
			}
		})
	}
}

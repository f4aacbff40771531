package lookup

import (
	"errors"
	"strings"
)

// ErrInvalidTerm rejects search terms that do not normalize to the domain's
// term shape.
var ErrInvalidTerm = errors.New("invalid search term")

// NormalizeTerm canonicalizes a raw search term into the fixed-shape key
// used for protection checks and upstream fetches: ten digits with a leading
// digit of 6-9 (a mobile number without country prefix).
//
// Accepted sugar: spaces, dashes, dots, and an optional "+91"/"91"/"0"
// prefix, all stripped.
func NormalizeTerm(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ' ', '-', '.', '(', ')':
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()

	s = strings.TrimPrefix(s, "+")
	if len(s) == 12 && strings.HasPrefix(s, "91") {
		s = s[2:]
	} else if len(s) == 11 && strings.HasPrefix(s, "0") {
		s = s[1:]
	}

	if len(s) != 10 {
		return "", ErrInvalidTerm
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", ErrInvalidTerm
		}
	}
	if s[0] < '6' {
		return "", ErrInvalidTerm
	}
	return s, nil
}

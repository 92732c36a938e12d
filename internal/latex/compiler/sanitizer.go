package compiler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"texrender/internal/latex/policy"
)

var (
	ErrInputTooLong       = errors.New("input too long")
	ErrForbiddenConstruct = errors.New("forbidden LaTeX construct")
)

// InputTooLongError reports a text field over its character limit.
type InputTooLongError struct {
	Limit  int
	Length int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("input too long: %d characters (limit %d)", e.Length, e.Limit)
}

func (e *InputTooLongError) Unwrap() error { return ErrInputTooLong }

// ForbiddenConstructError describes why source was rejected.
type ForbiddenConstructError struct {
	Reason string
	Token  string
}

func (e *ForbiddenConstructError) Error() string {
	return e.Reason + ": " + e.Token
}

func (e *ForbiddenConstructError) Unwrap() error { return ErrForbiddenConstruct }

type directive struct {
	token string
	pipe  *regexp.Regexp
}

// reSafeContinuation matches control words that start with a file input
// directive but never read a TeX source file.
var reSafeContinuation = regexp.MustCompile(`\\(?:includegraphics|inputencoding)([^a-z@]|$)`)

// Sanitizer gates untrusted text against one policy. It is safe for
// concurrent use.
type Sanitizer struct {
	policy     *policy.Policy
	forbidden  []string
	directives []directive
}

// NewSanitizer compiles the matchers for p.
func NewSanitizer(p *policy.Policy) *Sanitizer {
	s := &Sanitizer{policy: p, forbidden: p.Forbidden()}
	for _, d := range p.FileInputs() {
		s.directives = append(s.directives, directive{
			token: d,
			pipe:  regexp.MustCompile(regexp.QuoteMeta(d) + `\s*\{?\s*\|`),
		})
	}
	return s
}

// FilterPackages keeps the allow-listed, well-formed names and renders one
// \usepackage line per survivor. Everything else is dropped silently.
func (s *Sanitizer) FilterPackages(names []string) string {
	var lines []string
	for _, name := range names {
		if policy.ValidPackageName(name) && s.policy.Allowed(name) {
			lines = append(lines, `\usepackage{`+name+`}`)
		}
	}
	return strings.Join(lines, "\n")
}

// Sanitize returns text unchanged if it is at most limit characters long and
// free of forbidden constructs. File inclusion directives pass only when
// allowFileInputs is set; their pipe form never passes.
//
// Every check runs against the raw text and against the text as TeX reads it
// once ^^ character notation is decoded and comments are folded away, so a
// construct split across a comment line is caught as well as one hidden
// inside a comment or spelled with ^^ escapes.
func (s *Sanitizer) Sanitize(text string, limit int, allowFileInputs bool) (string, error) {
	if text == "" {
		return "", nil
	}
	if n := utf8.RuneCountInString(text); n > limit {
		return "", &InputTooLongError{Limit: limit, Length: n}
	}

	views := scanViews(text)

	for _, v := range views {
		if err := s.scanAlways(v); err != nil {
			return "", err
		}
	}
	if !allowFileInputs {
		for _, v := range views {
			if err := s.scanFileInputs(v); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}

func (s *Sanitizer) scanAlways(v string) error {
	for _, tok := range s.forbidden {
		if strings.Contains(v, tok) {
			return &ForbiddenConstructError{Reason: "forbidden command", Token: tok}
		}
	}
	for _, d := range s.directives {
		if d.pipe.MatchString(v) {
			return &ForbiddenConstructError{Reason: "piped file input not allowed", Token: d.token + "|"}
		}
	}
	return nil
}

// scanFileInputs matches directives as plain substrings, so any control word
// that merely starts with one is rejected too unless it is a known safe
// continuation.
func (s *Sanitizer) scanFileInputs(v string) error {
	for {
		next := reSafeContinuation.ReplaceAllString(v, " $1")
		if next == v {
			break
		}
		v = next
	}
	for _, d := range s.directives {
		if strings.Contains(v, d.token) {
			return &ForbiddenConstructError{Reason: "file input not allowed", Token: d.token}
		}
	}
	return nil
}

// scanViews returns the distinct lower-cased renderings of text the scans
// run against.
func scanViews(text string) []string {
	var views []string
	add := func(v string) {
		for _, seen := range views {
			if seen == v {
				return
			}
		}
		views = append(views, v)
	}
	for _, v := range []string{text, decodeCarets(text)} {
		lower := strings.ToLower(v)
		add(lower)
		add(foldComments(lower))
	}
	return views
}

// decodeCarets expands TeX's ^^ notation until none is left: ^^ followed by
// two lowercase hex digits is that byte, ^^ followed by any other ASCII
// character c is c+64 or c-64.
func decodeCarets(s string) string {
	for strings.Contains(s, "^^") {
		next := decodeCaretsOnce(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func decodeCaretsOnce(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '^' || i+2 >= len(s) || s[i+1] != '^' || s[i+2] >= 0x80 {
			b.WriteByte(s[i])
			continue
		}
		if i+3 < len(s) && isLowerHex(s[i+2]) && isLowerHex(s[i+3]) {
			b.WriteByte(unhex(s[i+2])<<4 | unhex(s[i+3]))
			i += 3
			continue
		}
		c := s[i+2]
		if c < 64 {
			b.WriteByte(c + 64)
		} else {
			b.WriteByte(c - 64)
		}
		i += 2
	}
	return b.String()
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

func unhex(c byte) byte {
	if c <= '9' {
		return c - '0'
	}
	return c - 'a' + 10
}

// foldComments drops every unescaped % through the end of its line, the line
// break itself and the next line's leading blanks.
func foldComments(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	backslashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && backslashes%2 == 0 {
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				break
			}
			i += j + 1
			for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
				i++
			}
			i--
			backslashes = 0
			continue
		}
		if c == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		b.WriteByte(c)
	}
	return b.String()
}

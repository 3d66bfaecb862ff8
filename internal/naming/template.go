// Package naming resolves destination paths from user-configured templates.
//
// A template is literal text mixed with {Token} groups. Three conditional
// forms keep empty metadata from leaving stray separators behind:
//
//	{Token}          the value, or nothing when empty
//	{Token/}         the value followed by a path separator, only when non-empty
//	{pre Token post} the literal pre/post text is emitted only when the token
//	                 resolves to a non-empty value
package naming

import (
	"path/filepath"
	"regexp"
	"strings"
)

const maxSegmentLen = 240

var (
	groupPattern = regexp.MustCompile(`\{([^{}]*)\}`)
	tokenPattern = regexp.MustCompile(`[A-Z][A-Za-z0-9]*`)

	invalidChars  = regexp.MustCompile(`[<>:"\\|?*\x00-\x1f]`)
	multipleSpace = regexp.MustCompile(`\s{2,}`)
)

// Values holds the metadata a template draws from, keyed by token name.
type Values map[string]string

// Render expands a template against the given values. Separators emitted by
// the template survive as forward slashes; use ResolvePath to get a cleaned
// filesystem path.
func Render(tmpl string, vals Values) string {
	return groupPattern.ReplaceAllStringFunc(tmpl, func(group string) string {
		return renderGroup(group[1:len(group)-1], vals)
	})
}

func renderGroup(body string, vals Values) string {
	trailingSep := strings.HasSuffix(body, "/")
	if trailingSep {
		body = strings.TrimSuffix(body, "/")
	}

	loc := tokenPattern.FindStringIndex(body)
	if loc == nil {
		// No token inside the braces; treat the group as literal text.
		return body
	}

	prefix, token, suffix := body[:loc[0]], body[loc[0]:loc[1]], body[loc[1]:]

	value := vals[token]
	if value == "" {
		return ""
	}

	out := prefix + value + suffix
	if trailingSep {
		out += "/"
	}

	return out
}

// ResolvePath renders a template and turns the result into a relative
// filesystem path: each segment is sanitized and length-limited, empty
// segments collapse so an unset {Token/} level never produces a double
// separator.
func ResolvePath(tmpl string, vals Values) string {
	rendered := Render(tmpl, vals)

	parts := strings.Split(rendered, "/")
	segments := make([]string, 0, len(parts))

	for _, part := range parts {
		seg := SanitizeSegment(part)
		if seg == "" {
			continue
		}

		segments = append(segments, seg)
	}

	return filepath.Join(segments...)
}

// SanitizeSegment makes a single path segment safe for the filesystem:
// reserved characters are replaced, runs of whitespace collapse, trailing
// dots and spaces are stripped, and the segment is truncated to the
// filesystem limit from the end rather than dropped.
func SanitizeSegment(s string) string {
	s = invalidChars.ReplaceAllString(s, "")
	s = multipleSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ". ")

	if len(s) > maxSegmentLen {
		ext := filepath.Ext(s)
		if ext != "" && len(ext) < maxSegmentLen {
			base := s[:len(s)-len(ext)]
			s = truncateUTF8(base, maxSegmentLen-len(ext)) + ext
		} else {
			s = truncateUTF8(s, maxSegmentLen)
		}

		s = strings.TrimRight(s, ". ")
	}

	return s
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}

	return s[:n]
}

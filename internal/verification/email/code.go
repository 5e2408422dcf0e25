package email

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// DefaultCodePattern matches the portal's HTML validation mail, where the
// digits sit inside a styled span after an entity-encoded caption.
const DefaultCodePattern = `Seu c&oacute;digo de valida&ccedil;&atilde;o &eacute;:[\s\S]*?<span[^>]*>[\s\S]*?([0-9]+)[\s\S]*?<\/span>`

// plainCodePattern covers plain-text or already-decoded bodies.
const plainCodePattern = `(?i)c[oó]digo de valida[cç][aã]o[^0-9]{0,120}?([0-9]{4,8})`

// Extractor pulls a verification code out of a message body. Patterns are
// tried in order and the first capture group of the first match wins.
type Extractor struct {
	patterns []*regexp.Regexp
}

// NewExtractor compiles pattern (DefaultCodePattern when empty) followed by
// the plain-text fallback.
func NewExtractor(pattern string) (*Extractor, error) {
	if pattern == "" {
		pattern = DefaultCodePattern
	}
	primary, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile code pattern: %w", err)
	}
	if primary.NumSubexp() < 1 {
		return nil, fmt.Errorf("code pattern %q has no capture group", pattern)
	}
	return &Extractor{patterns: []*regexp.Regexp{primary, regexp.MustCompile(plainCodePattern)}}, nil
}

// Extract returns the code in body, or "" when none matches.
func (e *Extractor) Extract(body string) string {
	candidates := []string{body}
	if decoded := html.UnescapeString(body); decoded != body {
		candidates = append(candidates, decoded)
	}
	for _, re := range e.patterns {
		for _, text := range candidates {
			if m := re.FindStringSubmatch(text); len(m) > 1 {
				if code := strings.TrimSpace(m[1]); code != "" {
					return code
				}
			}
		}
	}
	return ""
}

// Package canon implements the canonical sectioned text form shared by peer
// records and circles.
//
// A document is a preamble line, a fixed ordered list of sections separated by
// exactly one blank line, and a postamble line. Each section is a header line
// followed by "Key: Value" lines sorted lexicographically by key. Sections may be
// empty. There is no trailing newline.
//
// Parse is strict: it re-renders what it read and rejects any input that is not
// byte-identical to the rendering, so every accepted document has exactly one
// encoding.
package canon

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	ErrNonCanonical = errors.New("canon: non-canonical document")
	ErrMalformed    = errors.New("canon: malformed document")
)

// Section is an unordered set of key/value pairs under a header.
type Section struct {
	Name  string
	Pairs map[string]string
}

// Preamble returns the first line of a document of the given kind.
func Preamble(kind string) string { return "-----BEGIN " + kind + "-----" }

// Postamble returns the last line of a document of the given kind.
func Postamble(kind string) string { return "-----END " + kind + "-----" }

// Render produces canonical bytes for kind with sections in the given order.
func Render(kind string, sections []Section) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(Preamble(kind))
	sb.WriteString("\n")

	for i, sec := range sections {
		if !isHeader(sec.Name) {
			return nil, fmt.Errorf("%w: invalid section name %q", ErrMalformed, sec.Name)
		}
		sb.WriteString(sec.Name)
		sb.WriteString("\n")

		keys := make([]string, 0, len(sec.Pairs))
		for k := range sec.Pairs {
			if err := CheckKey(k); err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := sec.Pairs[k]
			if err := CheckValue(v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", sec.Name, k, err)
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\n")
		}

		if i != len(sections)-1 {
			sb.WriteString("\n")
		}
	}

	sb.WriteString(Postamble(kind))
	return []byte(sb.String()), nil
}

// Parse reads a canonical document of the given kind whose sections appear in
// exactly the given order. The result is keyed by section name.
func Parse(data []byte, kind string, order []string) (map[string]Section, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, fmt.Errorf("%w: BOM not allowed", ErrNonCanonical)
	}
	if bytes.Contains(data, []byte("\r")) {
		return nil, fmt.Errorf("%w: CR line endings not allowed", ErrNonCanonical)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 || lines[0] != Preamble(kind) {
		return nil, fmt.Errorf("%w: missing %s preamble", ErrMalformed, kind)
	}
	if lines[len(lines)-1] != Postamble(kind) {
		return nil, fmt.Errorf("%w: missing %s postamble", ErrMalformed, kind)
	}
	body := lines[1 : len(lines)-1]

	sections := make(map[string]Section, len(order))
	pos := 0
	for i, name := range order {
		if pos >= len(body) || body[pos] != name {
			return nil, fmt.Errorf("%w: section %s missing or out of order", ErrMalformed, name)
		}
		pos++
		pairs := make(map[string]string)
		for pos < len(body) && body[pos] != "" {
			k, v, ok := strings.Cut(body[pos], ": ")
			if !ok {
				return nil, fmt.Errorf("%w: invalid key-value line in %s", ErrMalformed, name)
			}
			if _, dup := pairs[k]; dup {
				return nil, fmt.Errorf("%w: duplicate key %q in %s", ErrMalformed, k, name)
			}
			pairs[k] = v
			pos++
		}
		if i != len(order)-1 {
			if pos >= len(body) {
				return nil, fmt.Errorf("%w: section %s not terminated", ErrMalformed, name)
			}
			pos++ // blank separator
		}
		sections[name] = Section{Name: name, Pairs: pairs}
	}
	if pos != len(body) {
		return nil, fmt.Errorf("%w: unexpected content after %s", ErrMalformed, order[len(order)-1])
	}

	ordered := make([]Section, 0, len(order))
	for _, name := range order {
		ordered = append(ordered, sections[name])
	}
	rendered, err := Render(kind, ordered)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !bytes.Equal(rendered, data) {
		return nil, ErrNonCanonical
	}
	return sections, nil
}

// ScopeBefore returns the prefix of a canonical document that ends just before
// the header of section next. The prefix ends with the blank separator line.
func ScopeBefore(raw []byte, next string) ([]byte, error) {
	marker := []byte("\n\n" + next + "\n")
	idx := bytes.Index(raw, marker)
	if idx < 0 {
		return nil, fmt.Errorf("%w: cannot locate section %s", ErrMalformed, next)
	}
	return raw[:idx+2], nil
}

// CheckKey reports whether k may be used as a key.
func CheckKey(k string) error {
	if k == "" {
		return errors.New("empty key")
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c > 127 || c <= ' ' || c == ':' {
			return fmt.Errorf("invalid character %q in key %q", c, k)
		}
	}
	return nil
}

// CheckValue reports whether v may be used as a value.
func CheckValue(v string) error {
	switch {
	case v == "":
		return errors.New("empty value")
	case strings.HasPrefix(v, " "):
		return errors.New("value must not start with a space")
	case strings.ContainsAny(v, "\n\r"):
		return errors.New("value must not contain newlines")
	case strings.HasSuffix(v, " ") || strings.HasSuffix(v, "\t"):
		return errors.New("trailing whitespace forbidden")
	}
	return nil
}

func isHeader(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'A' || c > 'Z') && c != '-' {
			return false
		}
	}
	return true
}

package config

import (
	"fmt"
	"strings"
)

// Template is a string with {name} substitution points. Literal braces are
// written {{ and }}.
type Template struct {
	parts []templatePart
}

type templatePart struct {
	text string
	name string // set for substitution points
}

// ParseTemplate parses s and rejects any substitution point not in allowed
func ParseTemplate(s string, allowed ...string) (*Template, error) {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}

	t := &Template{}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, templatePart{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated substitution at offset %d", i)
			}
			name := s[i+1 : i+1+end]
			if !ok[name] {
				return nil, fmt.Errorf("unknown substitution {%s} (allowed: %s)", name, strings.Join(allowed, ", "))
			}
			flush()
			t.parts = append(t.parts, templatePart{name: name})
			i += end + 1
		case c == '}':
			return nil, fmt.Errorf("unmatched '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// Names returns the substitution points used, in order of appearance
func (t *Template) Names() []string {
	if t == nil {
		return nil
	}
	var names []string
	for _, p := range t.parts {
		if p.name != "" {
			names = append(names, p.name)
		}
	}
	return names
}

// Expand substitutes vars into the template. Missing names expand to "".
func (t *Template) Expand(vars map[string]string) string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range t.parts {
		if p.name != "" {
			sb.WriteString(vars[p.name])
			continue
		}
		sb.WriteString(p.text)
	}
	return sb.String()
}

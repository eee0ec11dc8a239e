// Package promptdoc parses prompt documents: optional YAML frontmatter
// followed by a body with {{ name }} placeholders.
package promptdoc

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Frontmatter holds the provider settings a document may declare
type Frontmatter struct {
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	System      string   `yaml:"system"`
	Parameters  []string `yaml:"parameters"`
}

// Document is a parsed prompt document
type Document struct {
	Frontmatter Frontmatter
	Body        string

	// parts alternates literal text and placeholder names, starting and
	// ending with literal text.
	parts []string
}

// Placeholders returns the distinct placeholder names in order of first use
func (d *Document) Placeholders() []string {
	var names []string
	for i := 1; i < len(d.parts); i += 2 {
		if !slices.Contains(names, d.parts[i]) {
			names = append(names, d.parts[i])
		}
	}
	return names
}

// splitFrontmatter separates a leading "---" delimited YAML block. Content
// without an opening delimiter has no frontmatter; an opening delimiter
// without a closing one is an error.
func splitFrontmatter(content []byte) ([]byte, []byte, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, content, nil
	}
	rest := content[4:]
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, bytes.TrimLeft(rest[3:], "\n"), nil
	}
	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return nil, nil, fmt.Errorf("frontmatter is not terminated: %w", domain.ErrInvalid)
	}
	return rest[:end], bytes.TrimLeft(rest[end+4:], "\n"), nil
}

// Parse parses and validates a document. It fails on malformed
// frontmatter, unbalanced braces, empty placeholder names, and, when the
// frontmatter declares parameters, placeholders that are not declared.
func Parse(content string) (*Document, error) {
	fmData, body, err := splitFrontmatter([]byte(content))
	if err != nil {
		return nil, err
	}

	doc := &Document{Body: string(body)}
	if len(fmData) > 0 {
		if err := yaml.Unmarshal(fmData, &doc.Frontmatter); err != nil {
			return nil, fmt.Errorf("frontmatter: %v: %w", err, domain.ErrInvalid)
		}
	}

	doc.parts, err = tokenize(doc.Body)
	if err != nil {
		return nil, err
	}

	if declared := doc.Frontmatter.Parameters; len(declared) > 0 {
		for _, name := range doc.Placeholders() {
			if !slices.Contains(declared, name) {
				return nil, fmt.Errorf("placeholder %q is not a declared parameter: %w", name, domain.ErrInvalid)
			}
		}
	}
	return doc, nil
}

func tokenize(body string) ([]string, error) {
	var parts []string
	rest := body
	line := 1
	for {
		open := strings.Index(rest, "{{")
		closeIdx := strings.Index(rest, "}}")
		if open == -1 {
			if closeIdx != -1 {
				return nil, fmt.Errorf("line %d: unmatched }}: %w", line+strings.Count(rest[:closeIdx], "\n"), domain.ErrInvalid)
			}
			return append(parts, rest), nil
		}
		if closeIdx != -1 && closeIdx < open {
			return nil, fmt.Errorf("line %d: unmatched }}: %w", line+strings.Count(rest[:closeIdx], "\n"), domain.ErrInvalid)
		}

		at := line + strings.Count(rest[:open], "\n")
		inner := rest[open+2:]
		end := strings.Index(inner, "}}")
		if end == -1 {
			return nil, fmt.Errorf("line %d: unclosed {{: %w", at, domain.ErrInvalid)
		}
		name := strings.TrimSpace(inner[:end])
		switch {
		case name == "":
			return nil, fmt.Errorf("line %d: empty placeholder: %w", at, domain.ErrInvalid)
		case strings.Contains(name, "{{"):
			return nil, fmt.Errorf("line %d: nested {{: %w", at, domain.ErrInvalid)
		case strings.ContainsAny(name, " \t\n"):
			return nil, fmt.Errorf("line %d: placeholder %q contains whitespace: %w", at, name, domain.ErrInvalid)
		}

		parts = append(parts, rest[:open], name)
		line = at + strings.Count(inner[:end+2], "\n")
		rest = inner[end+2:]
	}
}

// Compile reports whether content is a valid document. It has the shape
// the version store expects for its merge check.
func Compile(content string) error {
	_, err := Parse(content)
	return err
}

// Render substitutes every placeholder. A placeholder without a value is an
// error; extra values are ignored.
func (d *Document) Render(params map[string]string) (string, error) {
	var b strings.Builder
	var missing []string
	for i, p := range d.parts {
		if i%2 == 0 {
			b.WriteString(p)
			continue
		}
		v, ok := params[p]
		if !ok {
			if !slices.Contains(missing, p) {
				missing = append(missing, p)
			}
			continue
		}
		b.WriteString(v)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing parameters %s: %w", strings.Join(missing, ", "), domain.ErrInvalid)
	}
	return b.String(), nil
}

// Package markdown parses and renders the vault's markdown documents:
// YAML frontmatter delimited by "---" lines, followed by a body split into
// level-1/2 headed sections.
package markdown

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field is one frontmatter key/value pair. Order is preserved so documents
// round-trip without reshuffling.
type Field struct {
	Key   string
	Value string
}

// Frontmatter is an ordered list of fields.
type Frontmatter []Field

// Get returns the value for key and whether it is present.
func (f Frontmatter) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Set updates key in place or appends it.
func (f *Frontmatter) Set(key, value string) {
	for i, field := range *f {
		if field.Key == key {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, Field{Key: key, Value: value})
}

// Section is one headed block of the document body.
type Section struct {
	// Title is the heading text without the leading hashes.
	Title string

	// Content is the body under the heading, trailing whitespace trimmed.
	Content string

	// Level is the heading level (1 or 2).
	Level int
}

// Document is a parsed markdown document.
type Document struct {
	// Frontmatter holds the header fields; empty when the document has none.
	Frontmatter Frontmatter

	// Preamble is body text before the first heading.
	Preamble string

	// Sections are the headed blocks in document order.
	Sections []Section
}

// Parse splits raw document text into frontmatter, preamble, and sections.
// Parsing is permissive: missing frontmatter yields empty fields, a body
// without headings yields only a preamble.
func Parse(raw string) (*Document, error) {
	front, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, err
	}

	doc := &Document{Frontmatter: front}
	doc.Preamble, doc.Sections = parseSections(body)
	return doc, nil
}

// splitFrontmatter separates the "---" delimited header from the body.
func splitFrontmatter(raw string) (Frontmatter, string, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return nil, normalized, nil
	}

	rest := normalized[len("---\n"):]
	lines := strings.Split(rest, "\n")
	closing := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			closing = i
			break
		}
	}
	if closing < 0 {
		// Unterminated header: treat the whole document as body.
		return nil, normalized, nil
	}

	header := strings.Join(lines[:closing], "\n")
	body := strings.Join(lines[closing+1:], "\n")
	body = strings.TrimPrefix(body, "\n")

	front, err := parseHeader(header)
	if err != nil {
		return nil, "", err
	}
	return front, body, nil
}

// parseHeader decodes the YAML mapping, keeping key order.
func parseHeader(header string) (Frontmatter, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(header), &node); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return nil, nil
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, nil
	}

	front := make(Frontmatter, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		var value string
		if err := mapping.Content[i+1].Decode(&value); err != nil {
			// Non-scalar values are kept verbatim from the source span.
			value = mapping.Content[i+1].Value
		}
		front = append(front, Field{Key: key, Value: value})
	}
	return front, nil
}

// parseSections splits the body on level-1/2 headings.
func parseSections(body string) (string, []Section) {
	lines := strings.Split(body, "\n")

	var preamble []string
	var sections []Section
	var current *Section
	var content []string

	flush := func() {
		if current != nil {
			current.Content = strings.TrimRight(strings.Join(content, "\n"), "\n ")
			current.Content = strings.TrimLeft(current.Content, "\n")
			sections = append(sections, *current)
		}
		current = nil
		content = nil
	}

	for _, line := range lines {
		level, title := headingOf(line)
		if level > 0 {
			flush()
			current = &Section{Title: title, Level: level}
			continue
		}
		if current != nil {
			content = append(content, line)
		} else {
			preamble = append(preamble, line)
		}
	}
	flush()

	return strings.TrimSpace(strings.Join(preamble, "\n")), sections
}

// headingOf reports a line's heading level (1 or 2) and title; level 0 means
// the line is not a recognized heading.
func headingOf(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "## "):
		return 2, strings.TrimSpace(trimmed[3:])
	case strings.HasPrefix(trimmed, "# "):
		return 1, strings.TrimSpace(trimmed[2:])
	}
	return 0, ""
}

// Render serializes the document back to markdown text.
func (d *Document) Render() string {
	var sb strings.Builder

	if len(d.Frontmatter) > 0 {
		sb.WriteString("---\n")
		for _, field := range d.Frontmatter {
			sb.WriteString(field.Key)
			sb.WriteString(": ")
			sb.WriteString(renderValue(field.Value))
			sb.WriteString("\n")
		}
		sb.WriteString("---\n")
	}

	if d.Preamble != "" {
		sb.WriteString("\n")
		sb.WriteString(d.Preamble)
		sb.WriteString("\n")
	}

	for _, section := range d.Sections {
		sb.WriteString("\n")
		sb.WriteString(strings.Repeat("#", section.Level))
		sb.WriteString(" ")
		sb.WriteString(section.Title)
		sb.WriteString("\n")
		if section.Content != "" {
			sb.WriteString("\n")
			sb.WriteString(section.Content)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// renderValue quotes values YAML would otherwise reinterpret.
func renderValue(value string) string {
	if value == "" {
		return `""`
	}
	if strings.ContainsAny(value, ":#\n\"'") || strings.TrimSpace(value) != value {
		out, err := yaml.Marshal(value)
		if err == nil {
			return strings.TrimRight(string(out), "\n")
		}
	}
	return value
}

// FindSection returns the index of the section whose title matches
// case-insensitively, or -1.
func (d *Document) FindSection(title string) int {
	for i, section := range d.Sections {
		if strings.EqualFold(section.Title, title) {
			return i
		}
	}
	return -1
}

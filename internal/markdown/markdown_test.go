package markdown

import (
	"strings"
	"testing"
)

const sampleDoc = `---
id: agent-1
name: Research Assistant
type: project
custom: kept
---

Preamble text.

# Identity

You are a research assistant.

## Capabilities

- search
- summarize
`

func TestParseFrontmatter(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got, _ := doc.Frontmatter.Get("id"); got != "agent-1" {
		t.Errorf("id: got %q", got)
	}
	if got, _ := doc.Frontmatter.Get("name"); got != "Research Assistant" {
		t.Errorf("name: got %q", got)
	}
	if got, ok := doc.Frontmatter.Get("custom"); !ok || got != "kept" {
		t.Errorf("unknown key not preserved: %q ok=%v", got, ok)
	}
	if _, ok := doc.Frontmatter.Get("missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestParseSections(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if doc.Preamble != "Preamble text." {
		t.Errorf("preamble: got %q", doc.Preamble)
	}
	if len(doc.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(doc.Sections))
	}
	if doc.Sections[0].Title != "Identity" || doc.Sections[0].Level != 1 {
		t.Errorf("section 0: %+v", doc.Sections[0])
	}
	if doc.Sections[1].Title != "Capabilities" || doc.Sections[1].Level != 2 {
		t.Errorf("section 1: %+v", doc.Sections[1])
	}
	if doc.Sections[1].Content != "- search\n- summarize" {
		t.Errorf("section 1 content: %q", doc.Sections[1].Content)
	}
}

func TestParseWithoutFrontmatter(t *testing.T) {
	doc, err := Parse("# Title\n\nBody.\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Frontmatter) != 0 {
		t.Errorf("expected no frontmatter, got %v", doc.Frontmatter)
	}
	if len(doc.Sections) != 1 || doc.Sections[0].Title != "Title" {
		t.Errorf("sections: %+v", doc.Sections)
	}
}

func TestParseUnterminatedFrontmatter(t *testing.T) {
	doc, err := Parse("---\nid: x\nno closing delimiter\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Frontmatter) != 0 {
		t.Error("unterminated header must not produce frontmatter")
	}
	if !strings.Contains(doc.Preamble, "no closing delimiter") {
		t.Errorf("body lost: %q", doc.Preamble)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	doc, err := Parse("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Frontmatter) != 0 || len(doc.Sections) != 0 || doc.Preamble != "" {
		t.Errorf("expected empty document, got %+v", doc)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rendered := doc.Render()
	reparsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if len(reparsed.Frontmatter) != len(doc.Frontmatter) {
		t.Errorf("frontmatter count changed: %d vs %d",
			len(reparsed.Frontmatter), len(doc.Frontmatter))
	}
	for i, field := range doc.Frontmatter {
		if reparsed.Frontmatter[i] != field {
			t.Errorf("field %d changed: %+v vs %+v", i, reparsed.Frontmatter[i], field)
		}
	}
	if len(reparsed.Sections) != len(doc.Sections) {
		t.Fatalf("section count changed: %d vs %d", len(reparsed.Sections), len(doc.Sections))
	}
	for i, section := range doc.Sections {
		if reparsed.Sections[i] != section {
			t.Errorf("section %d changed: %+v vs %+v", i, reparsed.Sections[i], section)
		}
	}
	if reparsed.Preamble != doc.Preamble {
		t.Errorf("preamble changed: %q vs %q", reparsed.Preamble, doc.Preamble)
	}
}

func TestRenderQuotesSpecialValues(t *testing.T) {
	doc := &Document{
		Frontmatter: Frontmatter{
			{Key: "title", Value: "Re: status"},
			{Key: "empty", Value: ""},
		},
	}
	rendered := doc.Render()

	reparsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if got, _ := reparsed.Frontmatter.Get("title"); got != "Re: status" {
		t.Errorf("title round trip: %q", got)
	}
	if got, ok := reparsed.Frontmatter.Get("empty"); !ok || got != "" {
		t.Errorf("empty round trip: %q ok=%v", got, ok)
	}
}

func TestFindSectionCaseInsensitive(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if i := doc.FindSection("capabilities"); i != 1 {
		t.Errorf("expected index 1, got %d", i)
	}
	if i := doc.FindSection("CAPABILITIES"); i != 1 {
		t.Errorf("expected index 1, got %d", i)
	}
	if i := doc.FindSection("nope"); i != -1 {
		t.Errorf("expected -1, got %d", i)
	}
}

func TestFrontmatterSet(t *testing.T) {
	var front Frontmatter
	front.Set("version", "1")
	front.Set("version", "2")
	front.Set("agent", "a")

	if len(front) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(front))
	}
	if got, _ := front.Get("version"); got != "2" {
		t.Errorf("version: got %q", got)
	}
}

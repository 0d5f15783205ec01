package memory

import (
	"strings"
	"testing"
)

func TestLoadMissingReturnsNil(t *testing.T) {
	store := NewStore(Limits{})
	doc, err := store.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc != nil {
		t.Errorf("expected nil document, got %+v", doc)
	}
}

func TestLoadOrCreateSeedsStandardSections(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()

	doc, err := store.LoadOrCreate(dir, "agent-1")
	if err != nil {
		t.Fatalf("loadOrCreate: %v", err)
	}
	if doc.Agent != "agent-1" {
		t.Errorf("agent: %q", doc.Agent)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1 after initial save, got %d", doc.Version)
	}

	want := []string{"Working Memory", "Current State", "Key Context", "Pending Actions", "Important Notes"}
	if len(doc.Sections) != len(want) {
		t.Fatalf("expected %d sections, got %d", len(want), len(doc.Sections))
	}
	for i, title := range want {
		if doc.Sections[i].Title != title {
			t.Errorf("section %d: got %q want %q", i, doc.Sections[i].Title, title)
		}
	}

	// Second call loads the existing document without re-saving.
	again, err := store.LoadOrCreate(dir, "agent-1")
	if err != nil {
		t.Fatalf("second loadOrCreate: %v", err)
	}
	if again.Version != 1 {
		t.Errorf("expected version still 1, got %d", again.Version)
	}
}

func TestWriteSectionReplaceAndAppend(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	result, err := store.WriteSection(dir, "Working Memory", "first", WriteOptions{EnforceLimits: true})
	if err != nil || !result.Success {
		t.Fatalf("write: %+v err=%v", result, err)
	}

	result, err = store.WriteSection(dir, "working memory", "second", WriteOptions{Append: true, EnforceLimits: true})
	if err != nil || !result.Success {
		t.Fatalf("append: %+v err=%v", result, err)
	}

	content, _, err := store.ReadSection(dir, "Working Memory")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "first\nsecond" {
		t.Errorf("content: %q", content)
	}
}

func TestWriteSectionVersionIncrements(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.WriteSection(dir, "Current State", "x", WriteOptions{EnforceLimits: true}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.GetStats(dir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Version != 4 {
		t.Errorf("expected version 4 (seed + 3 writes), got %d", stats.Version)
	}
}

func TestWriteSectionMissingWithoutCreate(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	result, err := store.WriteSection(dir, "Nope", "x", WriteOptions{EnforceLimits: true})
	if err != nil {
		t.Fatalf("unexpected io error: %v", err)
	}
	if result.Success {
		t.Error("expected write to fail for missing section")
	}
}

func TestWriteSectionTruncatesAtNewline(t *testing.T) {
	store := NewStore(Limits{SectionSize: 100, TotalSize: 50_000, SectionCount: 20})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	// Lines of 10 chars each; 150 chars total exceeds the 100 budget.
	line := strings.Repeat("x", 9)
	content := strings.Repeat(line+"\n", 15)

	result, err := store.WriteSection(dir, "Key Context", content, WriteOptions{EnforceLimits: true})
	if err != nil || !result.Success {
		t.Fatalf("write: %+v err=%v", result, err)
	}
	if !result.Truncated {
		t.Error("expected truncation")
	}

	stored, _, err := store.ReadSection(dir, "Key Context")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Truncation cuts at the last newline within 80% of the budget.
	if len(stored) > 80 {
		t.Errorf("stored %d chars, expected <= 80", len(stored))
	}
	if strings.HasSuffix(stored, "\n") {
		t.Error("stored content should end at a line, not a trailing newline")
	}
}

func TestWriteSectionRejectsOverTotalLimit(t *testing.T) {
	store := NewStore(Limits{TotalSize: 50_000, SectionSize: 10_000, SectionCount: 20})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	// Fill five sections to 49_900 chars total.
	fill := strings.Repeat("a", 9_980)
	for _, title := range []string{"Working Memory", "Current State", "Key Context", "Pending Actions", "Important Notes"} {
		result, err := store.WriteSection(dir, title, fill, WriteOptions{EnforceLimits: true})
		if err != nil || !result.Success {
			t.Fatalf("fill %s: %+v err=%v", title, result, err)
		}
	}

	result, err := store.WriteSection(dir, "Overflow", strings.Repeat("b", 500),
		WriteOptions{CreateIfMissing: true, EnforceLimits: true})
	if err != nil {
		t.Fatalf("unexpected io error: %v", err)
	}
	if result.Success {
		t.Fatal("expected over-limit write to fail")
	}
	if result.SizeUsed != 50_400 {
		t.Errorf("sizeUsed: got %d want 50400", result.SizeUsed)
	}
	if result.SizeLimit != 50_000 {
		t.Errorf("sizeLimit: got %d want 50000", result.SizeLimit)
	}

	// The rejected write must not leave the overflow content behind.
	check, err := store.CheckLimits(dir)
	if err != nil {
		t.Fatalf("checkLimits: %v", err)
	}
	if !check.WithinLimits {
		t.Errorf("document over limits after rejected write: %+v", check)
	}
}

func TestWriteSectionCountLimit(t *testing.T) {
	store := NewStore(Limits{TotalSize: 50_000, SectionSize: 10_000, SectionCount: 6})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	result, err := store.WriteSection(dir, "Sixth", "ok", WriteOptions{CreateIfMissing: true, EnforceLimits: true})
	if err != nil || !result.Success {
		t.Fatalf("sixth section: %+v err=%v", result, err)
	}

	result, err = store.WriteSection(dir, "Seventh", "no room", WriteOptions{CreateIfMissing: true, EnforceLimits: true})
	if err != nil {
		t.Fatalf("unexpected io error: %v", err)
	}
	if result.Success {
		t.Error("expected section count limit to reject creation")
	}
}

func TestApplyUpdates(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}

	results, err := store.ApplyUpdates(dir, []Update{
		{Section: "Working Memory", Content: "task in progress"},
		{Section: "Brand New", Content: "created on the fly"},
	})
	if err != nil {
		t.Fatalf("applyUpdates: %v", err)
	}
	if len(results) != 2 || !results[0].Success || !results[1].Success {
		t.Fatalf("results: %+v", results)
	}

	content, titles, err := store.ReadSection(dir, "Brand New")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "created on the fly" {
		t.Errorf("content: %q", content)
	}
	if len(titles) != 6 {
		t.Errorf("expected 6 titles, got %v", titles)
	}
}

func TestReadWholeDocument(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.WriteSection(dir, "Key Context", "the facts", WriteOptions{EnforceLimits: true}); err != nil {
		t.Fatal(err)
	}

	raw, titles, err := store.ReadSection(dir, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(raw, "type: agent-memory") {
		t.Error("raw document missing frontmatter type")
	}
	if !strings.Contains(raw, "the facts") {
		t.Error("raw document missing section content")
	}
	if len(titles) != 5 {
		t.Errorf("titles: %v", titles)
	}
}

func TestGetStats(t *testing.T) {
	store := NewStore(Limits{})
	dir := t.TempDir()
	if _, err := store.LoadOrCreate(dir, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.WriteSection(dir, "Important Notes", strings.Repeat("n", 100), WriteOptions{EnforceLimits: true}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.GetStats(dir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.SectionCount != 5 {
		t.Errorf("sectionCount: %d", stats.SectionCount)
	}
	if stats.TotalSize != 100 {
		t.Errorf("totalSize: %d", stats.TotalSize)
	}
	if stats.LargestTitle != "Important Notes" {
		t.Errorf("largest: %q", stats.LargestTitle)
	}
}

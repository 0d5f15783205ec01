// Package memory persists per-agent working memory as a markdown document
// with frontmatter and headed sections, under hard size limits.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/markdown"
	"github.com/wardenhq/warden/pkg/models"
)

// MemoryFile is the filename of an agent's memory document.
const MemoryFile = "MEMORY.md"

// Limits bound the memory document.
type Limits struct {
	// TotalSize is the maximum total characters across all sections.
	TotalSize int

	// SectionSize is the maximum characters in one section.
	SectionSize int

	// SectionCount is the maximum number of sections.
	SectionCount int
}

// DefaultLimits returns the standard memory limits.
func DefaultLimits() Limits {
	return Limits{
		TotalSize:    50_000,
		SectionSize:  10_000,
		SectionCount: 20,
	}
}

// seedSections are created for a fresh memory document, in order.
var seedSections = []string{
	"Working Memory",
	"Current State",
	"Key Context",
	"Pending Actions",
	"Important Notes",
}

// Section is one headed block of the memory document.
type Section struct {
	Title   string
	Content string
	Level   int
}

// Document is a parsed memory document.
type Document struct {
	// Agent is the owning agent id.
	Agent string

	// Updated is the date of the last save (YYYY-MM-DD).
	Updated string

	// Version increments on every save.
	Version int

	// Sections are the headed blocks in document order.
	Sections []Section

	// raw preserves unknown frontmatter fields across saves.
	raw markdown.Frontmatter
}

// findSection returns the index of the section whose title matches
// case-insensitively, or -1.
func (d *Document) findSection(title string) int {
	for i, section := range d.Sections {
		if strings.EqualFold(section.Title, title) {
			return i
		}
	}
	return -1
}

// TotalSize is the sum of all section content lengths.
func (d *Document) TotalSize() int {
	total := 0
	for _, section := range d.Sections {
		total += len(section.Content)
	}
	return total
}

// WriteOptions control a section write.
type WriteOptions struct {
	// Append adds to the section instead of replacing it.
	Append bool

	// CreateIfMissing creates the section when absent.
	CreateIfMissing bool

	// EnforceLimits applies the size limits; disabled only in maintenance
	// flows that rewrite the document wholesale.
	EnforceLimits bool
}

// WriteResult reports the outcome of a section write.
type WriteResult struct {
	// Success reports whether the write was applied and saved.
	Success bool `json:"success"`

	// Section is the title that was targeted.
	Section string `json:"section"`

	// Truncated reports that content was cut to fit the section budget.
	Truncated bool `json:"truncated,omitempty"`

	// Error describes a rejected write.
	Error string `json:"error,omitempty"`

	// SizeUsed is the measured total size when a write is rejected for space.
	SizeUsed int `json:"sizeUsed,omitempty"`

	// SizeLimit is the configured total budget when a write is rejected.
	SizeLimit int `json:"sizeLimit,omitempty"`
}

// Update is one batched section update.
type Update struct {
	Section string `json:"section"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

// Stats summarizes a memory document.
type Stats struct {
	SectionCount int    `json:"sectionCount"`
	TotalSize    int    `json:"totalSize"`
	Version      int    `json:"version"`
	Updated      string `json:"updated,omitempty"`
	LargestTitle string `json:"largestSection,omitempty"`
	LargestSize  int    `json:"largestSize,omitempty"`
}

// LimitCheck reports proximity to the configured limits.
type LimitCheck struct {
	WithinLimits bool     `json:"withinLimits"`
	TotalSize    int      `json:"totalSize"`
	TotalLimit   int      `json:"totalLimit"`
	Utilization  float64  `json:"utilization"`
	OverSections []string `json:"overSections,omitempty"`
}

// Store reads and writes memory documents. One Store serves many agents;
// writes to the same path are serialized by a per-path mutex.
type Store struct {
	limits Limits

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a memory store with the given limits; zero fields fall
// back to defaults.
func NewStore(limits Limits) *Store {
	defaults := DefaultLimits()
	if limits.TotalSize <= 0 {
		limits.TotalSize = defaults.TotalSize
	}
	if limits.SectionSize <= 0 {
		limits.SectionSize = defaults.SectionSize
	}
	if limits.SectionCount <= 0 {
		limits.SectionCount = defaults.SectionCount
	}
	return &Store{
		limits: limits,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Limits returns the store's configured limits.
func (s *Store) Limits() Limits {
	return s.limits
}

func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// Load parses the memory document under agentPath. Returns (nil, nil) when
// no document exists.
func (s *Store) Load(agentPath string) (*Document, error) {
	path := filepath.Join(agentPath, MemoryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.CodeTransientIO, "read memory", err)
	}
	return parse(string(data))
}

// LoadOrCreate loads the document, creating a seeded one when absent.
func (s *Store) LoadOrCreate(agentPath, agentID string) (*Document, error) {
	doc, err := s.Load(agentPath)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return doc, nil
	}

	doc = &Document{Agent: agentID}
	for _, title := range seedSections {
		doc.Sections = append(doc.Sections, Section{Title: title, Level: 2})
	}
	if err := s.save(agentPath, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteSection writes one section under the configured limits and saves the
// document. The result always reports the outcome; err is reserved for I/O
// failures.
func (s *Store) WriteSection(agentPath, title, content string, opts WriteOptions) (WriteResult, error) {
	lock := s.pathLock(agentPath)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.Load(agentPath)
	if err != nil {
		return WriteResult{Section: title, Error: err.Error()}, err
	}
	if doc == nil {
		doc = &Document{Agent: filepath.Base(agentPath)}
	}

	result := s.apply(doc, title, content, opts)
	if !result.Success {
		return result, nil
	}

	if err := s.save(agentPath, doc); err != nil {
		return WriteResult{Section: title, Error: err.Error()}, err
	}
	return result, nil
}

// apply mutates the in-memory document; it does not save.
func (s *Store) apply(doc *Document, title, content string, opts WriteOptions) WriteResult {
	result := WriteResult{Section: title}

	idx := doc.findSection(title)
	if idx < 0 {
		if !opts.CreateIfMissing {
			result.Error = fmt.Sprintf("section %q not found", title)
			return result
		}
		if opts.EnforceLimits && len(doc.Sections) >= s.limits.SectionCount {
			result.Error = fmt.Sprintf("section count limit reached (%d)", s.limits.SectionCount)
			return result
		}
		doc.Sections = append(doc.Sections, Section{Title: title, Level: 2})
		idx = len(doc.Sections) - 1
	}

	next := content
	if opts.Append && doc.Sections[idx].Content != "" {
		next = doc.Sections[idx].Content + "\n" + content
	}

	if opts.EnforceLimits && len(next) > s.limits.SectionSize {
		next = truncateAtNewline(next, s.limits.SectionSize)
		result.Truncated = true
	}

	previous := doc.Sections[idx].Content
	doc.Sections[idx].Content = next

	if opts.EnforceLimits {
		if total := doc.TotalSize(); total > s.limits.TotalSize {
			doc.Sections[idx].Content = previous
			result.Truncated = false
			result.Error = "memory total size limit exceeded"
			result.SizeUsed = total
			result.SizeLimit = s.limits.TotalSize
			return result
		}
	}

	result.Success = true
	return result
}

// truncateAtNewline cuts content at the last newline within 80% of the
// budget; when no newline is present it hard-cuts at that boundary.
func truncateAtNewline(content string, budget int) string {
	boundary := budget * 80 / 100
	if boundary >= len(content) {
		return content
	}
	cut := strings.LastIndex(content[:boundary], "\n")
	if cut <= 0 {
		return content[:boundary]
	}
	return content[:cut]
}

// ApplyUpdates applies a batch of section updates and saves once. Missing
// sections are created when room remains; each update's outcome is reported
// in order.
func (s *Store) ApplyUpdates(agentPath string, updates []Update) ([]WriteResult, error) {
	lock := s.pathLock(agentPath)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.Load(agentPath)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = &Document{Agent: filepath.Base(agentPath)}
	}

	results := make([]WriteResult, 0, len(updates))
	applied := false
	for _, update := range updates {
		result := s.apply(doc, update.Section, update.Content, WriteOptions{
			Append:          update.Append,
			CreateIfMissing: true,
			EnforceLimits:   true,
		})
		results = append(results, result)
		if result.Success {
			applied = true
		}
	}

	if applied {
		if err := s.save(agentPath, doc); err != nil {
			return results, err
		}
	}
	return results, nil
}

// ReadSection returns one section's content, or when title is empty the whole
// raw document plus its section titles.
func (s *Store) ReadSection(agentPath, title string) (content string, titles []string, err error) {
	doc, err := s.Load(agentPath)
	if err != nil {
		return "", nil, err
	}
	if doc == nil {
		return "", nil, nil
	}

	for _, section := range doc.Sections {
		titles = append(titles, section.Title)
	}

	if title == "" {
		return render(doc), titles, nil
	}

	idx := doc.findSection(title)
	if idx < 0 {
		return "", titles, models.Errorf(models.CodeInvalidInput, "memory section %q not found", title)
	}
	return doc.Sections[idx].Content, titles, nil
}

// GetStats derives summary metrics from the document. A missing document
// yields zero stats.
func (s *Store) GetStats(agentPath string) (Stats, error) {
	doc, err := s.Load(agentPath)
	if err != nil || doc == nil {
		return Stats{}, err
	}

	stats := Stats{
		SectionCount: len(doc.Sections),
		TotalSize:    doc.TotalSize(),
		Version:      doc.Version,
		Updated:      doc.Updated,
	}
	for _, section := range doc.Sections {
		if len(section.Content) > stats.LargestSize {
			stats.LargestSize = len(section.Content)
			stats.LargestTitle = section.Title
		}
	}
	return stats, nil
}

// CheckLimits reports how close the document is to its limits.
func (s *Store) CheckLimits(agentPath string) (LimitCheck, error) {
	doc, err := s.Load(agentPath)
	if err != nil {
		return LimitCheck{}, err
	}
	check := LimitCheck{
		WithinLimits: true,
		TotalLimit:   s.limits.TotalSize,
	}
	if doc == nil {
		return check, nil
	}

	check.TotalSize = doc.TotalSize()
	check.Utilization = float64(check.TotalSize) / float64(s.limits.TotalSize)
	if check.TotalSize > s.limits.TotalSize {
		check.WithinLimits = false
	}
	for _, section := range doc.Sections {
		if len(section.Content) > s.limits.SectionSize {
			check.WithinLimits = false
			check.OverSections = append(check.OverSections, section.Title)
		}
	}
	return check, nil
}

// save bumps version, stamps updated, and writes atomically via temp+rename.
func (s *Store) save(agentPath string, doc *Document) error {
	doc.Version++
	doc.Updated = time.Now().Format("2006-01-02")

	if err := os.MkdirAll(agentPath, 0o755); err != nil {
		return models.WrapError(models.CodeTransientIO, "create agent directory", err)
	}

	path := filepath.Join(agentPath, MemoryFile)
	tmp, err := os.CreateTemp(agentPath, ".memory-*")
	if err != nil {
		return models.WrapError(models.CodeTransientIO, "create temp memory file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(render(doc)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "write memory", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "close memory file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "rename memory file", err)
	}
	return nil
}

func parse(raw string) (*Document, error) {
	md, err := markdown.Parse(raw)
	if err != nil {
		return nil, models.WrapError(models.CodeInvalidInput, "parse memory document", err)
	}

	doc := &Document{raw: md.Frontmatter}
	doc.Agent, _ = md.Frontmatter.Get("agent")
	doc.Updated, _ = md.Frontmatter.Get("updated")
	if v, ok := md.Frontmatter.Get("version"); ok {
		doc.Version, _ = strconv.Atoi(v)
	}
	for _, section := range md.Sections {
		doc.Sections = append(doc.Sections, Section{
			Title:   section.Title,
			Content: section.Content,
			Level:   section.Level,
		})
	}
	return doc, nil
}

func render(doc *Document) string {
	meta := make(markdown.Frontmatter, len(doc.raw))
	copy(meta, doc.raw)
	meta.Set("type", "agent-memory")
	meta.Set("agent", doc.Agent)
	meta.Set("updated", doc.Updated)
	meta.Set("version", strconv.Itoa(doc.Version))

	md := &markdown.Document{Frontmatter: meta}
	for _, section := range doc.Sections {
		level := section.Level
		if level <= 0 {
			level = 2
		}
		md.Sections = append(md.Sections, markdown.Section{
			Title:   section.Title,
			Content: section.Content,
			Level:   level,
		})
	}
	return md.Render()
}

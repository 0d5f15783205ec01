// Package agentdef loads and persists agent definitions: the AGENT.md
// documents that give each vault agent its identity, scope, and instructions.
package agentdef

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wardenhq/warden/internal/markdown"
	"github.com/wardenhq/warden/pkg/models"
)

// DefinitionFile is the filename of an agent definition inside its directory.
const DefinitionFile = "AGENT.md"

// AgentType classifies an agent.
type AgentType string

const (
	// TypeAdmin marks a vault-administration agent.
	TypeAdmin AgentType = "admin"

	// TypeProject marks a project-scoped agent.
	TypeProject AgentType = "project"

	// TypeSkill marks a single-skill agent.
	TypeSkill AgentType = "skill"
)

// Definition is a parsed agent definition. It is immutable during a run.
type Definition struct {
	// ID is the stable agent identifier.
	ID string

	// Name is the human-readable agent name.
	Name string

	// Type classifies the agent.
	Type AgentType

	// Scope is an opaque boundary string forwarded to the tool executor.
	Scope string

	// Instructions is the free-text body before the first section heading.
	Instructions string

	// Sections maps lowercase section names to markdown text
	// (identity, capabilities, guidelines, tools, ...).
	Sections map[string]string

	// Meta preserves every frontmatter field, known and unknown, in order.
	Meta markdown.Frontmatter
}

// Section returns the named section's text; lookup is case-insensitive.
func (d *Definition) Section(name string) string {
	return d.Sections[strings.ToLower(name)]
}

// Parse reads a definition from raw markdown. Parsing is permissive: missing
// frontmatter yields empty metadata, missing sections an empty map.
func Parse(raw string) (*Definition, error) {
	doc, err := markdown.Parse(raw)
	if err != nil {
		return nil, models.WrapError(models.CodeInvalidInput, "parse agent definition", err)
	}

	def := &Definition{
		Instructions: doc.Preamble,
		Sections:     make(map[string]string, len(doc.Sections)),
		Meta:         doc.Frontmatter,
	}
	def.ID, _ = doc.Frontmatter.Get("id")
	def.Name, _ = doc.Frontmatter.Get("name")
	if t, ok := doc.Frontmatter.Get("type"); ok {
		def.Type = AgentType(t)
	}
	def.Scope, _ = doc.Frontmatter.Get("scope")

	for _, section := range doc.Sections {
		def.Sections[strings.ToLower(section.Title)] = section.Content
	}
	return def, nil
}

// Serialize renders the definition back to markdown. Frontmatter fields keep
// their original order; sections render as level-1 headings with title-cased
// names.
func (d *Definition) Serialize() string {
	meta := make(markdown.Frontmatter, len(d.Meta))
	copy(meta, d.Meta)
	meta.Set("id", d.ID)
	meta.Set("name", d.Name)
	meta.Set("type", string(d.Type))
	if d.Scope != "" {
		meta.Set("scope", d.Scope)
	}

	doc := &markdown.Document{
		Frontmatter: meta,
		Preamble:    d.Instructions,
	}

	names := make([]string, 0, len(d.Sections))
	for name := range d.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Sections = append(doc.Sections, markdown.Section{
			Title:   titleCase(name),
			Content: d.Sections[name],
			Level:   1,
		})
	}

	return doc.Render()
}

func titleCase(name string) string {
	words := strings.Fields(name)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// Load reads the definition from <agentPath>/AGENT.md.
func Load(agentPath string) (*Definition, error) {
	path := filepath.Join(agentPath, DefinitionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.Errorf(models.CodeAgentNotFound, "no agent definition at %s", path)
		}
		return nil, models.WrapError(models.CodeTransientIO, "read agent definition", err)
	}

	def, err := Parse(string(data))
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		// Fall back to the directory name so unlabelled agents stay addressable.
		def.ID = filepath.Base(agentPath)
	}
	return def, nil
}

// Save writes the definition to <agentPath>/AGENT.md.
func Save(agentPath string, def *Definition) error {
	path := filepath.Join(agentPath, DefinitionFile)
	if err := os.MkdirAll(agentPath, 0o755); err != nil {
		return models.WrapError(models.CodeTransientIO, "create agent directory", err)
	}
	if err := os.WriteFile(path, []byte(def.Serialize()), 0o644); err != nil {
		return models.WrapError(models.CodeTransientIO, "write agent definition", err)
	}
	return nil
}

// Discovered pairs a definition with the directory it was found in.
type Discovered struct {
	Definition *Definition
	AgentPath  string
}

// Discover walks the vault for AGENT.md files and returns every parseable
// definition, sorted by agent id. Unparseable files are skipped.
func Discover(vaultPath string) ([]Discovered, error) {
	var found []Discovered
	err := filepath.WalkDir(vaultPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Name() != DefinitionFile {
			return nil
		}
		def, loadErr := Load(filepath.Dir(path))
		if loadErr != nil {
			return nil
		}
		found = append(found, Discovered{Definition: def, AgentPath: filepath.Dir(path)})
		return nil
	})
	if err != nil {
		return nil, models.WrapError(models.CodeTransientIO, fmt.Sprintf("walk vault %s", vaultPath), err)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Definition.ID < found[j].Definition.ID
	})
	return found, nil
}

// Resolve finds an agent by id under the vault. Returns AGENT_NOT_FOUND when
// no definition matches.
func Resolve(vaultPath, agentID string) (*Discovered, error) {
	found, err := Discover(vaultPath)
	if err != nil {
		return nil, err
	}
	for i := range found {
		if found[i].Definition.ID == agentID {
			return &found[i], nil
		}
	}
	return nil, models.Errorf(models.CodeAgentNotFound, "agent %q not found under %s", agentID, vaultPath)
}

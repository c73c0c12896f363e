// Package taskfile reads task definitions from YAML documents and markdown
// files with YAML frontmatter.
package taskfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// Spec is one task as written in a file
type Spec struct {
	ID          string   `yaml:"id"`
	Prompt      string   `yaml:"prompt"`
	Tier        string   `yaml:"tier"`
	Description string   `yaml:"description"`
	Cwd         string   `yaml:"cwd"`
	Timeout     string   `yaml:"timeout"` // Go duration, e.g. "15m"
	Hints       []string `yaml:"hints"`
}

// Document is the top level of a YAML tasks file
type Document struct {
	Tasks []Spec `yaml:"tasks"`
}

// Definition converts and validates s. Relative cwd values are resolved
// against baseDir.
func (s Spec) Definition(baseDir string) (domain.TaskDefinition, error) {
	tier, err := domain.ParseTier(s.Tier)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	def := domain.TaskDefinition{
		ID:           s.ID,
		Prompt:       strings.TrimSpace(s.Prompt),
		Tier:         tier,
		Description:  s.Description,
		Cwd:          s.Cwd,
		ContextHints: s.Hints,
	}
	if def.ID == "" {
		def.ID = domain.NewTaskID()
	}
	if def.Cwd != "" && !filepath.IsAbs(def.Cwd) && baseDir != "" {
		def.Cwd = filepath.Join(baseDir, def.Cwd)
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return domain.TaskDefinition{}, fmt.Errorf("task %s: invalid timeout %q: %w", def.ID, s.Timeout, err)
		}
		def.Timeout = d
	}
	if err := def.Validate(); err != nil {
		return domain.TaskDefinition{}, err
	}
	return def, nil
}

// Parse reads a YAML tasks document
func Parse(data []byte, baseDir string) ([]domain.TaskDefinition, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing tasks: %w", err)
	}
	return convert(doc.Tasks, baseDir)
}

// ParseMarkdown reads one task from markdown. The frontmatter carries the
// task fields and the body becomes the prompt unless one is set explicitly.
func ParseMarkdown(content []byte, baseDir, fallbackID string) (domain.TaskDefinition, error) {
	spec, body, err := parseFrontmatter(content)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	if spec.Prompt == "" {
		spec.Prompt = string(body)
	}
	if spec.ID == "" {
		spec.ID = fallbackID
	}
	return spec.Definition(baseDir)
}

// parseFrontmatter splits a leading ---/--- YAML block off content
func parseFrontmatter(content []byte) (Spec, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return Spec{}, content, nil
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return Spec{}, content, nil
	}

	var spec Spec
	if err := yaml.Unmarshal(rest[:endIdx], &spec); err != nil {
		return Spec{}, nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	return spec, bytes.TrimLeft(rest[endIdx+4:], "\n"), nil
}

// Load reads tasks from a YAML file, a markdown file or a directory of both.
// Directory entries are read in name order.
func Load(path string) ([]domain.TaskDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isTaskFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []domain.TaskDefinition
	for _, name := range names {
		fileDefs, err := loadFile(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, checkUnique(defs)
}

func loadFile(path string) ([]domain.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	baseDir := filepath.Dir(path)

	if strings.EqualFold(filepath.Ext(path), ".md") {
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		def, err := ParseMarkdown(data, baseDir, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []domain.TaskDefinition{def}, nil
	}

	defs, err := Parse(data, baseDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

func isTaskFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".md":
		return true
	}
	return false
}

func convert(specs []Spec, baseDir string) ([]domain.TaskDefinition, error) {
	defs := make([]domain.TaskDefinition, 0, len(specs))
	for i, s := range specs {
		def, err := s.Definition(baseDir)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, checkUnique(defs)
}

func checkUnique(defs []domain.TaskDefinition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			return fmt.Errorf("duplicate task id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

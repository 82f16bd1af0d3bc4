package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	. "github.com/mbeukes/cicada/internal/logging"
)

// Registry holds the loaded skill catalogue. Skills are shared across
// all users; there is no per-user scoping.
type Registry struct {
	dir string

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewRegistry creates a registry rooted at dir. The directory is created
// if missing.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create skills directory: %w", err)
	}
	r := &Registry{dir: dir, skills: make(map[string]*Skill)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the skills directory.
func (r *Registry) Dir() string { return r.dir }

// Reload rescans the skills directory. A malformed skill is logged and
// skipped; it never takes the catalogue down.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read skills directory: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		skill, err := ParseSkillFile(path)
		if err != nil {
			L_warn("skills: skipping malformed skill", "path", path, "error", err)
			continue
		}
		loaded[skill.Name] = skill
	}

	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()

	L_debug("skills: catalogue loaded", "count", len(loaded))
	return nil
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upsert validates and writes a skill document, replacing any existing
// skill with the same name. Validation or write failures are returned so
// the authoring user can be told what went wrong.
func (r *Registry) Upsert(name, content string) (*Skill, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid skill name %q: use letters, digits, dash, underscore", name)
	}

	path := filepath.Join(r.dir, name, "SKILL.md")
	skill, err := ParseSkill(path, []byte(content))
	if err != nil {
		return nil, err
	}
	if skill.Name != name {
		return nil, fmt.Errorf("frontmatter name %q does not match skill %q", skill.Name, name)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create skill directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return nil, fmt.Errorf("failed to write skill: %w", err)
	}

	r.mu.Lock()
	r.skills[skill.Name] = skill
	r.mu.Unlock()

	L_info("skills: upserted", "name", skill.Name)
	return skill, nil
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return !strings.HasPrefix(name, "-")
}

package skills

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseSkillFile parses a SKILL.md file: YAML frontmatter between ---
// delimiters, then markdown content.
func ParseSkillFile(path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill file: %w", err)
	}
	return ParseSkill(path, content)
}

// ParseSkill parses skill content already in memory.
func ParseSkill(path string, content []byte) (*Skill, error) {
	hash := sha256.Sum256(content)

	frontmatter, err := extractFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
		return nil, fmt.Errorf("invalid skill frontmatter: %w", err)
	}

	// Derive name from the directory when the frontmatter omits it.
	name := fm.Name
	if name == "" {
		name = filepath.Base(filepath.Dir(path))
	}
	if name == "" || name == "." {
		return nil, fmt.Errorf("skill has no name: %s", path)
	}

	return &Skill{
		Name:        name,
		Description: fm.Description,
		Location:    path,
		Content:     string(content),
		ContentSHA:  hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now(),
	}, nil
}

func extractFrontmatter(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, fmt.Errorf("file does not start with frontmatter delimiter (---)")
	}
	rest := content[3:]
	idx := bytes.Index(rest, []byte("\n---"))
	if idx < 0 {
		return nil, fmt.Errorf("no closing frontmatter delimiter found")
	}
	return rest[:idx], nil
}

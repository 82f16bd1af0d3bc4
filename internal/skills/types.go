// Package skills manages the shared skill catalogue: reusable named
// instruction documents folded into every user's system prompt.
package skills

import "time"

// Skill is one loaded skill document.
type Skill struct {
	Name        string
	Description string
	Location    string // absolute path to the SKILL.md
	Content     string
	ContentSHA  string
	LoadedAt    time.Time
}

// Frontmatter is the YAML block at the top of a SKILL.md.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

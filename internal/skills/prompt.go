package skills

import (
	"fmt"
	"html"
	"strings"
)

// FormatSkillsPrompt generates the skills section for the system prompt.
// Returns empty string when no skills are loaded.
func FormatSkillsPrompt(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<agent_skills>\n")
	sb.WriteString("When a task matches one of the skills below, read the skill file at the provided absolute path and follow its instructions before doing anything else. ")
	sb.WriteString("Only use skills listed here.\n")
	sb.WriteString("<available_skills>\n")
	for _, skill := range skills {
		desc := skill.Description
		if desc == "" {
			desc = fmt.Sprintf("Skill: %s", skill.Name)
		}
		sb.WriteString(fmt.Sprintf("<agent_skill fullPath=%q>%s</agent_skill>\n",
			html.EscapeString(skill.Location), html.EscapeString(desc)))
	}
	sb.WriteString("</available_skills>\n")
	sb.WriteString("</agent_skills>")
	return sb.String()
}

// FormatSkillsMarkdown formats skills for the /skills chat command.
func FormatSkillsMarkdown(skills []*Skill) string {
	if len(skills) == 0 {
		return "No skills loaded."
	}

	var sb strings.Builder
	sb.WriteString("Available skills:\n")
	for _, skill := range skills {
		sb.WriteString("- ")
		sb.WriteString(skill.Name)
		if skill.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(skill.Description)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Section headers, in compile order after the role.
const (
	headerGuidelines  = "Guidelines:"
	headerConstraints = "Constraints:"
	headerVariables   = "Dynamic context tokens:"
	headerExamples    = "Examples:"
)

// Context carries caller-computed data for compilation.
type Context struct {
	// Variables are extra {{token}} values known at request time (site
	// name, current user, and so on). They are listed after the
	// persona's own variables, sorted by key.
	Variables map[string]string
}

// Compile renders r into a single system prompt. Sections appear in a
// fixed order (role, guidelines, constraints, variable tokens,
// examples), empty sections are omitted and sections are separated by a
// blank line. Compile is pure: the same inputs always produce the same
// string.
func Compile(r Record, ctx Context) string {
	var sections []string

	if role := strings.TrimSpace(r.Role); role != "" {
		sections = append(sections, role)
	}
	if s := bulletSection(headerGuidelines, r.Guidelines); s != "" {
		sections = append(sections, s)
	}
	if s := bulletSection(headerConstraints, r.Constraints); s != "" {
		sections = append(sections, s)
	}
	if s := variableSection(r.Variables, ctx.Variables); s != "" {
		sections = append(sections, s)
	}
	if s := exampleSection(r.Examples); s != "" {
		sections = append(sections, s)
	}

	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func bulletSection(header string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	lines := make([]string, 0, len(items)+1)
	lines = append(lines, header)
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

func variableSection(vars []Variable, extra map[string]string) string {
	lines := []string{headerVariables}
	for _, v := range vars {
		lines = append(lines, tokenLine(v.Name, v.Description))
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, tokenLine(strings.TrimSpace(k), strings.TrimSpace(extra[k])))
	}

	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func tokenLine(name, desc string) string {
	line := "{{" + name + "}}"
	if desc != "" {
		line += " – " + desc
	}
	return line
}

func exampleSection(examples []Example) string {
	if len(examples) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(examples))
	for i, ex := range examples {
		blocks = append(blocks, fmt.Sprintf("%d. User: %s\n   Assistant: %s", i+1, orNA(ex.Input), orNA(ex.Output)))
	}
	return headerExamples + "\n" + strings.Join(blocks, "\n\n")
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

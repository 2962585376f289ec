package persona

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ImportFile reads persona definitions from a .json or .md file.
func ImportFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ImportJSON(data)
	case ".md", ".markdown":
		doc := ParseMarkdown(data)
		return []Record{doc.Record}, nil
	default:
		return nil, fmt.Errorf("unsupported persona file type %q (expected .json or .md)", filepath.Ext(path))
	}
}

// ImportJSON decodes a single persona object or an array of them. Every
// element goes through [Normalize], so legacy shapes are accepted.
func ImportJSON(data []byte) ([]Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty persona document")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	switch data[0] {
	case '{':
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode persona: %w", err)
		}
		return []Record{Normalize(raw)}, nil
	case '[':
		var raws []map[string]any
		if err := dec.Decode(&raws); err != nil {
			return nil, fmt.Errorf("decode persona list: %w", err)
		}
		out := make([]Record, 0, len(raws))
		for _, raw := range raws {
			out = append(out, Normalize(raw))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("persona document must be a JSON object or array")
	}
}

// MarkdownDoc is a persona parsed from Markdown, plus the free text that
// preceded the first section.
type MarkdownDoc struct {
	Record      Record
	Description string
}

// ParseMarkdown reads a persona written as Markdown:
//
//	# Title
//	Optional description paragraph.
//	## Role
//	Paragraphs of role text.
//	## Guidelines / ## Constraints
//	- one bullet per entry
//	## Variables
//	- name: description
//	## Examples
//	- User: question
//	  Assistant: answer
//
// Unknown sections are ignored. Section names are case-insensitive.
func ParseMarkdown(src []byte) MarkdownDoc {
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		doc     MarkdownDoc
		title   string
		section string
		role    []string
		desc    []string
		lists   = map[string][]any{}
	)

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			heading := strings.TrimSpace(nodeText(node, src))
			if node.Level == 1 && title == "" {
				title = heading
				continue
			}
			section = strings.ToLower(heading)
		case *ast.Paragraph:
			para := strings.TrimSpace(nodeText(node, src))
			switch section {
			case "":
				desc = append(desc, para)
			case "role":
				role = append(role, para)
			}
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				entry := strings.TrimSpace(nodeText(item, src))
				if section == "examples" {
					lists[section] = append(lists[section], parseExampleItem(entry))
					continue
				}
				lists[section] = append(lists[section], entry)
			}
		}
	}

	doc.Record = Normalize(map[string]any{
		"title":       title,
		"role":        strings.Join(role, "\n\n"),
		"guidelines":  lists["guidelines"],
		"constraints": lists["constraints"],
		"variables":   lists["variables"],
		"examples":    lists["examples"],
	})
	doc.Description = strings.Join(desc, "\n\n")
	return doc
}

// parseExampleItem splits a "User: ... / Assistant: ..." list item.
// Items without the prefixes become an input-only example.
func parseExampleItem(entry string) any {
	var in, out []string
	target := &in
	for _, line := range strings.Split(entry, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case hasPrefixFold(line, "user:"):
			target = &in
			line = strings.TrimSpace(line[len("user:"):])
		case hasPrefixFold(line, "assistant:"):
			target = &out
			line = strings.TrimSpace(line[len("assistant:"):])
		}
		if line != "" {
			*target = append(*target, line)
		}
	}
	return map[string]any{
		"input":  strings.Join(in, "\n"),
		"output": strings.Join(out, "\n"),
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// nodeText collects the literal text under n. Line breaks inside a
// paragraph and between block children are kept as newlines.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if c != n && c.Type() == ast.TypeBlock && c.NextSibling() != nil {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.List:
			if c != n {
				return ast.WalkSkipChildren, nil
			}
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

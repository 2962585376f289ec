package persona

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// templateFiles holds the bundled starter personas, one Markdown file
// per template. The file name (minus extension) is the template slug.
//
//go:embed templates/*.md
var templateFiles embed.FS

// Template is a starter persona that can be installed into a store.
type Template struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Record      Record `json:"persona"`
}

var (
	templatesOnce sync.Once
	templates     []Template
	templatesErr  error
)

// Templates returns the bundled starter library sorted by slug.
func Templates() ([]Template, error) {
	templatesOnce.Do(func() {
		templates, templatesErr = loadTemplates(templateFiles, "templates")
	})
	return templates, templatesErr
}

// TemplateBySlug returns one starter template.
func TemplateBySlug(slug string) (Template, bool) {
	all, err := Templates()
	if err != nil {
		return Template{}, false
	}
	for _, t := range all {
		if t.Slug == slug {
			return t, true
		}
	}
	return Template{}, false
}

func loadTemplates(fsys fs.FS, dir string) ([]Template, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var out []Template
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".md" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		doc := ParseMarkdown(data)
		out = append(out, Template{
			Slug:        strings.TrimSuffix(e.Name(), ".md"),
			Name:        doc.Record.Title,
			Description: doc.Description,
			Record:      doc.Record,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

package decision

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Catalog maps a document classification to the prompt that asks for a decision on it.
type Catalog struct {
	suffix   string
	fallback string
	byName   map[string]*template.Template
	byKind   map[string]string
}

type catalogFile struct {
	Suffix    string                   `yaml:"suffix"`
	Fallback  string                   `yaml:"fallback"`
	Templates map[string]templateEntry `yaml:"templates"`
}

type templateEntry struct {
	Blueprints []string `yaml:"blueprints"`
	Text       string   `yaml:"text"`
}

// Prompt is a rendered decision prompt and the template that produced it.
type Prompt struct {
	Template string
	Text     string
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultTemplates)
	if err != nil {
		panic(fmt.Sprintf("built-in prompt catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog from path, or returns the built-in one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("prompt catalog defines no templates")
	}
	if _, ok := f.Templates[f.Fallback]; !ok {
		return nil, fmt.Errorf("prompt catalog fallback %q is not a defined template", f.Fallback)
	}

	c := &Catalog{
		suffix:   strings.TrimSpace(f.Suffix),
		fallback: f.Fallback,
		byName:   make(map[string]*template.Template, len(f.Templates)),
		byKind:   make(map[string]string),
	}

	names := make([]string, 0, len(f.Templates))
	for name := range f.Templates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := f.Templates[name]
		tmpl, err := template.New(name).Option("missingkey=error").Parse(entry.Text)
		if err != nil {
			return nil, fmt.Errorf("prompt template %s: %w", name, err)
		}
		c.byName[name] = tmpl
		for _, bp := range entry.Blueprints {
			if prev, dup := c.byKind[bp]; dup {
				return nil, fmt.Errorf("blueprint %q claimed by templates %s and %s", bp, prev, name)
			}
			c.byKind[bp] = name
		}
	}
	return c, nil
}

// TemplateFor returns the template name used for a classification.
func (c *Catalog) TemplateFor(classification string) string {
	if name, ok := c.byKind[classification]; ok {
		return name
	}
	return c.fallback
}

// Render builds the decision prompt for an extraction result.
func (c *Catalog) Render(classification string, result json.RawMessage) (*Prompt, error) {
	var doc bytes.Buffer
	if err := json.Compact(&doc, result); err != nil {
		return nil, fmt.Errorf("compact inference result: %w", err)
	}

	name := c.TemplateFor(classification)
	var out strings.Builder
	if err := c.byName[name].Execute(&out, struct{ Document string }{doc.String()}); err != nil {
		return nil, fmt.Errorf("render prompt %s: %w", name, err)
	}
	if c.suffix != "" {
		out.WriteString(" ")
		out.WriteString(c.suffix)
	}
	return &Prompt{Template: name, Text: out.String()}, nil
}

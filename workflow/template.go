package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/BaSui01/wayflow/property"
)

// template is a parsed mustache template plus the inputs its top-level tags
// reference.
type template struct {
	source string
	tmpl   *mustache.Template
	inputs []property.Property
}

func parseTemplate(source string) (*template, error) {
	tmpl, err := mustache.ParseStringRaw(source, true)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	names := make(map[string]bool)
	for _, tag := range tmpl.Tags() {
		switch tag.Type() {
		case mustache.Variable, mustache.Section, mustache.InvertedSection:
			name := tag.Name()
			if i := strings.Index(name, "."); i > 0 {
				name = name[:i]
			}
			if name != "" && name != "." {
				names[name] = true
			}
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	t := &template{source: source, tmpl: tmpl}
	for _, n := range sorted {
		t.inputs = append(t.inputs, property.Any(n, property.WithDescription("template variable")))
	}
	return t, nil
}

func (t *template) render(values map[string]any) (string, error) {
	out, err := t.tmpl.Render(values)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

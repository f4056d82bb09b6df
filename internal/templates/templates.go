// Package templates renders sequence emails from html/template files. Each
// file <dir>/<template_key>.html defines one template.
package templates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownTemplate is a configuration error: no file defines the key.
var ErrUnknownTemplate = errors.New("unknown template")

// Context is the data every template is executed with.
type Context struct {
	Email         string
	FirstName     string
	LastName      string
	LeadScore     int
	ClientProfile string
	SequenceID    string
	SequenceName  string
	TemplateKey   string
	EmailOrder    int
	Subject       string
}

type Renderer struct {
	set *template.Template
}

// Load parses every *.html file in dir. A missing directory yields an empty
// renderer so that every render fails with ErrUnknownTemplate.
func Load(dir string) (*Renderer, error) {
	set := template.New("")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &Renderer{set: set}, nil
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".html" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		key := strings.TrimSuffix(e.Name(), ".html")
		if _, err := set.New(key).Parse(string(raw)); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", key, err)
		}
	}
	return &Renderer{set: set}, nil
}

// FromMap builds a renderer from in-memory sources keyed by template key.
func FromMap(sources map[string]string) (*Renderer, error) {
	set := template.New("")
	for key, src := range sources {
		if _, err := set.New(key).Parse(src); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", key, err)
		}
	}
	return &Renderer{set: set}, nil
}

func (r *Renderer) Render(ctx context.Context, key string, data Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := r.set.Lookup(key)
	if t == nil || key == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return buf.String(), nil
}

// Keys lists the loaded template keys.
func (r *Renderer) Keys() []string {
	var keys []string
	for _, t := range r.set.Templates() {
		if t.Name() != "" {
			keys = append(keys, t.Name())
		}
	}
	return keys
}

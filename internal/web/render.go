// Package web renders the relay's few HTML pages: the landing page and the
// checkout redirect confirmations shown in the popup window.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
)

//go:embed templates
var templateFS embed.FS

var funcs = template.FuncMap{
	"orNone": func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	},
}

// Renderer holds one parsed template set per page, each wrapped in base.html.
// It is read-only after construction.
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer parses every templates/pages/*.html against templates/base.html.
func NewRenderer() (*Renderer, error) {
	files, err := fs.Glob(templateFS, "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("web: no page templates embedded")
	}
	r := &Renderer{pages: make(map[string]*template.Template, len(files))}
	for _, f := range files {
		t, err := template.New("base").Funcs(funcs).ParseFS(templateFS, "templates/base.html", f)
		if err != nil {
			return nil, fmt.Errorf("web: parse %s: %w", f, err)
		}
		r.pages[path.Base(f)] = t
	}
	return r, nil
}

// MustRenderer panics if the embedded templates do not parse.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render executes page (e.g. "redirect.html") into a buffer first, so a
// template error never leaves a half-written 200 behind.
func (r *Renderer) Render(w http.ResponseWriter, status int, page string, data any) error {
	t, ok := r.pages[page]
	if !ok {
		return fmt.Errorf("web: unknown page %q", page)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return fmt.Errorf("web: execute %s: %w", page, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// Package templates renders the block message and the generator prompt.
// Templates use text/template with the sprig function set, minus helpers
// that read the filesystem or the unrestricted environment.
package templates

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

var strippedHelpers = []string{"env", "expandenv", "readFile", "mustReadFile", "readDir", "mustReadDir", "glob"}

// Renderer compiles templates against a shared function map. File-backed
// templates and environment helpers go through the sandbox; without one
// only inline templates compile and env lookups yield "".
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer compiles templates against sandbox. A nil sandbox allows
// inline templates only.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := maps.Clone(template.FuncMap(sprig.TxtFuncMap()))
	for _, name := range strippedHelpers {
		delete(funcs, name)
	}
	r := &Renderer{sandbox: sandbox, funcs: funcs}
	funcs["env"] = func(key string) string {
		return r.sandbox.Environment()[key]
	}
	funcs["expandenv"] = func(s string) string {
		env := r.sandbox.Environment()
		return os.Expand(s, func(key string) string { return env[key] })
	}
	return r
}

// Sandbox returns the sandbox file templates resolve against.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. A blank source yields a nil template and no
// error so optional settings can be passed straight through.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a templates folder")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(src))
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return b.String(), nil
}

// Name reports the template name, empty for a nil template.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package report writes findings as Markdown files and a JSON run summary.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/in-toto/keysweep/finding"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const findingTemplate = "finding.md.tmpl"

// Renderer turns a finding into Markdown.
type Renderer struct {
	tmpl *template.Template
	now  func() time.Time
}

type RendererOption func(*rendererOptions)

type rendererOptions struct {
	templateFile string
	now          func() time.Time
}

// WithTemplateFile renders findings with a template from disk instead of the
// built-in one. The template sees a finding plus a Generated timestamp.
func WithTemplateFile(path string) RendererOption {
	return func(o *rendererOptions) {
		o.templateFile = path
	}
}

func WithClock(now func() time.Time) RendererOption {
	return func(o *rendererOptions) {
		o.now = now
	}
}

var funcMap = template.FuncMap{
	// mask keeps the first four characters of a secret.
	"mask": func(secret string) string {
		if len(secret) <= 4 {
			return secret
		}
		return secret[:4] + strings.Repeat("*", len(secret)-4)
	},
}

func NewRenderer(opts ...RendererOption) (*Renderer, error) {
	o := rendererOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	tmpl := template.New(findingTemplate).Funcs(sprig.TxtFuncMap()).Funcs(funcMap)

	var err error
	if o.templateFile != "" {
		var text []byte
		text, err = os.ReadFile(o.templateFile)
		if err != nil {
			return nil, fmt.Errorf("read report template: %w", err)
		}
		tmpl, err = tmpl.Parse(string(text))
	} else {
		tmpl, err = tmpl.ParseFS(templateFS, "templates/"+findingTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}

	return &Renderer{tmpl: tmpl, now: o.now}, nil
}

type templateData struct {
	finding.Finding
	Generated time.Time
}

func (r *Renderer) Render(w io.Writer, f finding.Finding) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, findingTemplate, templateData{Finding: f, Generated: r.now().UTC()}); err != nil {
		return fmt.Errorf("render finding for %s %s: %w", f.Name, f.Version, err)
	}

	_, err := buf.WriteTo(w)
	return err
}

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

package report

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/in-toto/keysweep/finding"
	"github.com/in-toto/keysweep/log"
)

const reportExt = ".md"

// Writer lays findings out as <root>/<registry report path>/<name>/<file>.md.
type Writer struct {
	root     string
	renderer *Renderer
}

func NewWriter(root string, renderer *Renderer) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("report directory is required")
	}

	if renderer == nil {
		var err error
		if renderer, err = NewRenderer(); err != nil {
			return nil, err
		}
	}

	return &Writer{root: root, renderer: renderer}, nil
}

// Path returns where the report for f is written.
func (w *Writer) Path(f finding.Finding) string {
	fileName := f.FileName
	if fileName == "" {
		fileName = f.Reference().FileName()
	}

	return filepath.Join(w.root,
		f.Registry.ReportPath(),
		pathSegment(f.Name),
		pathSegment(fileName)+reportExt,
	)
}

// Write renders f and replaces any earlier report for the same artifact.
func (w *Writer) Write(f finding.Finding) (string, error) {
	var buf bytes.Buffer
	if err := w.renderer.Render(&buf, f); err != nil {
		return "", err
	}

	p := w.Path(f)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report %s: %w", p, err)
	}

	log.Debugf("(report) wrote %s", p)
	return p, nil
}

// WriteAll writes every finding and returns the paths written. It keeps going
// after a failure and returns all failures joined.
func (w *Writer) WriteAll(findings []finding.Finding) ([]string, error) {
	paths := make([]string, 0, len(findings))
	var errs []error
	for _, f := range findings {
		p, err := w.Write(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		paths = append(paths, p)
	}

	return paths, errors.Join(errs...)
}

// pathSegment keeps a registry supplied name from escaping its directory.
func pathSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)

	switch s {
	case "", ".", "..":
		return "_" + s
	}

	return s
}

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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/in-toto/keysweep/finding"
	"github.com/in-toto/keysweep/source"
	"github.com/invopop/jsonschema"
	"go.yaml.in/yaml/v3"
)

// RegistrySummary describes what a run did with one registry.
type RegistrySummary struct {
	Packages  int    `json:"packages" yaml:"packages" jsonschema:"title=packages,description=Package artifacts polled in this run"`
	Searched  uint64 `json:"packages_searched" yaml:"packages_searched" jsonschema:"description=Total packages searched including earlier runs"`
	Errors    int    `json:"errors" yaml:"errors" jsonschema:"description=Packages that failed to fetch or scan"`
	PollError string `json:"poll_error,omitempty" yaml:"poll_error,omitempty" jsonschema:"description=Set when the registry could not be polled"`
}

// Summary is the machine readable outcome of a run.
type Summary struct {
	GeneratedAt time.Time                       `json:"generated_at" yaml:"generated_at"`
	Registries  map[source.Kind]RegistrySummary `json:"registries" yaml:"registries"`
	Findings    []finding.Finding               `json:"findings" yaml:"findings"`
	Reports     []string                        `json:"reports,omitempty" yaml:"reports,omitempty"`
}

func NewSummary(findings []finding.Finding) Summary {
	if findings == nil {
		findings = []finding.Finding{}
	}

	return Summary{
		GeneratedAt: time.Now().UTC(),
		Registries:  make(map[source.Kind]RegistrySummary),
		Findings:    findings,
	}
}

// Kinds returns the registries in the summary in name order.
func (s Summary) Kinds() []source.Kind {
	kinds := make([]source.Kind, 0, len(s.Registries))
	for k := range s.Registries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Credentials counts the live credentials across all findings.
func (s Summary) Credentials() int {
	n := 0
	for _, f := range s.Findings {
		n += len(f.Credentials)
	}
	return n
}

// WriteSummary writes s to path as YAML when the path ends in .yaml or .yml
// and as indented JSON otherwise.
func WriteSummary(path string, s Summary) error {
	b, err := marshalSummary(path, s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create summary directory: %w", err)
		}
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write summary %s: %w", path, err)
	}

	return nil
}

func marshalSummary(path string, s Summary) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(s)
	default:
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
}

// Schema returns the JSON schema of the summary file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(&Summary{})
	schema.Title = "keysweep run summary"

	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal summary schema: %w", err)
	}

	return b, nil
}

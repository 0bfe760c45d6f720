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

// Command schemagen writes the JSON schemas of the files keysweep produces.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/in-toto/keysweep/checkpoint"
	"github.com/in-toto/keysweep/internal/logging"
	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/report"
	flag "github.com/spf13/pflag"
)

var directory string

func init() {
	flag.StringVar(&directory, "dir", "schemas", "Directory to store the generated schemas")
}

func main() {
	flag.Parse()
	if _, err := logging.Install("info", logging.FormatText, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := generate(directory); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func generate(dir string) error {
	schemas := []struct {
		name   string
		schema func() ([]byte, error)
	}{
		{name: "summary", schema: report.Schema},
		{name: "state", schema: checkpoint.Schema},
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, s := range schemas {
		schemaJSON, err := s.schema()
		if err != nil {
			return fmt.Errorf("generate %s schema: %w", s.name, err)
		}

		var indented bytes.Buffer
		if err := json.Indent(&indented, schemaJSON, "", "  "); err != nil {
			return fmt.Errorf("indent %s schema: %w", s.name, err)
		}

		path := filepath.Join(dir, s.name+".json")
		log.Infof("Writing %s schema to %s", s.name, path)
		if err := os.WriteFile(path, indented.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	return nil
}

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

package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/source"
)

// FileStore keeps the state in a JSON file.
type FileStore struct {
	Path string
}

var _ Store = &FileStore{}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the state file. A missing file is an empty state; a file that
// is not a valid state document is an error.
func (f *FileStore) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("(checkpoint) no state file at %s, starting empty", f.Path)
		return NewState(), nil
	} else if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	defer file.Close()
	state, err := LoadReader(file)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", f.Path, err)
	}

	return state, nil
}

// Save writes the state next to the target and renames it into place so a
// crash never leaves a truncated state file behind.
func (f *FileStore) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Marshal(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	log.Debugf("(checkpoint) saved state for %d registries to %s", len(state.Sources), f.Path)
	return nil
}

func LoadReader(r io.Reader) (*State, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return LoadBytes(data)
}

// LoadBytes parses a state document. Empty input is an empty state.
func LoadBytes(data []byte) (*State, error) {
	state := NewState()
	if len(bytes.TrimSpace(data)) == 0 {
		return state, nil
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("malformed state: %w", err)
	}

	if state.Sources == nil {
		state.Sources = make(map[source.Kind]SourceState)
	}

	return state, nil
}

func Marshal(state *State) ([]byte, error) {
	if state == nil {
		state = NewState()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	return append(data, '\n'), nil
}

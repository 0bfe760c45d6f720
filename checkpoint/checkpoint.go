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

// Package checkpoint persists each registry's cursor and statistics between
// runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/in-toto/keysweep/source"
	"github.com/invopop/jsonschema"
)

// SourceState is what is remembered about one registry.
type SourceState struct {
	Cursor json.RawMessage `json:"cursor,omitempty" jsonschema:"type=object"`
	Stats  source.Stats    `json:"stats"`
	// Pending are packages behind the cursor that failed to be searched.
	Pending []PendingPackage `json:"pending,omitempty"`
}

// PendingPackage is a package to search again on the next run.
type PendingPackage struct {
	Ref source.PackageReference `json:"ref"`
	// Attempts counts the runs that already failed on it.
	Attempts int `json:"attempts"`
}

// State is the whole checkpoint document.
type State struct {
	Sources map[source.Kind]SourceState `json:"sources"`
}

// Store loads and saves checkpoint state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

func NewState() *State {
	return &State{Sources: make(map[source.Kind]SourceState)}
}

// Get returns the state of kind. The zero SourceState is returned for
// registries that were never checkpointed.
func (s *State) Get(kind source.Kind) (SourceState, bool) {
	if s == nil || s.Sources == nil {
		return SourceState{}, false
	}

	ss, ok := s.Sources[kind]
	return ss, ok
}

// Cursor returns the stored cursor of kind, or nil.
func (s *State) Cursor(kind source.Kind) json.RawMessage {
	ss, _ := s.Get(kind)
	return ss.Cursor
}

func (s *State) Set(kind source.Kind, ss SourceState) {
	if s.Sources == nil {
		s.Sources = make(map[source.Kind]SourceState)
	}

	s.Sources[kind] = ss
}

// Advance stores a new cursor for kind and adds searched to its package count.
func (s *State) Advance(kind source.Kind, cursor json.RawMessage, searched uint64) {
	ss, _ := s.Get(kind)
	ss.Cursor = append(json.RawMessage(nil), cursor...)
	ss.Stats.PackagesSearched += searched
	s.Set(kind, ss)
}

// Kinds returns the checkpointed registries in name order.
func (s *State) Kinds() []source.Kind {
	if s == nil {
		return nil
	}

	kinds := make([]source.Kind, 0, len(s.Sources))
	for k := range s.Sources {
		kinds = append(kinds, k)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (s *State) Pending(kind source.Kind) []PendingPackage {
	ss, _ := s.Get(kind)
	return ss.Pending
}

// SetPending replaces the packages waiting to be searched again for kind.
func (s *State) SetPending(kind source.Kind, pending []PendingPackage) {
	ss, _ := s.Get(kind)
	ss.Pending = append([]PendingPackage(nil), pending...)
	s.Set(kind, ss)
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := NewState()
	if s == nil {
		return out
	}

	for k, ss := range s.Sources {
		ss.Cursor = append(json.RawMessage(nil), ss.Cursor...)
		ss.Pending = append([]PendingPackage(nil), ss.Pending...)
		out.Sources[k] = ss
	}

	return out
}

// Schema returns the JSON schema of the state file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(&State{})
	schema.Title = "keysweep state"

	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal state schema: %w", err)
	}

	return b, nil
}

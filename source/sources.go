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

package source

import (
	"fmt"
	"time"

	"github.com/in-toto/keysweep/registry"
)

var sourceRegistry = newSourceRegistry()

func newSourceRegistry() registry.Registry[Source] {
	reg := registry.New[Source]()

	reg.Register(KindPyPI.String(), func() Source { return NewPyPI() },
		registry.StringSliceConfigOption(
			"skip-packages",
			"Glob patterns of PyPI project names that are never downloaded",
			DefaultPyPISkipPackages,
			func(s Source, patterns []string) (Source, error) {
				p, ok := s.(*PyPI)
				if !ok {
					return s, fmt.Errorf("unexpected source type: %T is not a pypi source", s)
				}
				return p, p.SetSkipPackages(patterns)
			},
		),
		registry.IntConfigOption(
			"lookup-workers",
			"Concurrent PyPI JSON API lookups per poll",
			defaultPyPILookupWorkers,
			func(s Source, n int) (Source, error) {
				p, ok := s.(*PyPI)
				if !ok {
					return s, fmt.Errorf("unexpected source type: %T is not a pypi source", s)
				}
				return p, p.SetLookupWorkers(n)
			},
		),
	)

	reg.Register(KindRubyGems.String(), func() Source { return NewRubyGems() },
		registry.DurationConfigOption(
			"window",
			"Width of the publication time window queried after the cursor",
			defaultRubyGemsWindow,
			func(s Source, window time.Duration) (Source, error) {
				r, ok := s.(*RubyGems)
				if !ok {
					return s, fmt.Errorf("unexpected source type: %T is not a rubygems source", s)
				}
				return r, r.SetWindow(window)
			},
		),
		registry.IntConfigOption(
			"max-pages",
			"Maximum number of timeframe pages read per poll",
			defaultRubyGemsMaxPages,
			func(s Source, n int) (Source, error) {
				r, ok := s.(*RubyGems)
				if !ok {
					return s, fmt.Errorf("unexpected source type: %T is not a rubygems source", s)
				}
				return r, r.SetMaxPages(n)
			},
		),
	)

	reg.Register(KindHexPM.String(), func() Source { return NewHexPM() },
		registry.IntConfigOption(
			"max-pages",
			"Maximum number of package listing pages read per poll",
			defaultHexPMMaxPages,
			func(s Source, n int) (Source, error) {
				h, ok := s.(*HexPM)
				if !ok {
					return s, fmt.Errorf("unexpected source type: %T is not a hexpm source", s)
				}
				return h, h.SetMaxPages(n)
			},
		),
	)

	return reg
}

// Options returns the configurable options of a registry kind.
func Options(kind Kind) []registry.Configurer {
	entry, ok := sourceRegistry.Entry(kind.String())
	if !ok {
		return nil
	}

	return entry.Options
}

// New creates the source for kind with its options taken from configMap,
// keyed by option name. Missing options keep their defaults.
func New(kind Kind, configMap map[string]any, opts ...Option) (Source, error) {
	s, err := sourceRegistry.NewEntityFromConfigMap(kind.String(), configMap)
	if err != nil {
		return nil, fmt.Errorf("create %s source: %w", kind, err)
	}

	s.configure(opts...)
	return s, nil
}

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

// Package scanner looks for AWS access key pairs inside package archives.
// A cheap single-line search over the archive stream decides whether an
// archive is worth extracting, and only then is it unpacked and searched for
// access keys and secrets that appear close to each other.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/in-toto/keysweep/fetch"
	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/source"
)

// Promotion is an artifact that passed the quick check.
type Promotion struct {
	Artifact *fetch.Artifact
	Matches  []Match
}

// Candidate is an access key and secret found close to each other.
type Candidate struct {
	Reference source.PackageReference
	// Path is relative to the extraction root, with forward slashes.
	Path      string
	Line      int
	AccessKey string
	SecretKey string
	Block     string
	// Rules are the gitleaks rules that also fire on Block.
	Rules     []string
}

// Same reports whether both candidates are the same key pair in the same package.
func (c Candidate) Same(other Candidate) bool {
	return c.AccessKey == other.AccessKey && c.SecretKey == other.SecretKey && c.Reference == other.Reference
}

type Scanner struct {
	maxFileSize    int64
	maxNestedDepth int
	spoolDir       string
	tagger         RuleTagger

	searcher  *Searcher
	extractor *Extractor
}

type Option func(*Scanner)

// WithMaxFileSizeMB skips files larger than mb megabytes. Zero disables the limit.
func WithMaxFileSizeMB(mb int) Option {
	return func(s *Scanner) {
		if mb >= 0 {
			s.maxFileSize = int64(mb) * 1024 * 1024
		}
	}
}

// WithMaxNestedDepth sets how many levels of archives inside archives are unpacked.
func WithMaxNestedDepth(depth int) Option {
	return func(s *Scanner) {
		if depth >= 0 {
			s.maxNestedDepth = depth
		}
	}
}

// WithSpoolDir sets where nested archives are buffered while they are read.
func WithSpoolDir(dir string) Option {
	return func(s *Scanner) {
		s.spoolDir = dir
	}
}

// WithRuleTagger replaces the gitleaks rule tagging of full check blocks.
// A nil tagger turns tagging off.
func WithRuleTagger(tagger RuleTagger) Option {
	return func(s *Scanner) {
		s.tagger = tagger
	}
}

func New(opts ...Option) *Scanner {
	s := &Scanner{
		maxFileSize:    DefaultMaxFileSizeMB * 1024 * 1024,
		maxNestedDepth: DefaultMaxNestedDepth,
		tagger:         NewGitleaksTagger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.extractor = NewExtractor(s.maxNestedDepth, s.spoolDir)
	s.searcher = NewSearcher(s.maxFileSize, s.extractor)
	return s
}

// QuickCheck searches the archive for anything shaped like an access key ID
// and stops at the first hit. It returns nil when nothing was found.
func (s *Scanner) QuickCheck(ctx context.Context, artifact *fetch.Artifact) (*Promotion, error) {
	matches, err := s.searcher.SearchArchive(ctx, QuickPattern, artifact.ArchivePath, SearchOptions{MaxMatches: 1})
	if errors.Is(err, ErrUnsupportedFormat) {
		log.Debugf("(scanner) %s: %v", artifact.Reference, err)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("quick check %s: %w", artifact.Reference, err)
	}

	if len(matches) == 0 {
		return nil, nil
	}

	log.Debugf("(scanner) %s promoted by a match in %s:%d", artifact.Reference, matches[0].Path, matches[0].LineNumber)
	return &Promotion{Artifact: artifact, Matches: matches}, nil
}

// FullCheck extracts a promoted artifact and returns every access key and
// secret pairing found in each matched block.
func (s *Scanner) FullCheck(ctx context.Context, p *Promotion) ([]Candidate, error) {
	artifact := p.Artifact
	root := artifact.Workspace.ExtractDir
	if err := s.extractor.Extract(ctx, artifact.ArchivePath, root); errors.Is(err, ErrUnsupportedFormat) {
		log.Debugf("(scanner) %s: %v", artifact.Reference, err)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("extract %s: %w", artifact.Reference, err)
	}

	matches, err := s.searcher.SearchTree(ctx, FullPattern, root, fullCheckOptions)
	if err != nil {
		return nil, fmt.Errorf("full check %s: %w", artifact.Reference, err)
	}

	var candidates []Candidate
	for _, m := range matches {
		rel, err := relativePath(root, m.Path)
		if err != nil {
			return nil, err
		}

		pairs := keyPairs(m.Text)
		var rules []string
		if len(pairs) > 0 && s.tagger != nil {
			rules = s.tagger.Rules(m.Text)
		}

		for _, pair := range pairs {
			candidates = append(candidates, Candidate{
				Reference: artifact.Reference,
				Path:      rel,
				Line:      m.LineNumber,
				AccessKey: pair[0],
				SecretKey: pair[1],
				Block:     m.Text,
				Rules:     rules,
			})
		}
	}

	log.Debugf("(scanner) %s: %d matches, %d candidates", artifact.Reference, len(matches), len(candidates))
	return candidates, nil
}

func relativePath(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("match %s is outside of extraction root %s", p, root)
	}

	return filepath.ToSlash(rel), nil
}

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

package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/in-toto/keysweep/log"
	"github.com/mholt/archives"
)

const (
	DefaultMaxFileSizeMB = 10
	binarySniffLen       = 8000
)

// SearchOptions tune a single search.
type SearchOptions struct {
	// Multiline lets matches span lines. Otherwise every line is matched
	// on its own.
	Multiline bool
	// MaxMatches stops the search after that many matches. Zero means no limit.
	MaxMatches int
	// Anchor widens multi-line matches: every line of a match that Anchor
	// matches pulls the Window lines after it into the match. Matches that
	// then overlap are merged.
	Anchor *regexp.Regexp
	Window int
}

// Match is one hit. Text holds the complete lines the match spans.
type Match struct {
	Path       string
	LineNumber int
	Text       string
}

// Searcher runs regular expressions over directory trees and archives.
// Files above the size limit and binary files are skipped.
type Searcher struct {
	maxFileSize int64
	extractor   *Extractor
}

func NewSearcher(maxFileSize int64, extractor *Extractor) *Searcher {
	if extractor == nil {
		extractor = NewExtractor(DefaultMaxNestedDepth, "")
	}

	return &Searcher{maxFileSize: maxFileSize, extractor: extractor}
}

// SearchTree searches every regular file below root. Match paths are the
// absolute file paths.
func (s *Searcher) SearchTree(ctx context.Context, pattern *regexp.Regexp, root string, opts SearchOptions) ([]Match, error) {
	var matches []Match
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debugf("(scanner/search) cannot read %s: %v", p, err)
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if s.tooLarge(info.Size()) {
			log.Debugf("(scanner/search) skipping %s, %d bytes exceeds the size limit", p, info.Size())
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			log.Debugf("(scanner/search) cannot open %s: %v", p, err)
			return nil
		}

		content, err := s.readCapped(f)
		f.Close()
		if err != nil {
			log.Debugf("(scanner/search) skipping %s: %v", p, err)
			return nil
		}

		matches = append(matches, searchContent(p, content, pattern, opts, remaining(opts, len(matches)))...)
		if opts.MaxMatches > 0 && len(matches) >= opts.MaxMatches {
			return filepath.SkipAll
		}

		return nil
	})
	if err != nil {
		return matches, err
	}

	return matches, nil
}

// SearchArchive searches the files inside an archive without writing them
// to disk. Match paths are the entry names inside the archive.
func (s *Searcher) SearchArchive(ctx context.Context, pattern *regexp.Regexp, archivePath string, opts SearchOptions) ([]Match, error) {
	var matches []Match
	err := s.extractor.walk(ctx, archivePath, func(ctx context.Context, name string, entry archives.FileInfo) error {
		if s.tooLarge(entry.Size()) {
			log.Debugf("(scanner/search) skipping %s, %d bytes exceeds the size limit", name, entry.Size())
			return nil
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}

		content, err := s.readCapped(rc)
		rc.Close()
		if errors.Is(err, errFileTooLarge) {
			log.Debugf("(scanner/search) skipping %s: %v", name, err)
			return nil
		} else if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		matches = append(matches, searchContent(name, content, pattern, opts, remaining(opts, len(matches)))...)
		if opts.MaxMatches > 0 && len(matches) >= opts.MaxMatches {
			return errStopWalk
		}

		return nil
	})

	return matches, err
}

var errFileTooLarge = errors.New("file exceeds the size limit")

func (s *Searcher) tooLarge(size int64) bool {
	return s.maxFileSize > 0 && size > s.maxFileSize
}

func (s *Searcher) readCapped(r io.Reader) ([]byte, error) {
	if s.maxFileSize <= 0 {
		return io.ReadAll(r)
	}

	content, err := io.ReadAll(io.LimitReader(r, s.maxFileSize+1))
	if err != nil {
		return nil, err
	}

	if int64(len(content)) > s.maxFileSize {
		return nil, errFileTooLarge
	}

	return content, nil
}

func remaining(opts SearchOptions, found int) int {
	if opts.MaxMatches <= 0 {
		return -1
	}

	return opts.MaxMatches - found
}

// searchContent returns up to limit matches of pattern in content, or all of
// them when limit is negative. Binary content has no matches.
func searchContent(name string, content []byte, pattern *regexp.Regexp, opts SearchOptions, limit int) []Match {
	if limit == 0 || len(content) == 0 || isBinary(content) {
		return nil
	}

	if !opts.Multiline {
		return searchLines(name, content, pattern, limit)
	}

	var matches []Match
	line, counted := 1, 0
	blockStart, blockEnd := 0, -1
	for _, loc := range pattern.FindAllIndex(content, limit) {
		if loc[0] == loc[1] {
			continue
		}

		start := bytes.LastIndexByte(content[:loc[0]], '\n') + 1
		end := lineEnd(content, loc[1]-1)

		if len(matches) > 0 && start <= blockEnd {
			// overlaps the previous match once that one was widened
			blockEnd = widen(content, blockStart, max(end, blockEnd), opts)
			matches[len(matches)-1].Text = trimCR(content[blockStart:blockEnd])
			continue
		}

		line += bytes.Count(content[counted:start], []byte{'\n'})
		counted = start

		blockStart, blockEnd = start, widen(content, start, end, opts)
		matches = append(matches, Match{
			Path:       name,
			LineNumber: line,
			Text:       trimCR(content[blockStart:blockEnd]),
		})
	}

	return matches
}

// lineEnd returns the offset of the newline that ends the line holding
// content[i], or len(content) on the last line.
func lineEnd(content []byte, i int) int {
	if content[i] == '\n' {
		return i
	}
	if n := bytes.IndexByte(content[i:], '\n'); n >= 0 {
		return i + n
	}
	return len(content)
}

// widen grows the block content[start:end] until every line matching
// opts.Anchor is followed by opts.Window lines inside it.
func widen(content []byte, start, end int, opts SearchOptions) int {
	if opts.Anchor == nil || opts.Window <= 0 {
		return end
	}

	for pos := start; pos < len(content) && pos <= end; {
		eol := lineEnd(content, pos)
		if opts.Anchor.Match(content[pos:eol]) {
			reach := eol
			for n := 0; n < opts.Window && reach+1 < len(content); n++ {
				reach = lineEnd(content, reach+1)
			}
			end = max(end, reach)
		}
		pos = eol + 1
	}

	return end
}

func trimCR(b []byte) string {
	return strings.TrimSuffix(string(b), "\r")
}

func searchLines(name string, content []byte, pattern *regexp.Regexp, limit int) []Match {
	var matches []Match
	for i, line := range bytes.Split(content, []byte{'\n'}) {
		if !pattern.Match(line) {
			continue
		}

		matches = append(matches, Match{
			Path:       name,
			LineNumber: i + 1,
			Text:       strings.TrimSuffix(string(line), "\r"),
		})
		if limit > 0 && len(matches) >= limit {
			break
		}
	}

	return matches
}

// isBinary reports content that should not be searched: anything mimetype
// classifies as an executable or opaque blob, and anything containing NUL
// bytes near the start.
func isBinary(content []byte) bool {
	head := content[:min(len(content), binarySniffLen)]
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}

	return isBinaryMIME(mimetype.Detect(head).String())
}

// isBinaryMIME determines if a MIME type belongs to a binary file.
func isBinaryMIME(mimeType string) bool {
	binaryPrefixes := []string{
		"application/octet-stream",
		"application/x-executable",
		"application/x-mach-binary",
		"application/x-sharedlib",
		"application/x-object",
	}

	for _, prefix := range binaryPrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}

	executableSuffixes := []string{
		"/x-executable",
		"/x-sharedlib",
		"/x-mach-binary",
	}

	for _, suffix := range executableSuffixes {
		if strings.HasSuffix(mimeType, suffix) {
			return true
		}
	}

	return false
}

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
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchContentMultiline(t *testing.T) {
	pattern := regexp.MustCompile(`(?m)start.*\n^.*end`)
	content := []byte("zero\nstart here\nand end\nstart again\nthe end is near\n")

	matches := searchContent("f.txt", content, pattern, SearchOptions{Multiline: true}, -1)
	assert.Equal(t, []Match{
		{Path: "f.txt", LineNumber: 2, Text: "start here\nand end"},
		{Path: "f.txt", LineNumber: 4, Text: "start again\nthe end is near"},
	}, matches)

	assert.Len(t, searchContent("f.txt", content, pattern, SearchOptions{Multiline: true}, 1), 1)
	assert.Empty(t, searchContent("f.txt", content, pattern, SearchOptions{Multiline: true}, 0))
}

func TestSearchContentWidensAroundAnchor(t *testing.T) {
	pattern := regexp.MustCompile(`(?m)key.*\n^.*value`)
	anchor := regexp.MustCompile(`key`)
	content := []byte("key\nvalue\nmore\nother\nkey\nvalue\nlast\n\nafter\n")
	opts := SearchOptions{Multiline: true, Anchor: anchor, Window: 2}

	matches := searchContent("f", content, pattern, opts, -1)
	assert.Equal(t, []Match{
		{Path: "f", LineNumber: 1, Text: "key\nvalue\nmore"},
		{Path: "f", LineNumber: 5, Text: "key\nvalue\nlast"},
	}, matches)

	opts.Window = 4
	matches = searchContent("f", content, pattern, opts, -1)
	assert.Equal(t, []Match{
		{Path: "f", LineNumber: 1, Text: "key\nvalue\nmore\nother\nkey\nvalue\nlast\n\nafter"},
	}, matches)
}

func TestSearchContentLines(t *testing.T) {
	content := []byte("a AKIA0000000000000001\r\nb\nc AKIA0000000000000002\n")

	matches := searchContent("f", content, QuickPattern, SearchOptions{}, -1)
	require.Len(t, matches, 2)
	assert.Equal(t, Match{Path: "f", LineNumber: 1, Text: "a AKIA0000000000000001"}, matches[0])
	assert.Equal(t, 3, matches[1].LineNumber)

	assert.Len(t, searchContent("f", content, QuickPattern, SearchOptions{}, 1), 1)
}

func TestSearchContentSkipsBinary(t *testing.T) {
	content := append([]byte("AKIA0000000000000001"), 0, 1, 2, 3)
	assert.Empty(t, searchContent("f", content, QuickPattern, SearchOptions{}, -1))
}

func TestIsBinaryMIME(t *testing.T) {
	tests := []struct {
		mime string
		want bool
	}{
		{"application/octet-stream", true},
		{"application/x-executable", true},
		{"application/x-mach-binary", true},
		{"text/plain; charset=utf-8", false},
		{"text/x-python", false},
		{"application/json", false},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.want, isBinaryMIME(tt.mime))
		})
	}
}

func TestSearchTree(t *testing.T) {
	root := t.TempDir()
	write := func(name, content string) {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	write("a/small.txt", "key AKIA0000000000000001\n")
	write("b/big.txt", strings.Repeat("x", 64)+"\nkey AKIA0000000000000002\n")
	write("c/other.txt", "key AKIA0000000000000003\n")

	s := NewSearcher(50, nil)
	matches, err := s.SearchTree(context.Background(), QuickPattern, root, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, filepath.Join(root, "a", "small.txt"), matches[0].Path)
	assert.Equal(t, filepath.Join(root, "c", "other.txt"), matches[1].Path)

	matches, err = s.SearchTree(context.Background(), QuickPattern, root, SearchOptions{MaxMatches: 1})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSearchArchiveSizeLimit(t *testing.T) {
	artifact := newArtifact(t, "pkg.tar.gz", tarGzBytes(t, map[string]string{
		"big.txt":   strings.Repeat("y", 100) + "\nAKIA0000000000000001\n",
		"small.txt": "AKIA0000000000000002\n",
	}))

	s := NewSearcher(60, nil)
	matches, err := s.SearchArchive(context.Background(), QuickPattern, artifact.ArchivePath, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "small.txt", matches[0].Path)
}

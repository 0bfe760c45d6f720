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

// Package source turns the changelog and listing APIs of package registries
// into a resumable stream of package references. Each registry keeps its own
// cursor, which only moves forward.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/in-toto/keysweep/internal/httpclient"
)

// Kind identifies one of the supported package registries.
type Kind string

const (
	KindPyPI     Kind = "pypi"
	KindRubyGems Kind = "rubygems"
	KindHexPM    Kind = "hexpm"
)

// ErrNoRecords is returned when a registry reported nothing to advance the cursor with.
var ErrNoRecords = errors.New("no records observed")

// ErrIncompleteListing is returned when a newest-first listing was cut off
// before it reached the cursor. The cursor is left where it was.
var ErrIncompleteListing = errors.New("listing ended before reaching the cursor")

// Kinds returns every supported registry kind.
func Kinds() []Kind {
	return []Kind{KindPyPI, KindRubyGems, KindHexPM}
}

// ParseKind accepts a registry name as typed on the command line.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPyPI, KindRubyGems, KindHexPM:
		return k, nil
	case "hex", "elixir":
		return KindHexPM, nil
	default:
		return "", fmt.Errorf("unknown registry %q", s)
	}
}

func (k Kind) String() string {
	return string(k)
}

// ReportPath is the directory, relative to the report root, findings for this registry are written to.
func (k Kind) ReportPath() string {
	switch k {
	case KindHexPM:
		return "elixir"
	default:
		return string(k)
	}
}

// BrowseURL returns a public link to line of filePath inside the package, or
// an empty string when the registry has no source browser.
func (k Kind) BrowseURL(ref PackageReference, filePath string, line int) string {
	if k != KindPyPI {
		return ""
	}

	u, err := url.Parse(ref.DownloadURL)
	if err != nil {
		return ""
	}

	return fmt.Sprintf("https://inspector.pypi.io/project/%s/%s/%s/%s#line.%d",
		ref.Name, ref.Version, strings.TrimPrefix(u.Path, "/"), filePath, line)
}

// PackageReference points at one downloadable artifact of a package version.
type PackageReference struct {
	Registry    Kind   `json:"registry"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
}

// FileName is the last path segment of the download URL.
func (r PackageReference) FileName() string {
	u, err := url.Parse(r.DownloadURL)
	if err != nil || u.Path == "" {
		return path.Base(r.DownloadURL)
	}

	return path.Base(u.Path)
}

func (r PackageReference) String() string {
	return fmt.Sprintf("%s / %s @ %s", r.Registry, r.Name, r.Version)
}

// Stats are kept next to each registry's cursor in the checkpoint.
type Stats struct {
	PackagesSearched uint64 `json:"packages_searched"`
}

// Batch is the result of a single poll.
type Batch struct {
	Cursor   json.RawMessage
	Packages []PackageReference
}

// Source polls one package registry.
type Source interface {
	Kind() Kind
	// DefaultCursor is the position a registry starts from when no checkpoint exists.
	DefaultCursor() json.RawMessage
	// Poll returns up to limit packages published after cursor and the cursor to
	// resume from. The returned cursor is never behind the one passed in.
	Poll(ctx context.Context, cursor json.RawMessage, limit int) (Batch, error)

	configure(opts ...Option)
}

type transport struct {
	client          *http.Client
	baseURL         string
	downloadBaseURL string
}

type Option func(*transport)

// WithHTTPClient replaces the client used for registry API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(t *transport) {
		t.client = client
	}
}

// WithBaseURL points the source at a different API root.
func WithBaseURL(baseURL string) Option {
	return func(t *transport) {
		t.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithDownloadBaseURL changes where download URLs are built from for
// registries that do not return them in their API responses.
func WithDownloadBaseURL(baseURL string) Option {
	return func(t *transport) {
		t.downloadBaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

func (t *transport) configure(opts ...Option) {
	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		t.client = httpclient.New()
	}
}

func (t *transport) getJSON(ctx context.Context, rawURL string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if err := httpclient.CheckStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("malformed response from %s: %w", rawURL, err)
	}

	return nil
}

func decodeCursor[C any](raw json.RawMessage, def C) (C, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return def, nil
	}

	c := def
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return def, fmt.Errorf("decode cursor: %w", err)
	}

	return c, nil
}

func encodeCursor(c any) (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cursor: %w", err)
	}

	return b, nil
}

// takeWithTies returns the first limit items, extended by any directly
// following items that share the position of the last one taken. Cutting a
// run of equal positions would let the cursor move past records that were
// never emitted.
func takeWithTies[T any](items []T, limit int, samePosition func(a, b T) bool) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}

	end := limit
	for end < len(items) && samePosition(items[limit-1], items[end]) {
		end++
	}

	return items[:end]
}

// normalize removes duplicate download URLs and orders references by name,
// version and URL.
func normalize(refs []PackageReference) []PackageReference {
	seen := make(map[string]struct{}, len(refs))
	out := make([]PackageReference, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.DownloadURL]; ok {
			continue
		}
		seen[ref.DownloadURL] = struct{}{}
		out = append(out, ref)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].DownloadURL < out[j].DownloadURL
	})

	return out
}

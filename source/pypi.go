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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/in-toto/keysweep/internal/httpclient"
	"github.com/in-toto/keysweep/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPyPIBaseURL       = "https://pypi.org/pypi"
	defaultPyPILookupWorkers = 8
)

// SerialCursor is the PyPI position: the highest changelog serial processed.
type SerialCursor struct {
	Serial   uint64     `json:"changelog_serial"`
	LastSeen *time.Time `json:"last_package_timestamp,omitempty"`
}

// PyPI follows the PyPI changelog through the XML-RPC changelog_since_serial
// call and resolves download URLs through the JSON API.
type PyPI struct {
	transport
	denylist      *Denylist
	lookupWorkers int
}

var _ Source = &PyPI{}

func NewPyPI(opts ...Option) *PyPI {
	p := &PyPI{
		transport:     transport{baseURL: defaultPyPIBaseURL},
		lookupWorkers: defaultPyPILookupWorkers,
	}
	p.configure(opts...)
	return p
}

// SetSkipPackages replaces the denylist of package name patterns.
func (p *PyPI) SetSkipPackages(patterns []string) error {
	d, err := NewDenylist(patterns)
	if err != nil {
		return err
	}

	p.denylist = d
	return nil
}

// SetLookupWorkers bounds the number of concurrent JSON API lookups.
func (p *PyPI) SetLookupWorkers(n int) error {
	if n < 1 {
		return fmt.Errorf("lookup workers must be at least 1, got %d", n)
	}

	p.lookupWorkers = n
	return nil
}

func (p *PyPI) Kind() Kind {
	return KindPyPI
}

func (p *PyPI) DefaultCursor() json.RawMessage {
	return json.RawMessage(`{"changelog_serial":0}`)
}

func (p *PyPI) Poll(ctx context.Context, raw json.RawMessage, limit int) (Batch, error) {
	cursor, err := decodeCursor(raw, SerialCursor{})
	if err != nil {
		return Batch{}, err
	}

	next, refs, err := p.poll(ctx, cursor, limit)
	if err != nil {
		return Batch{}, err
	}

	encoded, err := encodeCursor(next)
	if err != nil {
		return Batch{}, err
	}

	return Batch{Cursor: encoded, Packages: refs}, nil
}

type changelogEntry struct {
	name     string
	version  string
	fileName string
	ts       time.Time
	hasTS    bool
	serial   uint64
	keep     bool
}

func (p *PyPI) poll(ctx context.Context, cursor SerialCursor, limit int) (SerialCursor, []PackageReference, error) {
	result, err := p.callXMLRPC(ctx, p.baseURL, "changelog_since_serial", int64(cursor.Serial))
	if err != nil {
		return cursor, nil, fmt.Errorf("changelog since serial %d: %w", cursor.Serial, err)
	}

	items, ok := result.([]any)
	if !ok {
		return cursor, nil, fmt.Errorf("malformed changelog response: expected array, got %T", result)
	}

	entries := make([]changelogEntry, 0, len(items))
	for _, item := range items {
		entry, ok := p.parseChangelogEntry(item)
		if !ok {
			log.Debugf("(source/pypi) ignoring changelog item %v", item)
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].serial < entries[j].serial })
	observed := takeKept(entries, limit)
	if len(observed) == 0 {
		return cursor, nil, fmt.Errorf("changelog since serial %d: %w", cursor.Serial, ErrNoRecords)
	}

	next := cursor
	for _, e := range observed {
		if e.serial > next.Serial {
			next.Serial = e.serial
		}
		if e.hasTS && (next.LastSeen == nil || e.ts.After(*next.LastSeen)) {
			ts := e.ts
			next.LastSeen = &ts
		}
	}

	if next.LastSeen != nil {
		log.Debugf("(source/pypi) highest changelog timestamp: %s", next.LastSeen.Format(time.RFC3339))
	}

	type release struct {
		name, version string
	}

	filesByRelease := make(map[release]map[string]struct{})
	for _, e := range observed {
		if !e.keep {
			continue
		}

		key := release{e.name, e.version}
		if filesByRelease[key] == nil {
			filesByRelease[key] = make(map[string]struct{})
		}
		filesByRelease[key][e.fileName] = struct{}{}
	}

	releases := make([]release, 0, len(filesByRelease))
	for key := range filesByRelease {
		releases = append(releases, key)
	}
	sort.Slice(releases, func(i, j int) bool {
		if releases[i].name != releases[j].name {
			return releases[i].name < releases[j].name
		}
		return releases[i].version < releases[j].version
	})

	log.Infof("(source/pypi) fetching package info for %d releases", len(releases))

	found := make([][]PackageReference, len(releases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.lookupWorkers)
	for i, rel := range releases {
		g.Go(func() error {
			refs, err := p.releaseFiles(gctx, rel.name, rel.version, filesByRelease[rel])
			if err != nil {
				return fmt.Errorf("fetching pypi package %s - %s: %w", rel.name, rel.version, err)
			}
			found[i] = refs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return cursor, nil, err
	}

	var refs []PackageReference
	for _, r := range found {
		refs = append(refs, r...)
	}

	return next, normalize(refs), nil
}

// takeKept returns the prefix of entries that holds limit kept entries,
// including trailing entries that share the serial of the last kept one.
func takeKept(entries []changelogEntry, limit int) []changelogEntry {
	if limit <= 0 {
		return entries
	}

	kept := 0
	for i, e := range entries {
		if !e.keep {
			continue
		}

		kept++
		if kept == limit {
			end := i + 1
			for end < len(entries) && entries[end].serial == e.serial {
				end++
			}
			return entries[:end]
		}
	}

	return entries
}

// parseChangelogEntry reads a [name, version, timestamp, action, serial]
// tuple. Entries that carry a serial are always returned so the cursor can
// move past them; keep is only set for new files worth downloading.
func (p *PyPI) parseChangelogEntry(item any) (changelogEntry, bool) {
	fields, ok := item.([]any)
	if !ok || len(fields) != 5 {
		return changelogEntry{}, false
	}

	serial, ok := fields[4].(int64)
	if !ok || serial < 0 {
		return changelogEntry{}, false
	}

	entry := changelogEntry{serial: uint64(serial)}
	if ts, ok := fields[2].(int64); ok {
		entry.ts = time.Unix(ts, 0).UTC()
		entry.hasTS = true
	}

	name, nameOK := fields[0].(string)
	version, versionOK := fields[1].(string)
	action, actionOK := fields[3].(string)
	if !nameOK || !versionOK || !actionOK {
		return entry, true
	}

	entry.name = name
	entry.version = version
	if !strings.HasPrefix(action, "add ") || strings.Contains(action, ".exe") {
		return entry, true
	}

	if p.denylist.Match(name) {
		log.Debugf("(source/pypi) skipping denylisted package %s", name)
		return entry, true
	}

	parts := strings.Split(action, " ")
	entry.fileName = parts[len(parts)-1]
	entry.keep = true
	return entry, true
}

type pypiRelease struct {
	URLs []struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	} `json:"urls"`
}

// releaseFiles looks up a release and returns the files among wanted. Releases
// the JSON API cannot serve (404, or 400 for versions that are not valid URL
// segments) have no files.
func (p *PyPI) releaseFiles(ctx context.Context, name, version string, wanted map[string]struct{}) ([]PackageReference, error) {
	lookup := fmt.Sprintf("%s/%s/%s/json", p.baseURL, url.PathEscape(name), url.PathEscape(version))

	var rel pypiRelease
	if err := p.getJSON(ctx, lookup, &rel); err != nil {
		var serr httpclient.StatusError
		if errors.As(err, &serr) && (serr.StatusCode == http.StatusNotFound || serr.StatusCode == http.StatusBadRequest) {
			log.Debugf("(source/pypi) no release metadata for %s %s (status %d)", name, version, serr.StatusCode)
			return nil, nil
		}
		return nil, err
	}

	var refs []PackageReference
	for _, u := range rel.URLs {
		if _, ok := wanted[u.Filename]; !ok {
			continue
		}
		if _, err := url.Parse(u.URL); err != nil {
			log.Debugf("(source/pypi) ignoring invalid download url %q: %v", u.URL, err)
			continue
		}

		refs = append(refs, PackageReference{
			Registry:    KindPyPI,
			Name:        name,
			Version:     version,
			DownloadURL: u.URL,
		})
	}

	return refs, nil
}

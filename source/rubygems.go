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
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/in-toto/keysweep/log"
)

const (
	defaultRubyGemsBaseURL  = "https://rubygems.org"
	defaultRubyGemsWindow   = 5 * 24 * time.Hour
	defaultRubyGemsMaxPages = 50
)

var defaultRubyGemsStart = time.Date(2019, 1, 18, 21, 24, 29, 0, time.UTC)

// TimestampCursor is the position of registries that are polled by publication time.
type TimestampCursor struct {
	LastSeen time.Time `json:"last_package_timestamp"`
}

// RubyGems pages through the versions published in a fixed window after the cursor.
type RubyGems struct {
	transport
	window   time.Duration
	maxPages int
}

var _ Source = &RubyGems{}

func NewRubyGems(opts ...Option) *RubyGems {
	r := &RubyGems{
		transport: transport{baseURL: defaultRubyGemsBaseURL},
		window:    defaultRubyGemsWindow,
		maxPages:  defaultRubyGemsMaxPages,
	}
	r.configure(opts...)
	return r
}

func (r *RubyGems) SetWindow(window time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("window must be positive, got %s", window)
	}

	r.window = window
	return nil
}

func (r *RubyGems) SetMaxPages(n int) error {
	if n < 1 {
		return fmt.Errorf("max pages must be at least 1, got %d", n)
	}

	r.maxPages = n
	return nil
}

func (r *RubyGems) Kind() Kind {
	return KindRubyGems
}

func (r *RubyGems) DefaultCursor() json.RawMessage {
	c, _ := encodeCursor(TimestampCursor{LastSeen: defaultRubyGemsStart})
	return c
}

func (r *RubyGems) Poll(ctx context.Context, raw json.RawMessage, limit int) (Batch, error) {
	cursor, err := decodeCursor(raw, TimestampCursor{LastSeen: defaultRubyGemsStart})
	if err != nil {
		return Batch{}, err
	}

	next, refs, err := r.poll(ctx, cursor, limit)
	if err != nil {
		return Batch{}, err
	}

	encoded, err := encodeCursor(next)
	if err != nil {
		return Batch{}, err
	}

	return Batch{Cursor: encoded, Packages: refs}, nil
}

type rubyGemsVersion struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	GemURI    string    `json:"gem_uri"`
	CreatedAt time.Time `json:"version_created_at"`
}

func (r *RubyGems) poll(ctx context.Context, cursor TimestampCursor, limit int) (TimestampCursor, []PackageReference, error) {
	from := cursor.LastSeen.UTC()
	to := from.Add(r.window)

	observed := 0
	var fresh []rubyGemsVersion
	for page := 0; page < r.maxPages; page++ {
		q := url.Values{}
		q.Set("from", from.Format(time.RFC3339))
		q.Set("to", to.Format(time.RFC3339))
		q.Set("page", strconv.Itoa(page))
		pageURL := fmt.Sprintf("%s/api/v1/timeframe_versions.json?%s", r.baseURL, q.Encode())

		var versions []rubyGemsVersion
		if err := r.getJSON(ctx, pageURL, &versions); err != nil {
			return cursor, nil, err
		}

		if len(versions) == 0 {
			break
		}

		observed += len(versions)
		for _, v := range versions {
			if v.CreatedAt.After(cursor.LastSeen) {
				fresh = append(fresh, v)
			}
		}

		// Pages are ordered by creation time. Once a page ends past the
		// limit-th fresh version, later pages cannot hold one of its ties.
		if limit > 0 && len(fresh) >= limit && versions[len(versions)-1].CreatedAt.After(fresh[limit-1].CreatedAt) {
			break
		}
	}

	if observed == 0 {
		return cursor, nil, fmt.Errorf("gem versions between %s and %s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), ErrNoRecords)
	}

	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })
	fresh = takeWithTies(fresh, limit, func(a, b rubyGemsVersion) bool { return a.CreatedAt.Equal(b.CreatedAt) })

	next := cursor
	refs := make([]PackageReference, 0, len(fresh))
	for _, v := range fresh {
		if v.CreatedAt.After(next.LastSeen) {
			next.LastSeen = v.CreatedAt
		}

		if _, err := url.Parse(v.GemURI); err != nil || v.GemURI == "" {
			log.Debugf("(source/rubygems) ignoring %s %s with invalid gem uri %q", v.Name, v.Version, v.GemURI)
			continue
		}

		refs = append(refs, PackageReference{
			Registry:    KindRubyGems,
			Name:        v.Name,
			Version:     v.Version,
			DownloadURL: v.GemURI,
		})
	}

	log.Debugf("(source/rubygems) %d versions observed, %d new, cursor %s", observed, len(fresh), next.LastSeen.Format(time.RFC3339))
	return next, normalize(refs), nil
}

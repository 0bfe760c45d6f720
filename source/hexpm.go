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
	"time"

	"github.com/in-toto/keysweep/log"
)

const (
	defaultHexPMBaseURL     = "https://hex.pm"
	defaultHexPMRepoURL     = "https://repo.hex.pm"
	defaultHexPMMaxPages    = 250
	hexPMFirstPage          = 1
	hexPMPackagesListingURL = "%s/api/packages?sort=updated_at&search=&page=%d"
)

var defaultHexPMStart = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

// HexPM walks the package listing sorted by last update, newest first, and
// collects the releases inserted after the cursor.
type HexPM struct {
	transport
	maxPages int
}

var _ Source = &HexPM{}

func NewHexPM(opts ...Option) *HexPM {
	h := &HexPM{
		transport: transport{baseURL: defaultHexPMBaseURL, downloadBaseURL: defaultHexPMRepoURL},
		maxPages:  defaultHexPMMaxPages,
	}
	h.configure(opts...)
	return h
}

func (h *HexPM) SetMaxPages(n int) error {
	if n < 1 {
		return fmt.Errorf("max pages must be at least 1, got %d", n)
	}

	h.maxPages = n
	return nil
}

func (h *HexPM) Kind() Kind {
	return KindHexPM
}

func (h *HexPM) DefaultCursor() json.RawMessage {
	c, _ := encodeCursor(TimestampCursor{LastSeen: defaultHexPMStart})
	return c
}

func (h *HexPM) Poll(ctx context.Context, raw json.RawMessage, limit int) (Batch, error) {
	cursor, err := decodeCursor(raw, TimestampCursor{LastSeen: defaultHexPMStart})
	if err != nil {
		return Batch{}, err
	}

	next, refs, err := h.poll(ctx, cursor, limit)
	if err != nil {
		return Batch{}, err
	}

	encoded, err := encodeCursor(next)
	if err != nil {
		return Batch{}, err
	}

	return Batch{Cursor: encoded, Packages: refs}, nil
}

type hexPackage struct {
	Name      string       `json:"name"`
	UpdatedAt time.Time    `json:"updated_at"`
	Releases  []hexRelease `json:"releases"`
}

type hexRelease struct {
	Version    string    `json:"version"`
	InsertedAt time.Time `json:"inserted_at"`
}

type hexCandidate struct {
	name    string
	release hexRelease
}

func (h *HexPM) poll(ctx context.Context, cursor TimestampCursor, limit int) (TimestampCursor, []PackageReference, error) {
	observed := 0
	reachedCursor := false
	var fresh []hexCandidate

	// The listing is newest first, so the oldest unseen releases are only
	// known once the cursor boundary is reached.
pages:
	for page := hexPMFirstPage; page < hexPMFirstPage+h.maxPages; page++ {
		var packages []hexPackage
		if err := h.getJSON(ctx, fmt.Sprintf(hexPMPackagesListingURL, h.baseURL, page), &packages); err != nil {
			return cursor, nil, err
		}

		if len(packages) == 0 {
			reachedCursor = true
			break
		}

		for _, pkg := range packages {
			if !pkg.UpdatedAt.IsZero() && pkg.UpdatedAt.Before(cursor.LastSeen) {
				log.Debugf("(source/hexpm) reached packages older than cursor on page %d", page)
				reachedCursor = true
				break pages
			}

			observed++
			for _, rel := range pkg.Releases {
				if rel.InsertedAt.After(cursor.LastSeen) {
					fresh = append(fresh, hexCandidate{name: pkg.Name, release: rel})
				}
			}
		}
	}

	if !reachedCursor {
		return cursor, nil, fmt.Errorf("hex packages updated since %s: %d pages read: %w",
			cursor.LastSeen.Format(time.RFC3339), h.maxPages, ErrIncompleteListing)
	}

	if observed == 0 {
		return cursor, nil, fmt.Errorf("hex packages updated since %s: %w", cursor.LastSeen.Format(time.RFC3339), ErrNoRecords)
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].release.InsertedAt.Before(fresh[j].release.InsertedAt)
	})
	fresh = takeWithTies(fresh, limit, func(a, b hexCandidate) bool {
		return a.release.InsertedAt.Equal(b.release.InsertedAt)
	})

	next := cursor
	refs := make([]PackageReference, 0, len(fresh))
	for _, c := range fresh {
		if c.release.InsertedAt.After(next.LastSeen) {
			next.LastSeen = c.release.InsertedAt
		}

		refs = append(refs, PackageReference{
			Registry: KindHexPM,
			Name:     c.name,
			Version:  c.release.Version,
			DownloadURL: fmt.Sprintf("%s/tarballs/%s-%s.tar",
				h.downloadBaseURL, url.PathEscape(c.name), url.PathEscape(c.release.Version)),
		})
	}

	log.Debugf("(source/hexpm) %d packages observed, %d new releases, cursor %s", observed, len(fresh), next.LastSeen.Format(time.RFC3339))
	return next, normalize(refs), nil
}

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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "pypi", want: KindPyPI},
		{in: " RubyGems ", want: KindRubyGems},
		{in: "hexpm", want: KindHexPM},
		{in: "hex", want: KindHexPM},
		{in: "elixir", want: KindHexPM},
		{in: "npm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReportPath(t *testing.T) {
	assert.Equal(t, "pypi", KindPyPI.ReportPath())
	assert.Equal(t, "rubygems", KindRubyGems.ReportPath())
	assert.Equal(t, "elixir", KindHexPM.ReportPath())
}

func TestBrowseURL(t *testing.T) {
	ref := PackageReference{
		Registry:    KindPyPI,
		Name:        "leaky",
		Version:     "0.1",
		DownloadURL: "https://files.pythonhosted.org/packages/aa/bb/leaky-0.1.tar.gz",
	}

	assert.Equal(t,
		"https://inspector.pypi.io/project/leaky/0.1/packages/aa/bb/leaky-0.1.tar.gz/leaky-0.1/settings.py#line.12",
		KindPyPI.BrowseURL(ref, "leaky-0.1/settings.py", 12))
	assert.Empty(t, KindRubyGems.BrowseURL(ref, "settings.py", 12))
}

func TestPackageReferenceFileName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://rubygems.org/gems/rack-3.0.0.gem", "rack-3.0.0.gem"},
		{"https://repo.hex.pm/tarballs/ecto-3.11.0.tar?x=1", "ecto-3.11.0.tar"},
		{"https://files.example/a/b/pkg-1.0.tar.gz#sha256=abc", "pkg-1.0.tar.gz"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PackageReference{DownloadURL: tt.url}.FileName())
	}

	ref := PackageReference{Registry: KindRubyGems, Name: "rack", Version: "3.0.0"}
	assert.Equal(t, "rubygems / rack @ 3.0.0", ref.String())
}

func TestTakeWithTies(t *testing.T) {
	same := func(a, b int) bool { return a == b }

	tests := []struct {
		name  string
		items []int
		limit int
		want  []int
	}{
		{name: "unlimited", items: []int{1, 2, 3}, limit: 0, want: []int{1, 2, 3}},
		{name: "under limit", items: []int{1, 2}, limit: 5, want: []int{1, 2}},
		{name: "cut", items: []int{1, 2, 3}, limit: 2, want: []int{1, 2}},
		{name: "ties extend", items: []int{1, 2, 2, 2, 3}, limit: 2, want: []int{1, 2, 2, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, takeWithTies(tt.items, tt.limit, same))
		})
	}
}

func TestNormalize(t *testing.T) {
	refs := normalize([]PackageReference{
		{Name: "b", Version: "1", DownloadURL: "u3"},
		{Name: "a", Version: "2", DownloadURL: "u2"},
		{Name: "a", Version: "1", DownloadURL: "u1"},
		{Name: "a", Version: "1", DownloadURL: "u1"},
	})

	require.Len(t, refs, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{refs[0].DownloadURL, refs[1].DownloadURL, refs[2].DownloadURL})
}

func TestDecodeCursor(t *testing.T) {
	def := SerialCursor{Serial: 5}

	got, err := decodeCursor(nil, def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	got, err = decodeCursor(json.RawMessage(" null "), def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	got, err = decodeCursor(json.RawMessage(`{"changelog_serial": 9}`), def)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.Serial)

	_, err = decodeCursor(json.RawMessage(`{"changelog_serial": "nine"}`), def)
	require.Error(t, err)
}

func TestSourceOptions(t *testing.T) {
	names := func(kind Kind) []string {
		var out []string
		for _, o := range Options(kind) {
			out = append(out, o.Name())
		}
		return out
	}

	assert.ElementsMatch(t, []string{"skip-packages", "lookup-workers"}, names(KindPyPI))
	assert.ElementsMatch(t, []string{"window", "max-pages"}, names(KindRubyGems))
	assert.ElementsMatch(t, []string{"max-pages"}, names(KindHexPM))
	assert.Nil(t, Options(Kind("npm")))

	_, err := New(Kind("npm"), nil)
	require.Error(t, err)

	for _, kind := range Kinds() {
		s, err := New(kind, nil)
		require.NoError(t, err)
		assert.Equal(t, kind, s.Kind())
		assert.True(t, json.Valid(s.DefaultCursor()))
	}
}

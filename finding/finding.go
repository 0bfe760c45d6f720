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

// Package finding groups live credentials into one finding per package artifact.
package finding

import (
	"sort"

	"github.com/in-toto/keysweep/source"
	"github.com/in-toto/keysweep/validator"
)

// Key identifies the package artifact a finding is about.
type Key struct {
	Registry    source.Kind `json:"registry" yaml:"registry"`
	Name        string      `json:"name" yaml:"name"`
	Version     string      `json:"version" yaml:"version"`
	DownloadURL string      `json:"download_url" yaml:"download_url"`
}

func KeyOf(ref source.PackageReference) Key {
	return Key{Registry: ref.Registry, Name: ref.Name, Version: ref.Version, DownloadURL: ref.DownloadURL}
}

func (k Key) Reference() source.PackageReference {
	return source.PackageReference{Registry: k.Registry, Name: k.Name, Version: k.Version, DownloadURL: k.DownloadURL}
}

// Credential is a live key pair and where it was found.
type Credential struct {
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Label     string `json:"label" yaml:"label"`
	Arn       string `json:"arn" yaml:"arn"`
	Account   string `json:"account" yaml:"account"`
	Path      string `json:"path" yaml:"path"`
	Line      int    `json:"line" yaml:"line"`
	Block     string `json:"block" yaml:"block"`
	// Rules are the gitleaks rule IDs that also match Block.
	Rules []string `json:"rules,omitempty" yaml:"rules,omitempty"`
	// SourceURL links to the line in a public source browser, when the
	// registry has one.
	SourceURL string `json:"source_url,omitempty" yaml:"source_url,omitempty"`
}

type Finding struct {
	Key         `yaml:",inline"`
	FileName    string       `json:"file_name" yaml:"file_name"`
	Credentials []Credential `json:"credentials" yaml:"credentials"`
}

// Aggregate groups live credentials by package artifact and keeps the first
// credential seen for each access key and secret pair within a group.
// Findings and their credentials are returned in a stable order.
func Aggregate(live []validator.LiveCredential) []Finding {
	type pair struct{ accessKey, secretKey string }

	groups := make(map[Key]*Finding)
	seen := make(map[Key]map[pair]struct{})
	for _, lc := range live {
		key := KeyOf(lc.Reference)
		f, ok := groups[key]
		if !ok {
			f = &Finding{Key: key, FileName: lc.Reference.FileName()}
			groups[key] = f
			seen[key] = make(map[pair]struct{})
		}

		p := pair{lc.AccessKey, lc.SecretKey}
		if _, dup := seen[key][p]; dup {
			continue
		}
		seen[key][p] = struct{}{}

		f.Credentials = append(f.Credentials, Credential{
			AccessKey: lc.AccessKey,
			SecretKey: lc.SecretKey,
			Label:     lc.Label,
			Arn:       lc.Arn,
			Account:   lc.Account,
			Path:      lc.Path,
			Line:      lc.Line,
			Block:     lc.Block,
			Rules:     lc.Rules,
			SourceURL: key.Registry.BrowseURL(lc.Reference, lc.Path, lc.Line),
		})
	}

	findings := make([]Finding, 0, len(groups))
	for _, f := range groups {
		sort.SliceStable(f.Credentials, func(i, j int) bool {
			a, b := f.Credentials[i], f.Credentials[j]
			if a.Path != b.Path {
				return a.Path < b.Path
			}
			if a.Line != b.Line {
				return a.Line < b.Line
			}
			if a.AccessKey != b.AccessKey {
				return a.AccessKey < b.AccessKey
			}
			return a.SecretKey < b.SecretKey
		})
		findings = append(findings, *f)
	}

	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i].Key, findings[j].Key
		if a.Registry != b.Registry {
			return a.Registry < b.Registry
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.DownloadURL < b.DownloadURL
	})

	return findings
}

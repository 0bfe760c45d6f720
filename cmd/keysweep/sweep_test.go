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

package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/in-toto/keysweep"
	"github.com/in-toto/keysweep/checkpoint"
	"github.com/in-toto/keysweep/config"
	"github.com/in-toto/keysweep/fetch"
	"github.com/in-toto/keysweep/internal/httpclient"
	"github.com/in-toto/keysweep/metrics"
	"github.com/in-toto/keysweep/scanner"
	"github.com/in-toto/keysweep/source"
	"github.com/in-toto/keysweep/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

const (
	sweepAccessKey = "AKIA0000000000000001"
	sweepSecretKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

type stubPoller struct {
	kind source.Kind
	refs []source.PackageReference
	err  error
}

func (p *stubPoller) Kind() source.Kind { return p.kind }

func (p *stubPoller) Poll(_ context.Context, _ json.RawMessage, _ int) (source.Batch, error) {
	if p.err != nil {
		return source.Batch{}, p.err
	}
	return source.Batch{Cursor: json.RawMessage(`{"changelog_serial":7}`), Packages: p.refs}, nil
}

type stubChecker struct{}

func (stubChecker) WhoAmI(_ context.Context, accessKey, secretKey, _ string) (validator.Identity, error) {
	if accessKey == sweepAccessKey && secretKey == sweepSecretKey {
		return validator.Identity{Arn: "arn:aws:iam::123456789012:user/leaky", Account: "123456789012"}, nil
	}
	return validator.Identity{}, errors.New("InvalidClientTokenId")
}

func leakyTarball(t *testing.T) []byte {
	t.Helper()
	content := "KEY = '" + sweepAccessKey + "'\nSECRET = '" + sweepSecretKey + "'\n"

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "leaky-1.0.0/settings.py", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err = gw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func testPipeline(t *testing.T) *pipeline {
	t.Helper()
	tarball := leakyTarball(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/packages/leaky-1.0.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(tarball)
	}))
	t.Cleanup(srv.Close)

	return &pipeline{
		pollers: []keysweep.Poller{
			&stubPoller{kind: source.KindPyPI, refs: []source.PackageReference{{
				Registry:    source.KindPyPI,
				Name:        "leaky",
				Version:     "1.0.0",
				DownloadURL: srv.URL + "/packages/leaky-1.0.0.tar.gz",
			}}},
			&stubPoller{kind: source.KindRubyGems, err: errors.New("registry unavailable")},
		},
		fetcher: fetch.New(
			fetch.WithHTTPClient(httpclient.New(httpclient.WithRetries(0))),
			fetch.WithTempDir(t.TempDir()),
		),
		scanner:   scanner.New(scanner.WithRuleTagger(nil)),
		validator: validator.New(stubChecker{}, validator.WithRate(0)),
		metrics:   metrics.New(),
	}
}

func sweepConfig(t *testing.T, save bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		State:     filepath.Join(dir, "state.json"),
		Save:      save,
		Limit:     10,
		Workers:   2,
		ReportDir: filepath.Join(dir, "keys"),
		Summary:   filepath.Join(dir, "summary.yaml"),
		Metrics:   config.Metrics{Textfile: filepath.Join(dir, "metrics", "keysweep.prom")},
	}
}

func TestSweep(t *testing.T) {
	cfg := sweepConfig(t, true)
	initial := checkpoint.NewState()
	initial.Advance(source.KindPyPI, json.RawMessage(`{"changelog_serial":1}`), 3)
	initial.Advance(source.KindRubyGems, json.RawMessage(`{"last_package_timestamp":"2024-01-01T00:00:00Z"}`), 2)
	store := checkpoint.NewMemoryStore(initial)

	state, err := store.Load(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, sweep(context.Background(), cfg, store, state, testPipeline(t), &out))

	reportPath := filepath.Join(cfg.ReportDir, "pypi", "leaky", "leaky-1.0.0.tar.gz.md")
	reportBody, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(reportBody), "## Key 1: user/leaky")

	assert.Contains(t, out.String(), "pypi      1 packages searched (4 total), 0 failed\n")
	assert.Contains(t, out.String(), "rubygems  poll failed: poll rubygems: registry unavailable\n")
	assert.Contains(t, out.String(), "1 live keys in 1 packages\n")
	assert.Contains(t, out.String(), "  "+reportPath+"\n")

	summaryBody, err := os.ReadFile(cfg.Summary)
	require.NoError(t, err)
	var summary struct {
		Registries map[string]struct {
			Searched uint64 `yaml:"packages_searched"`
		} `yaml:"registries"`
		Findings []struct {
			Name string `yaml:"name"`
		} `yaml:"findings"`
	}
	require.NoError(t, yaml.Unmarshal(summaryBody, &summary))
	assert.EqualValues(t, 4, summary.Registries["pypi"].Searched)
	require.Len(t, summary.Findings, 1)
	assert.Equal(t, "leaky", summary.Findings[0].Name)

	prom, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `keysweep_live_credentials_total{registry="pypi"} 1`)

	// only the registry that polled successfully moves forward
	assert.Equal(t, 1, store.Saves())
	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"changelog_serial":7}`, string(saved.Cursor(source.KindPyPI)))
	assert.JSONEq(t, `{"last_package_timestamp":"2024-01-01T00:00:00Z"}`, string(saved.Cursor(source.KindRubyGems)))
	pypi, _ := saved.Get(source.KindPyPI)
	assert.EqualValues(t, 4, pypi.Stats.PackagesSearched)
}

func TestSweepWithoutSave(t *testing.T) {
	cfg := sweepConfig(t, false)
	store := checkpoint.NewMemoryStore(checkpoint.NewState())
	state, err := store.Load(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, sweep(context.Background(), cfg, store, state, testPipeline(t), &out))
	assert.Zero(t, store.Saves())
	assert.Contains(t, out.String(), "1 live keys in 1 packages\n")
}

func TestSweepCancelled(t *testing.T) {
	cfg := sweepConfig(t, true)
	store := checkpoint.NewMemoryStore(checkpoint.NewState())
	state, err := store.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sweep(ctx, cfg, store, state, testPipeline(t), &bytes.Buffer{})
	require.ErrorContains(t, err, "sweep aborted")
	assert.Zero(t, store.Saves())
	_, err = os.Stat(cfg.ReportDir)
	assert.True(t, os.IsNotExist(err))
}

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
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/in-toto/keysweep/fetch"
	"github.com/in-toto/keysweep/source"
	"github.com/stretchr/testify/require"
)

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range sortedNames(files) {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedNames(files) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	return gzipBytes(t, tarBytes(t, files))
}

// newArtifact lays out a workspace the way the fetcher does and writes the
// archive into it.
func newArtifact(t *testing.T, fileName string, data []byte) *fetch.Artifact {
	t.Helper()
	root := t.TempDir()
	ws := fetch.Workspace{
		Root:        root,
		DownloadDir: filepath.Join(root, "download"),
		ExtractDir:  filepath.Join(root, "extracted"),
	}
	require.NoError(t, os.Mkdir(ws.DownloadDir, 0o755))
	require.NoError(t, os.Mkdir(ws.ExtractDir, 0o755))

	archivePath := filepath.Join(ws.DownloadDir, fileName)
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	return &fetch.Artifact{
		Reference: source.PackageReference{
			Registry:    source.KindPyPI,
			Name:        "pkgA",
			Version:     "1.0.0",
			DownloadURL: "https://files.example/packages/" + fileName,
		},
		ArchivePath: archivePath,
		Workspace:   ws,
	}
}

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

// Package fetch downloads package archives into per-package scratch
// workspaces.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/in-toto/keysweep/internal/httpclient"
	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/source"
)

const (
	DefaultMaxSizeMB = 512
	downloadDirName  = "download"
	extractDirName   = "extracted"
	fallbackFileName = "archive"
)

// ErrTooLarge is returned when an archive exceeds the configured size.
var ErrTooLarge = errors.New("archive exceeds maximum download size")

// Workspace is the scratch area of a single package.
type Workspace struct {
	Root        string
	DownloadDir string
	ExtractDir  string
}

// Artifact is a downloaded archive. It owns its workspace until released.
type Artifact struct {
	Reference   source.PackageReference
	ArchivePath string
	Workspace   Workspace

	release sync.Once
	err     error
}

// Release removes the workspace. Calling it again is a no-op.
func (a *Artifact) Release() error {
	a.release.Do(func() {
		a.err = os.RemoveAll(a.Workspace.Root)
		if a.err != nil {
			log.Warnf("(fetch) failed to remove workspace %s: %v", a.Workspace.Root, a.err)
		}
	})

	return a.err
}

type Fetcher struct {
	client  *http.Client
	tempDir string
	maxSize int64
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithTempDir sets where workspaces are created. The system temp directory
// is used by default.
func WithTempDir(dir string) Option {
	return func(f *Fetcher) {
		f.tempDir = dir
	}
}

// WithMaxSize bounds the size of a single download in bytes.
func WithMaxSize(bytes int64) Option {
	return func(f *Fetcher) {
		f.maxSize = bytes
	}
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		maxSize: DefaultMaxSizeMB << 20,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		f.client = httpclient.New()
	}

	return f
}

// Fetch downloads ref into a fresh workspace. On error nothing is left on disk.
func (f *Fetcher) Fetch(ctx context.Context, ref source.PackageReference) (*Artifact, error) {
	ws, err := f.newWorkspace(ref)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Reference:   ref,
		ArchivePath: filepath.Join(ws.DownloadDir, archiveFileName(ref)),
		Workspace:   ws,
	}

	if err := f.download(ctx, ref.DownloadURL, artifact.ArchivePath); err != nil {
		if rerr := artifact.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("download %s: %w", ref.DownloadURL, err)
	}

	return artifact, nil
}

func (f *Fetcher) newWorkspace(ref source.PackageReference) (Workspace, error) {
	root, err := os.MkdirTemp(f.tempDir, "keysweep-"+sanitize(ref.Name)+"-")
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}

	ws := Workspace{
		Root:        root,
		DownloadDir: filepath.Join(root, downloadDirName),
		ExtractDir:  filepath.Join(root, extractDirName),
	}

	for _, dir := range []string{ws.DownloadDir, ws.ExtractDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return Workspace{}, fmt.Errorf("create workspace: %w", err)
		}
	}

	return ws, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := httpclient.CheckStatus(resp); err != nil {
		return err
	}

	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var body io.Reader = resp.Body
	if f.maxSize > 0 {
		body = io.LimitReader(resp.Body, f.maxSize+1)
	}

	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if f.maxSize > 0 && n > f.maxSize {
		return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxSize)
	}

	log.Debugf("(fetch) downloaded %d bytes to %s", n, dest)
	return nil
}

func archiveFileName(ref source.PackageReference) string {
	name := filepath.Base(ref.FileName())
	switch name {
	case "", ".", "..", "/":
		return fallbackFileName
	}

	if name == string(filepath.Separator) {
		return fallbackFileName
	}

	return name
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

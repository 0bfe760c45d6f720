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
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/in-toto/keysweep/log"
	"github.com/mholt/archives"
)

const DefaultMaxNestedDepth = 2

// ErrUnsupportedFormat is returned for files that are not a readable archive.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// errStopWalk ends a walk early without reporting an error.
var errStopWalk = errors.New("stop walking archive")

// nestedArchiveSuffixes are the entries unpacked in place, such as the
// data.tar.gz of a gem or the contents.tar.gz of a hex tarball.
var nestedArchiveSuffixes = []string{
	".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz", ".tar.zst",
	".zip", ".whl", ".egg", ".jar", ".gem",
}

// Extractor unpacks archives, including archives nested inside them.
type Extractor struct {
	maxDepth int
	spoolDir string
}

func NewExtractor(maxDepth int, spoolDir string) *Extractor {
	if maxDepth < 0 {
		maxDepth = 0
	}

	return &Extractor{maxDepth: maxDepth, spoolDir: spoolDir}
}

type entryHandler func(ctx context.Context, name string, entry archives.FileInfo) error

// Extract writes the regular files of the archive below dest. Nested
// archives are unpacked into a directory named after their entry. Entries
// that would land outside dest are skipped.
func (e *Extractor) Extract(ctx context.Context, archivePath, dest string) error {
	written := 0
	err := e.walk(ctx, archivePath, func(ctx context.Context, name string, entry archives.FileInfo) error {
		target := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			log.Debugf("(scanner/extract) cannot create directory for %s: %v", name, err)
			return nil
		}

		if fi, err := os.Lstat(target); err == nil && !fi.Mode().IsRegular() {
			log.Debugf("(scanner/extract) %s already exists and is not a file, skipping", name)
			return nil
		}

		if err := writeEntry(entry, target); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}

		written++
		return nil
	})
	if err != nil {
		return err
	}

	log.Debugf("(scanner/extract) extracted %d files from %s", written, filepath.Base(archivePath))
	return nil
}

func writeEntry(entry archives.FileInfo, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func (e *Extractor) walk(ctx context.Context, archivePath string, handle entryHandler) error {
	err := e.walkFile(ctx, archivePath, filepath.Base(archivePath), "", 0, handle)
	if errors.Is(err, errStopWalk) {
		return nil
	}

	return err
}

func (e *Extractor) walkFile(ctx context.Context, archivePath, identifyName, prefix string, depth int, handle entryHandler) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, identifyName, f)
	if errors.Is(err, archives.NoMatch) {
		return fmt.Errorf("%s: %w", identifyName, ErrUnsupportedFormat)
	} else if err != nil {
		return fmt.Errorf("identify %s: %w", identifyName, err)
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("%s (%s): %w", identifyName, format.Extension(), ErrUnsupportedFormat)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return extractor.Extract(ctx, f, func(ctx context.Context, entry archives.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if entry.IsDir() || !entry.Mode().IsRegular() {
			return nil
		}

		name, ok := entryName(prefix, entry.NameInArchive)
		if !ok {
			log.Warnf("(scanner/extract) skipping entry %q outside of %s", entry.NameInArchive, identifyName)
			return nil
		}

		if depth < e.maxDepth && isNestedArchive(name) {
			err := e.walkNested(ctx, name, depth+1, entry, handle)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, errStopWalk), ctx.Err() != nil:
				return err
			default:
				log.Debugf("(scanner/extract) treating %s as a plain file: %v", name, err)
			}
		}

		return handle(ctx, name, entry)
	})
}

// walkNested spools a nested archive to disk, since zip needs random access,
// and walks it with its entry name as prefix.
func (e *Extractor) walkNested(ctx context.Context, name string, depth int, entry archives.FileInfo, handle entryHandler) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	spool, err := os.CreateTemp(e.spoolDir, "keysweep-nested-*")
	if err != nil {
		return err
	}
	defer os.Remove(spool.Name())

	_, err = io.Copy(spool, rc)
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	return e.walkFile(ctx, spool.Name(), path.Base(name), name, depth, handle)
}

// entryName joins prefix and an entry name, rejecting names that are
// absolute or climb out of the archive root.
func entryName(prefix, name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}

	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}

	if prefix == "" {
		return cleaned, true
	}

	return path.Join(prefix, cleaned), true
}

func isNestedArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range nestedArchiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

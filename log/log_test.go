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

package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	capture := &CaptureLogger{}
	SetLogger(capture)
	t.Cleanup(func() { SetLogger(nil) })

	Infof("polled %d packages", 3)
	Debug("debug line")
	Errorf("fetch %s: %w", "pkgA", errors.New("boom"))
	Warnf("skipping %s", "pkgB")

	entries := capture.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, Entry{Level: "info", Message: "polled 3 packages"}, entries[0])
	assert.Equal(t, Entry{Level: "debug", Message: "debug line"}, entries[1])
	assert.Equal(t, Entry{Level: "error", Message: "fetch pkgA: boom"}, entries[2])
	assert.Equal(t, []string{"skipping pkgB"}, capture.Messages("warn"))
}

func TestSetLoggerNilFallsBackToSilent(t *testing.T) {
	SetLogger(nil)
	assert.IsType(t, SilentLogger{}, GetLogger())
	assert.NotPanics(t, func() { Info("nothing to see") })
}

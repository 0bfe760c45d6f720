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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTagger struct {
	rules  []string
	blocks []string
}

func (f *fakeTagger) Rules(block string) []string {
	f.blocks = append(f.blocks, block)
	return f.rules
}

func fullCheck(t *testing.T, s *Scanner, files map[string]string) []Candidate {
	t.Helper()
	artifact := newArtifact(t, "pkgA-1.0.0.tar.gz", tarGzBytes(t, files))
	promotion, err := s.QuickCheck(context.Background(), artifact)
	require.NoError(t, err)
	require.NotNil(t, promotion)

	candidates, err := s.FullCheck(context.Background(), promotion)
	require.NoError(t, err)
	return candidates
}

func TestRuleTaggerTagsCandidates(t *testing.T) {
	tagger := &fakeTagger{rules: []string{"aws-access-token"}}
	s := New(WithRuleTagger(tagger))

	candidates := fullCheck(t, s, map[string]string{
		"pkgA-1.0.0/config.py": "A='" + testAccessKey + "'\nB='" + testSecretKey + "'\n",
	})

	require.Len(t, candidates, 1)
	assert.Equal(t, []string{"aws-access-token"}, candidates[0].Rules)
	require.Len(t, tagger.blocks, 1)
	assert.Equal(t, candidates[0].Block, tagger.blocks[0])
}

func TestRuleTaggerSkippedWithoutPairs(t *testing.T) {
	tagger := &fakeTagger{rules: []string{"aws-access-token"}}
	s := New(WithRuleTagger(tagger))

	candidates := fullCheck(t, s, map[string]string{
		"pkgA-1.0.0/config.py": "A='" + testAccessKey + "'\n",
	})

	assert.Empty(t, candidates)
	assert.Empty(t, tagger.blocks)
}

func TestRuleTaggerDisabled(t *testing.T) {
	s := New(WithRuleTagger(nil))

	candidates := fullCheck(t, s, map[string]string{
		"pkgA-1.0.0/config.py": "A='" + testAccessKey + "'\nB='" + testSecretKey + "'\n",
	})

	require.Len(t, candidates, 1)
	assert.Nil(t, candidates[0].Rules)
}

func TestGitleaksTaggerBenignText(t *testing.T) {
	tagger := NewGitleaksTagger()
	assert.Nil(t, tagger.Rules("hello world\n"))
	assert.Nil(t, tagger.Rules(""))
}

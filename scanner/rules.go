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
	"fmt"
	"sort"
	"sync"

	"github.com/in-toto/keysweep/log"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// RuleTagger names the detection rules that fire on a block of text.
type RuleTagger interface {
	Rules(block string) []string
}

// GitleaksTagger tags blocks with the IDs of the default gitleaks rules that
// match them. The default configuration is parsed on first use.
type GitleaksTagger struct {
	once sync.Once
	cfg  config.Config
	err  error
}

var _ RuleTagger = &GitleaksTagger{}

func NewGitleaksTagger() *GitleaksTagger {
	return &GitleaksTagger{}
}

func (g *GitleaksTagger) load() error {
	g.once.Do(func() {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			g.err = fmt.Errorf("error creating default gitleaks detector: %w", err)
			return
		}
		g.cfg = detector.Config
	})

	return g.err
}

// Rules returns the sorted, distinct rule IDs gitleaks reports for block.
func (g *GitleaksTagger) Rules(block string) []string {
	if err := g.load(); err != nil {
		log.Warnf("(scanner/rules) %v", err)
		return nil
	}

	// a detector keeps every finding it has reported, so each block gets its own
	findings := detect.NewDetector(g.cfg).DetectBytes([]byte(block))
	if len(findings) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(findings))
	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		rules = append(rules, f.RuleID)
	}

	sort.Strings(rules)
	return rules
}

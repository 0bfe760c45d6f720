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

import "regexp"

const (
	accessKeyID = `(?:ASIA|AKIA|AROA|AIDA)([A-Z0-7]{16})`
	secretKey   = `[a-zA-Z0-9+/]{40}`
	quote       = `('|")`
)

var (
	// QuickPattern matches anything shaped like an AWS access key ID.
	QuickPattern = regexp.MustCompile(`(` + accessKeyID + `)`)

	// FullPattern matches a quoted access key ID followed within four lines
	// by a quoted 40 character secret, or a quoted secret followed within
	// three lines by a quoted access key ID. Unquoted tokens are ignored,
	// the secret shape alone is far too common.
	FullPattern = regexp.MustCompile(`(?m)(` +
		quote + `(` + accessKeyID + `)` + quote + `.*?(\n^.*?){0,4}(` + quote + secretKey + quote + `)+` +
		`|` + quote + secretKey + quote + `.*?(\n^.*?){0,3}` + quote + `(` + accessKeyID + `)` + quote + `)+`)

	accessKeyPattern = regexp.MustCompile(`(` + quote + accessKeyID + quote + `)`)
	secretKeyPattern = regexp.MustCompile(`(` + quote + `(` + secretKey + `)` + quote + `)`)
)

// fullCheckOptions widen every FullPattern hit to the four lines after each
// access key in it, so keyPairs sees every secret an access key could pair
// with and not only the first.
var fullCheckOptions = SearchOptions{
	Multiline: true,
	Anchor:    accessKeyPattern,
	Window:    4,
}

// keyPairs returns every access key and secret combination quoted in block.
func keyPairs(block string) [][2]string {
	accessKeys := accessKeyPattern.FindAllString(block, -1)
	secretKeys := secretKeyPattern.FindAllString(block, -1)

	pairs := make([][2]string, 0, len(accessKeys)*len(secretKeys))
	for _, ak := range accessKeys {
		for _, sk := range secretKeys {
			pairs = append(pairs, [2]string{trimQuotes(ak), trimQuotes(sk)})
		}
	}

	return pairs
}

func trimQuotes(s string) string {
	if len(s) < 2 {
		return s
	}

	return s[1 : len(s)-1]
}

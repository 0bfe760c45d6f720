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
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultPyPISkipPackages are among the most downloaded projects on PyPI
// (https://pypi.org/stats/). Their releases are huge, frequent and published
// by organisations that do not leak keys into them.
var DefaultPyPISkipPackages = []string{
	"tf-nightly", "tensorflow", "catboost-dev", "tensorflow-gpu", "tensorflow-io-nightly",
	"tf-nightly-gpu", "paddlepaddle-gpu", "frida", "tf-nightly-cpu", "openvisus",
	"tf-nightly-intel", "tensorflow-cpu", "torch", "tf-nightly-cpu-aws", "cupy-cuda92",
	"cupy-cuda100", "cupy-cuda90", "lalsuite", "tensorflow-rocm", "cupy-cuda91",
	"cupy-cuda101", "pyagrum-nightly", "catboost", "grpcio", "opencv-contrib-python",
	"grpcio-tools", "opencv-python", "opencv-contrib-python-headless", "scipy", "deepspeech-gpu",
	"cupy-cuda80", "pantsbuild.pants", "sickrage", "ovito", "ray",
	"pyqt5-tools", "cupy-cuda102", "panda3d", "opencv-python-headless", "paddlepaddle",
	"codeforlife-portal", "tensorflow-io-2.0-preview", "udata", "pulsar-client-sn", "cmake",
	"numpy", "pybullet", "tf-gpu", "codeintel", "ddtrace",
	"itk-core", "ccxt", "xpress", "itk-filtering", "tendenci",
	"apache-flink", "pyside2", "tensorflow-aarch64", "rasterio", "cupy-cuda111",
	"pygame", "taichi", "intel-tensorflow", "botocore", "matplotlib",
	"pulumi-azure-native", "megengine", "allennlp-pvt-nightly", "casadi", "monocdk",
	"kolibri", "cupy-cuda110", "jaxlib", "deepspeech", "ctranslate2",
	"azureml-dataprep-rslex", "tensorflow-rocm-enhanced", "spacy", "homeassistant", "pystan",
	"pyarrow", "cntk-gpu", "home-assistant-frontend", "aws-cdk-lib", "jiminy-py",
	"nimbusml", "simpleitk", "mindspore", "pandas", "h2o",
	"cityenergyanalyst", "mosek", "construct-hub", "aim", "mxnet-cu90",
	"open3d", "pyre-check-nightly", "tiledb", "mkl", "awscrt",
}

// Denylist matches package names against glob patterns such as "tf-nightly*".
// Matching is case-insensitive.
type Denylist struct {
	patterns []string
	globs    []glob.Glob
}

// NewDenylist compiles patterns. Empty patterns are ignored.
func NewDenylist(patterns []string) (*Denylist, error) {
	d := &Denylist{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}

		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid denylist pattern %q: %w", p, err)
		}

		d.patterns = append(d.patterns, p)
		d.globs = append(d.globs, g)
	}

	return d, nil
}

// Match reports whether name is denied.
func (d *Denylist) Match(name string) bool {
	if d == nil {
		return false
	}

	name = strings.ToLower(name)
	for _, g := range d.globs {
		if g.Match(name) {
			return true
		}
	}

	return false
}

// Patterns returns the normalised patterns.
func (d *Denylist) Patterns() []string {
	if d == nil {
		return nil
	}

	return append([]string(nil), d.patterns...)
}

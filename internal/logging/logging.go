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

// Package logging builds the logrus logger used by the keysweep CLI and
// installs it as the library logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/in-toto/keysweep/log"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logrus logger writing to out. The auto format uses the
// coloured text formatter when out is a terminal and JSON otherwise.
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case FormatAuto, "":
		if isTerminal(out) {
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: !isTerminal(out)})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return logger, nil
}

// Install builds a logger with New and makes it the library logger.
func Install(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger, err := New(level, format, out)
	if err != nil {
		return nil, err
	}

	log.SetLogger(logger)
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Leveled adapts the library logger to the leveled logger interface expected
// by go-retryablehttp.
type Leveled struct {
	Prefix string
}

func (l Leveled) Error(msg string, keysAndValues ...interface{}) {
	log.Errorf("%s%s %s", l.Prefix, msg, formatKV(keysAndValues))
}

func (l Leveled) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf("%s%s %s", l.Prefix, msg, formatKV(keysAndValues))
}

func (l Leveled) Debug(msg string, keysAndValues ...interface{}) {
	log.Debugf("%s%s %s", l.Prefix, msg, formatKV(keysAndValues))
}

func (l Leveled) Warn(msg string, keysAndValues ...interface{}) {
	log.Warnf("%s%s %s", l.Prefix, msg, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, "%v", kv[i])
		}
	}

	return b.String()
}

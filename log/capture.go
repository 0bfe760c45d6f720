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
	"fmt"
	"sync"
)

// CaptureLogger records every message it receives. Tests use it to assert on
// what library code reported.
type CaptureLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// Entry is a single captured message.
type Entry struct {
	Level   string
	Message string
}

func (c *CaptureLogger) add(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Level: level, Message: msg})
}

// Entries returns a copy of the captured messages in the order they were logged.
func (c *CaptureLogger) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Messages returns the captured messages logged at level.
func (c *CaptureLogger) Messages(level string) []string {
	var msgs []string
	for _, e := range c.Entries() {
		if e.Level == level {
			msgs = append(msgs, e.Message)
		}
	}

	return msgs
}

func (c *CaptureLogger) Errorf(format string, args ...interface{}) {
	c.add("error", fmt.Sprintf(format, args...))
}
func (c *CaptureLogger) Error(args ...interface{}) { c.add("error", fmt.Sprint(args...)) }
func (c *CaptureLogger) Warnf(format string, args ...interface{}) {
	c.add("warn", fmt.Sprintf(format, args...))
}
func (c *CaptureLogger) Warn(args ...interface{}) { c.add("warn", fmt.Sprint(args...)) }
func (c *CaptureLogger) Debugf(format string, args ...interface{}) {
	c.add("debug", fmt.Sprintf(format, args...))
}
func (c *CaptureLogger) Debug(args ...interface{}) { c.add("debug", fmt.Sprint(args...)) }
func (c *CaptureLogger) Infof(format string, args ...interface{}) {
	c.add("info", fmt.Sprintf(format, args...))
}
func (c *CaptureLogger) Info(args ...interface{}) { c.add("info", fmt.Sprint(args...)) }

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

// Package httpclient builds the retrying HTTP clients shared by the registry
// sources and the archive fetcher.
package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/in-toto/keysweep/internal/logging"
)

const (
	DefaultUserAgent = "keysweep (+https://github.com/in-toto/keysweep)"
	DefaultTimeout   = 60 * time.Second
	DefaultRetries   = 3
)

type options struct {
	timeout      time.Duration
	retries      int
	userAgent    string
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

type Option func(*options)

// WithTimeout bounds every request, including reading the response body.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithRetries sets how many times a failed request is retried. Zero disables retries.
func WithRetries(retries int) Option {
	return func(o *options) {
		o.retries = retries
	}
}

func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = userAgent
	}
}

func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(o *options) {
		o.retryWaitMin = minWait
		o.retryWaitMax = maxWait
	}
}

// New returns a standard *http.Client backed by go-retryablehttp. Responses
// that are still failing after the last retry are returned to the caller
// unchanged so status codes can be inspected.
func New(opts ...Option) *http.Client {
	o := &options{
		timeout:      DefaultTimeout,
		retries:      DefaultRetries,
		userAgent:    DefaultUserAgent,
		retryWaitMin: time.Second,
		retryWaitMax: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(o)
	}

	transport := cleanhttp.DefaultPooledTransport()
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: &userAgentTransport{base: transport, userAgent: o.userAgent},
	}
	client.RetryMax = o.retries
	client.RetryWaitMin = o.retryWaitMin
	client.RetryWaitMax = o.retryWaitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logging.Leveled{Prefix: "(http) "}

	std := client.StandardClient()
	std.Timeout = o.timeout
	return std
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" || req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// StatusError is returned when a server answers with an unexpected status code.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
	}

	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// CheckStatus returns a StatusError for any non-2xx response. A short prefix
// of the body is kept to help debugging registry failures.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if resp.Request != nil {
		serr.URL = resp.Request.URL.String()
	}

	return serr
}

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

// Package validator checks candidate key pairs against AWS and keeps the
// ones that authenticate.
package validator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/scanner"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	DefaultRegion   = "us-east-1"
	DefaultRate     = 5.0
	DefaultCacheTTL = time.Hour
)

// Identity is the principal a key pair belongs to.
type Identity struct {
	Arn     string
	Account string
	UserID  string
}

// IdentityChecker asks the identity provider who owns a key pair.
type IdentityChecker interface {
	WhoAmI(ctx context.Context, accessKey, secretKey, region string) (Identity, error)
}

// LiveCredential is a candidate that authenticated.
type LiveCredential struct {
	scanner.Candidate
	// Label is the last segment of the principal ARN, such as user/deploy.
	Label   string
	Arn     string
	Account string
}

type Validator struct {
	checker  IdentityChecker
	region   string
	rate     rate.Limit
	cacheTTL time.Duration
}

type Option func(*Validator)

func WithRegion(region string) Option {
	return func(v *Validator) {
		if region != "" {
			v.region = region
		}
	}
}

// WithRate limits identity checks per second. Zero or less disables the limit.
func WithRate(perSecond float64) Option {
	return func(v *Validator) {
		if perSecond <= 0 {
			v.rate = rate.Inf
			return
		}
		v.rate = rate.Limit(perSecond)
	}
}

// WithCacheTTL sets how long the outcome for a key pair is reused within a run.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Validator) {
		v.cacheTTL = ttl
	}
}

func New(checker IdentityChecker, opts ...Option) *Validator {
	v := &Validator{
		checker:  checker,
		region:   DefaultRegion,
		rate:     rate.Limit(DefaultRate),
		cacheTTL: DefaultCacheTTL,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

type checkResult struct {
	identity Identity
	err      error
}

type validation struct {
	live []LiveCredential
	err  error
}

// Validate checks the candidates one at a time, in order, on a worker that
// lives for the duration of the call. Candidates that fail the check are
// logged and dropped; only cancellation of ctx is returned as an error.
func (v *Validator) Validate(ctx context.Context, candidates []scanner.Candidate) ([]LiveCredential, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	done := make(chan validation, 1)
	go func() {
		live, err := v.validate(ctx, candidates)
		done <- validation{live: live, err: err}
	}()

	res := <-done
	return res.live, res.err
}

func (v *Validator) validate(ctx context.Context, candidates []scanner.Candidate) ([]LiveCredential, error) {
	limiter := rate.NewLimiter(v.rate, 1)
	cache := ttlcache.New[string, checkResult](
		ttlcache.WithTTL[string, checkResult](v.cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, checkResult](),
	)

	var live []LiveCredential
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return live, err
		}

		key := c.AccessKey + "\x00" + c.SecretKey
		var res checkResult
		if item := cache.Get(key); item != nil {
			res = item.Value()
		} else {
			if err := limiter.Wait(ctx); err != nil {
				return live, err
			}

			id, err := v.checker.WhoAmI(ctx, c.AccessKey, c.SecretKey, v.region)
			if err != nil && ctx.Err() != nil {
				return live, ctx.Err()
			}

			res = checkResult{identity: id, err: err}
			cache.Set(key, res, ttlcache.DefaultTTL)
		}

		if res.err != nil {
			log.Debugf("(validator) candidate %d/%d %s in %s:%d rejected: %s",
				i+1, len(candidates), MaskKey(c.AccessKey), c.Reference, c.Line, describe(res.err))
			continue
		}

		log.Infof("(validator) live credential %s for %s found in %s/%s:%d",
			MaskKey(c.AccessKey), res.identity.Arn, c.Reference, c.Path, c.Line)
		live = append(live, LiveCredential{
			Candidate: c,
			Label:     Label(res.identity.Arn),
			Arn:       res.identity.Arn,
			Account:   res.identity.Account,
		})
	}

	return live, nil
}

// Label returns the last colon separated segment of an ARN.
func Label(arn string) string {
	return arn[strings.LastIndex(arn, ":")+1:]
}

// MaskKey keeps the start of an access key ID for logging.
func MaskKey(accessKey string) string {
	if len(accessKey) <= 8 {
		return accessKey
	}

	return accessKey[:8] + strings.Repeat("*", len(accessKey)-8)
}

func describe(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}

	return err.Error()
}

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

// Package keysweep sweeps newly published packages on PyPI, RubyGems and
// Hex.pm for AWS access keys and reports the ones STS still accepts.
package keysweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/in-toto/keysweep/checkpoint"
	"github.com/in-toto/keysweep/fetch"
	"github.com/in-toto/keysweep/finding"
	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/metrics"
	"github.com/in-toto/keysweep/scanner"
	"github.com/in-toto/keysweep/source"
	"github.com/in-toto/keysweep/validator"
	"golang.org/x/sync/errgroup"
)

// Poller is the part of a source the pipeline drives.
type Poller interface {
	Kind() source.Kind
	Poll(ctx context.Context, cursor json.RawMessage, limit int) (source.Batch, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, ref source.PackageReference) (*fetch.Artifact, error)
}

type Scanner interface {
	QuickCheck(ctx context.Context, artifact *fetch.Artifact) (*scanner.Promotion, error)
	FullCheck(ctx context.Context, p *scanner.Promotion) ([]scanner.Candidate, error)
}

type Validator interface {
	Validate(ctx context.Context, candidates []scanner.Candidate) ([]validator.LiveCredential, error)
}

var (
	_ Poller    = source.Source(nil)
	_ Fetcher   = &fetch.Fetcher{}
	_ Scanner   = &scanner.Scanner{}
	_ Validator = &validator.Validator{}
)

// MaxPackageAttempts bounds the runs that try a failing package before it is
// given up on.
const MaxPackageAttempts = 3

// Stage names the pipeline step a package failed in.
type Stage string

const (
	StagePoll       Stage = "poll"
	StageFetch      Stage = "fetch"
	StageQuickCheck Stage = "quick-check"
	StageFullCheck  Stage = "full-check"
	StageValidate   Stage = "validate"
)

// PollError means a registry could not be polled. Its packages are missing
// from the run and its cursor is not committed.
type PollError struct {
	Registry source.Kind
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.Registry, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// PackageError means one package was dropped from the run.
type PackageError struct {
	Ref   source.PackageReference
	Stage Stage
	Err   error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Ref, e.Err)
}

func (e *PackageError) Unwrap() error {
	return e.Err
}

type runOptions struct {
	pollers   []Poller
	fetcher   Fetcher
	scanner   Scanner
	validator Validator
	limit     int
	workers   int
	metrics   *metrics.Recorder
}

type RunOption func(ro *runOptions)

func RunWithPollers(pollers ...Poller) RunOption {
	return func(ro *runOptions) {
		ro.pollers = pollers
	}
}

func RunWithFetcher(f Fetcher) RunOption {
	return func(ro *runOptions) {
		ro.fetcher = f
	}
}

func RunWithScanner(s Scanner) RunOption {
	return func(ro *runOptions) {
		ro.scanner = s
	}
}

func RunWithValidator(v Validator) RunOption {
	return func(ro *runOptions) {
		ro.validator = v
	}
}

// RunWithLimit caps the packages taken from each registry. Zero means no cap.
func RunWithLimit(limit int) RunOption {
	return func(ro *runOptions) {
		ro.limit = limit
	}
}

// RunWithWorkers sets how many packages are fetched and scanned at once.
func RunWithWorkers(workers int) RunOption {
	return func(ro *runOptions) {
		ro.workers = workers
	}
}

func RunWithMetrics(m *metrics.Recorder) RunOption {
	return func(ro *runOptions) {
		ro.metrics = m
	}
}

// RegistryResult is the outcome of one registry poll.
type RegistryResult struct {
	Registry source.Kind
	// Cursor is where the next run resumes from. It is nil when Err is set.
	Cursor   json.RawMessage
	Packages int
	// Retried counts the packages left pending by earlier runs that were
	// searched again.
	Retried int
	// Errors counts packages of this registry dropped by a later stage.
	Errors int
	// Pending are the dropped packages to try again on the next run.
	Pending []checkpoint.PendingPackage
	Err     error
}

type RunResult struct {
	// Registries are in the order the pollers were given.
	Registries []RegistryResult
	Candidates int
	Live       []validator.LiveCredential
	Findings   []finding.Finding
	// Errors holds every PollError and PackageError of the run.
	Errors []error
}

// Commit advances the checkpoint of every registry that was polled
// successfully, replaces its pending packages and returns those registries.
func (r RunResult) Commit(state *checkpoint.State) []source.Kind {
	var committed []source.Kind
	for _, rr := range r.Registries {
		if rr.Err != nil || rr.Cursor == nil {
			continue
		}

		state.Advance(rr.Registry, rr.Cursor, uint64(rr.Packages))
		state.SetPending(rr.Registry, rr.Pending)
		committed = append(committed, rr.Registry)
	}

	return committed
}

// Err joins the per item failures of the run.
func (r RunResult) Err() error {
	return errors.Join(r.Errors...)
}

func validateRunOpts(ro runOptions) error {
	if len(ro.pollers) == 0 {
		return errors.New("at least one source is required")
	}

	seen := make(map[source.Kind]struct{}, len(ro.pollers))
	for _, p := range ro.pollers {
		if p == nil {
			return errors.New("nil source")
		}
		if _, dup := seen[p.Kind()]; dup {
			return fmt.Errorf("source %s given more than once", p.Kind())
		}
		seen[p.Kind()] = struct{}{}
	}

	if ro.fetcher == nil {
		return errors.New("fetcher is required")
	}
	if ro.scanner == nil {
		return errors.New("scanner is required")
	}
	if ro.validator == nil {
		return errors.New("validator is required")
	}
	if ro.limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", ro.limit)
	}
	if ro.workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", ro.workers)
	}

	return nil
}

// Run polls every source from the cursors in state, fetches and scans the
// packages found, validates the candidate keys and groups the live ones into
// findings. Failures of single registries or packages are collected in the
// result. Only an invalid configuration or the cancellation of ctx is
// returned as an error, in which case nothing should be committed.
//
// state is only read. Use RunResult.Commit to advance it.
func Run(ctx context.Context, state *checkpoint.State, opts ...RunOption) (RunResult, error) {
	ro := runOptions{
		workers: runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(&ro)
	}

	if err := validateRunOpts(ro); err != nil {
		return RunResult{}, err
	}

	r := &runner{runOptions: ro}
	return r.run(ctx, state)
}

type runner struct {
	runOptions
}

type packageResult struct {
	candidates []scanner.Candidate
	err        error
}

func (r *runner) run(ctx context.Context, state *checkpoint.State) (RunResult, error) {
	var result RunResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	batches := r.poll(ctx, state)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	registryIndex := make(map[source.Kind]int, len(batches))
	attempts := make(map[source.PackageReference]int)
	var refs []source.PackageReference
	seen := make(map[source.PackageReference]struct{})
	add := func(ref source.PackageReference) bool {
		if _, dup := seen[ref]; dup {
			return false
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
		return true
	}

	for i, b := range batches {
		result.Registries = append(result.Registries, b.RegistryResult)
		registryIndex[b.Registry] = i
		if b.Err != nil {
			result.Errors = append(result.Errors, b.Err)
			continue
		}

		for _, ref := range b.packages {
			add(ref)
		}

		// pending packages stay in the state until their registry polls again
		for _, p := range state.Pending(b.Registry) {
			p.Ref.Registry = b.Registry
			attempts[p.Ref] = p.Attempts
			if add(p.Ref) {
				result.Registries[i].Retried++
			}
		}
	}

	packages := r.processAll(ctx, refs)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	var candidates []scanner.Candidate
	for i, pr := range packages {
		if pr.err != nil {
			result.Errors = append(result.Errors, pr.err)
			if idx, ok := registryIndex[refs[i].Registry]; ok {
				rr := &result.Registries[idx]
				rr.Errors++
				if n := attempts[refs[i]] + 1; n < MaxPackageAttempts {
					rr.Pending = append(rr.Pending, checkpoint.PendingPackage{Ref: refs[i], Attempts: n})
				} else {
					log.Warnf("(keysweep) giving up on %s after %d attempts", refs[i], n)
				}
			}
			continue
		}
		candidates = append(candidates, pr.candidates...)
	}
	result.Candidates = len(candidates)

	start := time.Now()
	live, err := r.validator.Validate(ctx, candidates)
	r.metrics.ObserveStage(string(StageValidate), start)
	if err != nil {
		return result, fmt.Errorf("validate candidates: %w", err)
	}

	for _, lc := range live {
		r.metrics.Live(lc.Reference.Registry.String())
	}

	result.Live = live
	result.Findings = finding.Aggregate(live)

	for _, rr := range result.Registries {
		if rr.Err != nil {
			log.Warnf("(keysweep) %s: poll failed: %v", rr.Registry, rr.Err)
			continue
		}
		log.Infof("(keysweep) %s: %d packages searched, %d retried, %d failed", rr.Registry, rr.Packages, rr.Retried, rr.Errors)
	}
	log.Infof("(keysweep) %d candidates, %d live credentials in %d findings", len(candidates), len(live), len(result.Findings))

	return result, nil
}

type polled struct {
	RegistryResult
	packages []source.PackageReference
}

// poll queries every source concurrently. Each goroutine writes only its own slot.
func (r *runner) poll(ctx context.Context, state *checkpoint.State) []polled {
	results := make([]polled, len(r.pollers))

	var g errgroup.Group
	for i, p := range r.pollers {
		g.Go(func() error {
			kind := p.Kind()
			results[i].Registry = kind

			start := time.Now()
			batch, err := p.Poll(ctx, state.Cursor(kind), r.limit)
			r.metrics.ObserveStage(string(StagePoll), start)
			if err != nil {
				r.metrics.Error(kind.String(), string(StagePoll))
				log.Errorf("(keysweep) polling %s failed: %v", kind, err)
				results[i].Err = &PollError{Registry: kind, Err: err}
				return nil
			}

			log.Debugf("(keysweep) %s returned %d packages", kind, len(batch.Packages))
			r.metrics.Polled(kind.String(), len(batch.Packages))
			results[i].Cursor = batch.Cursor
			results[i].Packages = len(batch.Packages)
			results[i].packages = batch.Packages
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// processAll fetches and scans refs on a bounded pool. The result for
// refs[i] is at index i.
func (r *runner) processAll(ctx context.Context, refs []source.PackageReference) []packageResult {
	results := make([]packageResult, len(refs))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, ref := range refs {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			candidates, err := r.process(ctx, ref)
			if err != nil {
				var perr *PackageError
				if errors.As(err, &perr) {
					r.metrics.Error(ref.Registry.String(), string(perr.Stage))
				}
				log.Errorf("(keysweep) %v", err)
			}

			results[i] = packageResult{candidates: candidates, err: err}
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// process runs one package through fetch, quick check and full check. The
// downloaded artifact is released on every path out, panics included.
func (r *runner) process(ctx context.Context, ref source.PackageReference) (candidates []scanner.Candidate, err error) {
	var artifact *fetch.Artifact
	stage := StageFetch

	defer func() {
		if artifact != nil {
			if rerr := artifact.Release(); rerr != nil {
				log.Warnf("(keysweep) failed to remove workspace of %s: %v", ref, rerr)
			}
		}

		if p := recover(); p != nil {
			candidates = nil
			err = &PackageError{Ref: ref, Stage: stage, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	start := time.Now()
	artifact, err = r.fetcher.Fetch(ctx, ref)
	r.metrics.ObserveStage(string(stage), start)
	if err != nil {
		return nil, &PackageError{Ref: ref, Stage: stage, Err: err}
	}
	r.metrics.Fetched(ref.Registry.String())

	stage = StageQuickCheck
	start = time.Now()
	promotion, err := r.scanner.QuickCheck(ctx, artifact)
	r.metrics.ObserveStage(string(stage), start)
	if err != nil {
		return nil, &PackageError{Ref: ref, Stage: stage, Err: err}
	}
	if promotion == nil {
		return nil, nil
	}
	r.metrics.Promoted(ref.Registry.String())

	stage = StageFullCheck
	start = time.Now()
	candidates, err = r.scanner.FullCheck(ctx, promotion)
	r.metrics.ObserveStage(string(stage), start)
	if err != nil {
		return nil, &PackageError{Ref: ref, Stage: stage, Err: err}
	}

	r.metrics.Candidates(ref.Registry.String(), len(candidates))
	return candidates, nil
}

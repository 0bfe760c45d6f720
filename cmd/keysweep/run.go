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

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/in-toto/keysweep"
	"github.com/in-toto/keysweep/checkpoint"
	"github.com/in-toto/keysweep/config"
	"github.com/in-toto/keysweep/fetch"
	"github.com/in-toto/keysweep/internal/httpclient"
	"github.com/in-toto/keysweep/log"
	"github.com/in-toto/keysweep/metrics"
	"github.com/in-toto/keysweep/report"
	"github.com/in-toto/keysweep/scanner"
	"github.com/in-toto/keysweep/source"
	"github.com/in-toto/keysweep/validator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRunCommand(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep new packages and report live keys",
		Long: `Poll every selected registry from its checkpoint, scan the new packages and
write one Markdown report per package with live keys. The checkpoint is only
updated with --save.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ro.load(cmd)
			if err != nil {
				return err
			}

			return runSweep(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	addRunFlags(ro.viper, cmd)
	return cmd
}

func addRunFlags(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Bool("save", false, "Write the advanced cursors back to the state file")
	flags.Int("limit", config.DefaultLimit, "Maximum packages taken from each registry, 0 for no limit")
	flags.Int("workers", 0, "Packages fetched and scanned at once, defaults to the CPU count")
	flags.String("report-dir", config.DefaultReportDir, "Directory Markdown reports are written to")
	flags.String("report-template", "", "Template file used instead of the built-in report template")
	flags.String("summary", "", "Write a JSON summary of the run to this file")
	flags.String("temp-dir", "", "Directory package workspaces are created in")
	flags.Duration("http-timeout", httpclient.DefaultTimeout, "Timeout of registry API requests")
	flags.Int("http-retries", httpclient.DefaultRetries, "Retries of failed registry API requests and downloads")
	flags.Duration("download-timeout", 10*time.Minute, "Timeout of a single package download")
	flags.Int("download-max-size-mb", fetch.DefaultMaxSizeMB, "Largest package archive downloaded, in MB")
	flags.Int("scan-max-file-size-mb", scanner.DefaultMaxFileSizeMB, "Largest file searched for keys, in MB")
	flags.Int("scan-max-nested-depth", scanner.DefaultMaxNestedDepth, "How deep archives inside archives are opened")
	flags.String("validator-region", validator.DefaultRegion, "AWS region STS is called in")
	flags.String("validator-endpoint", "", "STS endpoint override")
	flags.Float64("validator-rate", validator.DefaultRate, "STS calls per second, 0 for no limit")
	flags.Duration("validator-cache-ttl", validator.DefaultCacheTTL, "How long an STS answer for a key pair is reused")
	flags.String("metrics-textfile", "", "Write Prometheus metrics to this textfile at the end of the run")

	bind(v, flags, map[string]string{
		"save":                  "save",
		"limit":                 "limit",
		"report-dir":            "report-dir",
		"report-template":       "report-template",
		"summary":               "summary",
		"temp-dir":              "temp-dir",
		"http.timeout":          "http-timeout",
		"http.retries":          "http-retries",
		"download.timeout":      "download-timeout",
		"download.max-size-mb":  "download-max-size-mb",
		"scan.max-file-size-mb": "scan-max-file-size-mb",
		"scan.max-nested-depth": "scan-max-nested-depth",
		"validator.region":      "validator-region",
		"validator.endpoint":    "validator-endpoint",
		"validator.rate":        "validator-rate",
		"validator.cache-ttl":   "validator-cache-ttl",
		"metrics.textfile":      "metrics-textfile",
		"workers":               "workers",
	})

	addSourceFlags(v, flags)
}

// pipeline holds the components of a sweep built from the configuration.
type pipeline struct {
	pollers   []keysweep.Poller
	fetcher   *fetch.Fetcher
	scanner   *scanner.Scanner
	validator *validator.Validator
	metrics   *metrics.Recorder
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	kinds, err := cfg.Kinds()
	if err != nil {
		return nil, err
	}

	userAgent := httpclient.WithUserAgent(cfg.HTTP.UserAgent)
	retries := httpclient.WithRetries(cfg.HTTP.Retries)
	apiClient := httpclient.New(httpclient.WithTimeout(cfg.HTTP.Timeout), retries, userAgent)
	downloadClient := httpclient.New(httpclient.WithTimeout(cfg.Download.Timeout), retries, userAgent)

	p := &pipeline{}
	for _, kind := range kinds {
		s, err := source.New(kind, cfg.SourceOptions(kind), source.WithHTTPClient(apiClient))
		if err != nil {
			return nil, err
		}
		p.pollers = append(p.pollers, s)
	}

	p.fetcher = fetch.New(
		fetch.WithHTTPClient(downloadClient),
		fetch.WithTempDir(cfg.TempDir),
		fetch.WithMaxSize(int64(cfg.Download.MaxSizeMB)<<20),
	)

	p.scanner = scanner.New(
		scanner.WithMaxFileSizeMB(cfg.Scan.MaxFileSizeMB),
		scanner.WithMaxNestedDepth(cfg.Scan.MaxNestedDepth),
		scanner.WithSpoolDir(cfg.TempDir),
	)

	stsOpts := []validator.STSOption{validator.WithTimeout(cfg.HTTP.Timeout)}
	if cfg.Validator.Endpoint != "" {
		stsOpts = append(stsOpts, validator.WithEndpoint(cfg.Validator.Endpoint))
	}
	checker, err := validator.NewSTSChecker(ctx, stsOpts...)
	if err != nil {
		return nil, err
	}

	p.validator = validator.New(checker,
		validator.WithRegion(cfg.Validator.Region),
		validator.WithRate(cfg.Validator.Rate),
		validator.WithCacheTTL(cfg.Validator.CacheTTL),
	)

	if cfg.Metrics.Textfile != "" {
		p.metrics = metrics.New()
	}

	return p, nil
}

func (p *pipeline) runOptions(cfg *config.Config) []keysweep.RunOption {
	return []keysweep.RunOption{
		keysweep.RunWithPollers(p.pollers...),
		keysweep.RunWithFetcher(p.fetcher),
		keysweep.RunWithScanner(p.scanner),
		keysweep.RunWithValidator(p.validator),
		keysweep.RunWithLimit(cfg.Limit),
		keysweep.RunWithWorkers(cfg.Workers),
		keysweep.RunWithMetrics(p.metrics),
	}
}

func runSweep(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store := checkpoint.NewFileStore(cfg.State)
	state, err := store.Load(ctx)
	if err != nil {
		return err
	}

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}

	return sweep(ctx, cfg, store, state, p, out)
}

// sweep runs the pipeline, writes reports and the summary, and commits the
// polled cursors to store when the configuration asks for it.
func sweep(ctx context.Context, cfg *config.Config, store checkpoint.Store, state *checkpoint.State, p *pipeline, out io.Writer) error {
	result, err := keysweep.Run(ctx, state, p.runOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("sweep aborted: %w", err)
	}

	var renderOpts []report.RendererOption
	if cfg.ReportTemplate != "" {
		renderOpts = append(renderOpts, report.WithTemplateFile(cfg.ReportTemplate))
	}
	renderer, err := report.NewRenderer(renderOpts...)
	if err != nil {
		return err
	}

	writer, err := report.NewWriter(cfg.ReportDir, renderer)
	if err != nil {
		return err
	}

	paths, reportErr := writer.WriteAll(result.Findings)
	if reportErr != nil {
		log.Errorf("failed to write some reports: %v", reportErr)
	}

	summary := summarize(result, state, paths)
	if cfg.Summary != "" {
		if err := report.WriteSummary(cfg.Summary, summary); err != nil {
			return err
		}
	}

	p.metrics.Finish(time.Now())
	if err := p.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Errorf("%v", err)
	}

	if cfg.Save {
		result.Commit(state)
		if err := store.Save(ctx, state); err != nil {
			return err
		}
		log.Infof("checkpoint saved to %s", cfg.State)
	}

	printSummary(out, summary)
	return reportErr
}

// summarize builds the run summary. Searched totals include this run whether
// or not the checkpoint is saved.
func summarize(result keysweep.RunResult, state *checkpoint.State, reports []string) report.Summary {
	s := report.NewSummary(result.Findings)
	s.Reports = reports

	for _, rr := range result.Registries {
		previous, _ := state.Get(rr.Registry)
		rs := report.RegistrySummary{
			Packages: rr.Packages,
			Searched: previous.Stats.PackagesSearched,
			Errors:   rr.Errors,
		}

		if rr.Err != nil {
			rs.PollError = rr.Err.Error()
		} else {
			rs.Searched += uint64(rr.Packages)
		}

		s.Registries[rr.Registry] = rs
	}

	return s
}

func printSummary(out io.Writer, s report.Summary) {
	for _, kind := range s.Kinds() {
		rs := s.Registries[kind]
		if rs.PollError != "" {
			fmt.Fprintf(out, "%-9s poll failed: %s\n", kind, rs.PollError)
			continue
		}
		fmt.Fprintf(out, "%-9s %d packages searched (%d total), %d failed\n", kind, rs.Packages, rs.Searched, rs.Errors)
	}

	fmt.Fprintf(out, "%d live keys in %d packages\n", s.Credentials(), len(s.Findings))
	for _, p := range s.Reports {
		fmt.Fprintf(out, "  %s\n", p)
	}
}

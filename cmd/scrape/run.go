package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scrapeline/internal/config"
	"scrapeline/internal/fetch"
	"scrapeline/internal/pipeline"
	"scrapeline/internal/rules"
	"scrapeline/internal/storage"
)

type runFlags struct {
	config   string
	validate bool
	verbose  bool
	strict   bool
}

func newRunCmd(d *deps) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a scrape job file.",
		Long:  "Load a job file and its rule sets, fetch every target, and print one JSON line per target.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, d, f)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "path to the job file (.yaml, .yml or .json)")
	cmd.Flags().BoolVar(&f.validate, "validate", false, "validate the job and rule sets, then exit")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "exit 1 when any target fails")
	return cmd
}

// loadJob reads, overlays and validates the job and its rule sets. Every
// error is a usage error.
func loadJob(stderr io.Writer, path string) (*config.Job, map[string]*rules.RuleSet, error) {
	if path == "" {
		return nil, nil, usageErr("missing --config")
	}
	job, err := config.Load(path)
	if err != nil {
		return nil, nil, usageErr("load config: %w", err)
	}
	env, err := config.LoadEnv()
	if err != nil {
		return nil, nil, usageErr("%w", err)
	}
	job.ApplyEnv(env)
	job.WithDefaults()

	issues := config.Validate(job)
	var ruleSets map[string]*rules.RuleSet
	if job.Rules != "" {
		ruleSets, err = rules.LoadFile(job.RulesPath())
		if err != nil {
			return nil, nil, usageErr("load rules: %w", err)
		}
		issues = append(issues, config.CheckRuleSets(job, ruleSets)...)
	}
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss)
	}
	if config.HasErrors(issues) {
		return nil, nil, usageErr("configuration is invalid: %s", path)
	}
	return job, ruleSets, nil
}

func runJob(cmd *cobra.Command, d *deps, f runFlags) error {
	ctx := cmd.Context()

	job, ruleSets, err := loadJob(d.Stderr, f.config)
	if err != nil {
		return err
	}
	if f.validate {
		fmt.Fprintf(d.Stderr, "configuration is valid: %s\n", f.config)
		return nil
	}

	log, logCloser, err := setupLogger(d.Stderr, job.Log, f.verbose)
	if err != nil {
		return usageErr("logging: %w", err)
	}
	defer func() {
		_ = log.Sync()
		_ = logCloser.Close()
	}()

	stopMetrics := setupMetrics(ctx, job.Metrics, job.Name, log)
	defer stopMetrics()

	transport := d.Transport
	if transport == nil {
		transport = fetch.NewRestyTransport(fetch.RestyOptions{
			MaxRedirects:    job.Fetch.MaxRedirects,
			UserAgent:       job.Fetch.UserAgent,
			MaxConnsPerHost: job.Fetch.MaxConnsPerHost,
			Logger:          log.Named("http"),
		})
	}
	fetcher, err := fetch.New(fetch.Options{
		Transport:     transport,
		Limiter:       job.Limiter(),
		Logger:        log.Named("fetch"),
		Job:           job.Name,
		RetryStatuses: job.Fetch.RetryStatuses,
		MaxRetryAfter: job.Fetch.MaxRetryAfter.Std(),
	})
	if err != nil {
		return runtimeErr("%w", err)
	}

	items, err := job.Items(ruleSets)
	if err != nil {
		return usageErr("%w", err)
	}

	log.Info("run starting",
		zap.String("job", job.Name),
		zap.Int("targets", len(items)),
		zap.Int("concurrency", job.Concurrency),
	)
	start := d.Now()
	outcomes := pipeline.New(fetcher, log, job.Name).Run(ctx, items, job.Concurrency)

	enc := json.NewEncoder(d.Stdout)
	enc.SetEscapeHTML(false)
	for _, o := range outcomes {
		if err := enc.Encode(pipeline.ResultOf(o)); err != nil {
			return runtimeErr("encode json: %w", err)
		}
	}

	if job.Sink != nil {
		if err := emit(cmd, d, job, outcomes, log); err != nil {
			return err
		}
	}

	s := pipeline.Summarize(outcomes)
	log.Info("run finished",
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("records", s.Records),
		zap.Duration("elapsed", d.Now().Sub(start)),
	)
	if f.strict && s.Failed > 0 {
		return runtimeErr("%d of %d targets failed", s.Failed, s.Items)
	}
	return nil
}

func emit(cmd *cobra.Command, d *deps, job *config.Job, outcomes []pipeline.Outcome, log *zap.Logger) error {
	ctx := cmd.Context()
	sink, err := storage.NewSink(ctx, storage.SinkConfig{Kind: job.Sink.Kind, DSN: job.Sink.DSN, Table: job.Sink.Table})
	if err != nil {
		return runtimeErr("open sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("sink close failed", zap.Error(err))
		}
	}()

	runID := pipeline.NewRunID()
	n, err := pipeline.Emit(ctx, sink, runID, outcomes, d.Now())
	if err != nil {
		return runtimeErr("write sink: %w", err)
	}
	log.Info("sink written",
		zap.String("kind", job.Sink.Kind),
		zap.String("run_id", runID),
		zap.Int64("rows", n),
	)
	return nil
}

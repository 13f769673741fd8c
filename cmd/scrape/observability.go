package main

import (
	"context"
	"io"

	"go.uber.org/zap"

	"scrapeline/internal/config"
	"scrapeline/internal/logging"
	"scrapeline/internal/metrics"
	"scrapeline/internal/metrics/datadog"
	"scrapeline/internal/metrics/prompush"
)

// setupLogger builds the command logger on stderr plus the optional file.
// verbose forces debug.
func setupLogger(stderr io.Writer, lc config.LogConfig, verbose bool) (*zap.Logger, io.Closer, error) {
	level := lc.Level
	if verbose {
		level = "debug"
	}
	return logging.Setup(logging.Options{Level: level, File: lc.File, Stderr: stderr})
}

// setupMetrics installs the configured backend. The returned function
// flushes and detaches it; it is never nil. Backend init failures are
// logged and leave metrics disabled.
func setupMetrics(ctx context.Context, mc config.MetricsConfig, job string, log *zap.Logger) func() {
	switch mc.Backend {
	case "prompush":
		b, err := prompush.NewBackend(job, mc.PushgatewayURL)
		if err != nil {
			log.Warn("metrics: prompush init failed; metrics disabled", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled", zap.String("backend", "prompush"), zap.String("url", mc.PushgatewayURL))
		metrics.SetBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics: push failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}

	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       mc.Tags,
			FlushEvery: mc.FlushEvery.Std(),
		})
		if err != nil {
			log.Warn("metrics: datadog init failed; metrics disabled", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled", zap.String("backend", "datadog"), zap.Strings("tags", mc.Tags))
		metrics.SetBackend(b)
		return func() {
			// Close stops the flush loop and submits what is buffered.
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}

	default:
		log.Debug("metrics disabled", zap.String("backend", mc.Backend))
		return func() {}
	}
}

// Package metrics is the backend-neutral instrumentation surface.
//
// Core packages call the Record* helpers; a command picks the concrete
// backend (datadog, prompush, or none) once at startup with SetBackend.
// Until then every call lands on a no-op backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions. Keys are fixed per metric name.
type Labels map[string]string

// Backend receives raw observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names shared by every backend.
const (
	StepTotal           = "scrape_step_total"
	StepDurationSeconds = "scrape_step_duration_seconds"
	RecordsTotal        = "scrape_records_total"
	RetriesTotal        = "scrape_fetch_retries_total"

	HTTPRequestsTotal          = "scrape_http_requests_total"
	HTTPErrorsTotal            = "scrape_http_errors_total"
	HTTPRequestDurationSeconds = "scrape_http_request_duration_seconds"
	HTTPDownloadBytes          = "scrape_http_download_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nopBackend{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Flush flushes the current backend if it buffers.
func Flush() error {
	if f, ok := backend().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one pipeline stage execution and its duration.
// status is "ok" or "error".
func RecordStep(job, step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"job": job, "step": step, "status": status}
	b := backend()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records extracted for a rule set.
func RecordRecords(job, ruleSet string, n int) {
	if n <= 0 {
		return
	}
	backend().IncCounter(RecordsTotal, float64(n), Labels{"job": job, "rule_set": ruleSet})
}

// RecordRetry counts a retry scheduled by the fetcher; kind is the failure
// that caused it.
func RecordRetry(job, kind string) {
	backend().IncCounter(RetriesTotal, 1, Labels{"job": job, "kind": kind})
}

// RecordHTTP records one HTTP attempt. status 0 means no response was
// received. size < 0 skips the download histogram.
func RecordHTTP(job string, status int, err error, d time.Duration, size int64) {
	st := "unknown"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	b := backend()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 || status == 0 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	if d >= 0 {
		b.ObserveHistogram(HTTPRequestDurationSeconds, d.Seconds(), l)
	}
	if size >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(size), l)
	}
}

package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"scrapeline/internal/logging"
	"scrapeline/internal/rules"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path locates the offending key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

var sinkKinds = map[string]bool{"sqlite": true, "postgres": true, "sqlserver": true, "jsonl": true}

var metricsBackends = map[string]bool{"": true, "none": true, "datadog": true, "prompush": true}

// Validate checks a job after defaults and env overrides. It never stops at
// the first problem.
func Validate(j *Job) []Issue {
	var out []Issue
	errf := func(path, format string, args ...any) {
		out = append(out, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		out = append(out, Issue{SeverityWarning, path, fmt.Sprintf(format, args...)})
	}

	if j.Concurrency < 0 {
		errf("concurrency", "must be >= 0, got %d", j.Concurrency)
	}
	if strings.TrimSpace(j.Rules) == "" {
		errf("rules", "path to a rule-set file is required")
	}

	f := j.Fetch
	if f.Timeout < 0 {
		errf("fetch.timeout", "must be >= 0")
	}
	if f.MaxRetries != nil && *f.MaxRetries < 0 {
		errf("fetch.max_retries", "must be >= 0, got %d", *f.MaxRetries)
	}
	if f.RetryBackoff < 0 {
		errf("fetch.retry_backoff", "must be >= 0")
	}
	if f.MaxRedirects < 0 {
		errf("fetch.max_redirects", "must be >= 0, got %d", f.MaxRedirects)
	}
	if f.MaxConnsPerHost < 0 {
		errf("fetch.max_conns_per_host", "must be >= 0, got %d", f.MaxConnsPerHost)
	}
	for i, s := range f.RetryStatuses {
		p := fmt.Sprintf("fetch.retry_statuses[%d]", i)
		switch {
		case s < 100 || s > 599:
			errf(p, "not an HTTP status: %d", s)
		case s < 400:
			warnf(p, "status %d is not an error and will never be retried", s)
		}
	}
	if rl := f.RateLimit; rl.Requests < 0 {
		errf("fetch.rate_limit.requests", "must be >= 0")
	} else if rl.Requests > 0 && rl.Per <= 0 {
		errf("fetch.rate_limit.per", "must be > 0 when requests is set")
	}

	if len(j.Targets) == 0 {
		errf("targets", "at least one target is required")
	}
	for i, t := range j.Targets {
		p := fmt.Sprintf("targets[%d]", i)
		validateURL(t.URL, p+".url", errf)
		switch strings.ToUpper(t.Method) {
		case "", "GET", "POST":
		default:
			errf(p+".method", "must be GET or POST, got %q", t.Method)
		}
		if t.Body != "" && !strings.EqualFold(t.Method, "POST") {
			warnf(p+".body", "body is sent with a %s request", strings.ToUpper(orDefault(t.Method, "GET")))
		}
		if strings.TrimSpace(t.RuleSet) == "" {
			errf(p+".rule_set", "required")
		}
		if t.Timeout < 0 {
			errf(p+".timeout", "must be >= 0")
		}
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			errf(p+".max_retries", "must be >= 0")
		}
	}

	if s := j.Sink; s != nil {
		if !sinkKinds[s.Kind] {
			errf("sink.kind", "unsupported %q (want one of %s)", s.Kind, keys(sinkKinds))
		} else if s.Kind != "jsonl" && strings.TrimSpace(s.DSN) == "" {
			errf("sink.dsn", "required for %s", s.Kind)
		}
	}

	m := j.Metrics
	if !metricsBackends[m.Backend] {
		errf("metrics.backend", "unsupported %q (want datadog, prompush or none)", m.Backend)
	}
	if m.Backend == "prompush" && strings.TrimSpace(m.PushgatewayURL) == "" {
		errf("metrics.pushgateway_url", "required for prompush (or set PUSHGATEWAY_URL)")
	}
	if m.FlushEvery < 0 {
		errf("metrics.flush_every", "must be >= 0")
	}

	if j.Log.Level != "" {
		if _, err := logging.ParseLevel(j.Log.Level); err != nil {
			errf("log.level", "%v", err)
		}
	}
	return out
}

// CheckRuleSets reports targets naming rule sets absent from ruleSets.
func CheckRuleSets(j *Job, ruleSets map[string]*rules.RuleSet) []Issue {
	var out []Issue
	for i, t := range j.Targets {
		if t.RuleSet == "" {
			continue
		}
		if _, ok := ruleSets[t.RuleSet]; !ok {
			out = append(out, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("targets[%d].rule_set", i),
				Message:  fmt.Sprintf("unknown rule set %q", t.RuleSet),
			})
		}
	}
	return out
}

func validateURL(raw, path string, errf func(string, string, ...any)) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		errf(path, "required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		errf(path, "%v", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errf(path, "scheme must be http or https")
	}
	if u.Host == "" {
		errf(path, "missing host")
	}
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func keys(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

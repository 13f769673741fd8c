// Package config loads scrape job files and applies environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"scrapeline/internal/fetch"
	"scrapeline/internal/pipeline"
	"scrapeline/internal/rules"
)

// DefaultConcurrency applies when a job leaves concurrency at zero.
const DefaultConcurrency = 4

// Duration accepts Go duration strings ("1.5s") in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	return d.set(s)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.set(n.Value)
}

func (d *Duration) set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Job is one scrape job file.
type Job struct {
	Name        string        `json:"job" yaml:"job"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	Rules       string        `json:"rules" yaml:"rules"`
	Fetch       FetchConfig   `json:"fetch" yaml:"fetch"`
	Targets     []Target      `json:"targets" yaml:"targets"`
	Sink        *SinkConfig   `json:"sink,omitempty" yaml:"sink,omitempty"`
	Metrics     MetricsConfig `json:"metrics" yaml:"metrics"`
	Log         LogConfig     `json:"log" yaml:"log"`

	// dir is the directory of the job file; relative paths resolve against it.
	dir string
}

// FetchConfig holds defaults applied to every target.
type FetchConfig struct {
	Timeout         Duration          `json:"timeout" yaml:"timeout"`
	MaxRetries      *int              `json:"max_retries" yaml:"max_retries"`
	RetryBackoff    Duration          `json:"retry_backoff" yaml:"retry_backoff"`
	MaxRedirects    int               `json:"max_redirects" yaml:"max_redirects"`
	RetryStatuses   []int             `json:"retry_statuses" yaml:"retry_statuses"`
	MaxRetryAfter   Duration          `json:"max_retry_after" yaml:"max_retry_after"`
	RateLimit       RateLimit         `json:"rate_limit" yaml:"rate_limit"`
	UserAgent       string            `json:"user_agent" yaml:"user_agent"`
	MaxConnsPerHost int               `json:"max_conns_per_host" yaml:"max_conns_per_host"`
	Headers         map[string]string `json:"headers" yaml:"headers"`
}

// RateLimit allows Requests per Per with the given Burst. Zero disables it.
type RateLimit struct {
	Requests int      `json:"requests" yaml:"requests"`
	Per      Duration `json:"per" yaml:"per"`
	Burst    int      `json:"burst" yaml:"burst"`
}

// Target is one page to scrape.
type Target struct {
	URL        string            `json:"url" yaml:"url"`
	Method     string            `json:"method" yaml:"method"`
	Body       string            `json:"body" yaml:"body"`
	Headers    map[string]string `json:"headers" yaml:"headers"`
	RuleSet    string            `json:"rule_set" yaml:"rule_set"`
	Charset    string            `json:"charset" yaml:"charset"`
	Timeout    Duration          `json:"timeout" yaml:"timeout"`
	MaxRetries *int              `json:"max_retries" yaml:"max_retries"`
}

// SinkConfig selects a storage backend.
type SinkConfig struct {
	Kind  string `json:"kind" yaml:"kind"`
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table" yaml:"table"`
}

// MetricsConfig selects a metrics backend.
type MetricsConfig struct {
	Backend        string   `json:"backend" yaml:"backend"`
	Tags           []string `json:"tags" yaml:"tags"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
	FlushEvery     Duration `json:"flush_every" yaml:"flush_every"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file"`
}

// Env holds environment overrides. Empty values leave the file untouched.
type Env struct {
	Concurrency    int    `envconfig:"SCRAPE_CONCURRENCY"`
	LogLevel       string `envconfig:"SCRAPE_LOG_LEVEL"`
	LogFile        string `envconfig:"SCRAPE_LOG_FILE"`
	MetricsBackend string `envconfig:"SCRAPE_METRICS_BACKEND"`
	PushgatewayURL string `envconfig:"PUSHGATEWAY_URL"`
	DatadogTags    string `envconfig:"DD_TAGS"`
	SinkKind       string `envconfig:"SCRAPE_SINK_KIND"`
	SinkDSN        string `envconfig:"SCRAPE_SINK_DSN"`
	UserAgent      string `envconfig:"SCRAPE_USER_AGENT"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("load env: %w", err)
	}
	return e, nil
}

// Load reads a job file; the format follows the extension (.yaml, .yml,
// .json). Unknown keys are rejected.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .json)", path)
	}
	j, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	j.dir = filepath.Dir(path)
	return j, nil
}

// Decode parses a job document.
func Decode(data []byte, format string) (*Job, error) {
	var j Job
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&j); err != nil {
			return nil, err
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&j); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return &j, nil
}

// ApplyEnv overlays non-empty environment values.
func (j *Job) ApplyEnv(e Env) {
	if e.Concurrency != 0 {
		j.Concurrency = e.Concurrency
	}
	if e.LogLevel != "" {
		j.Log.Level = e.LogLevel
	}
	if e.LogFile != "" {
		j.Log.File = e.LogFile
	}
	if e.MetricsBackend != "" {
		j.Metrics.Backend = e.MetricsBackend
	}
	if e.PushgatewayURL != "" {
		j.Metrics.PushgatewayURL = e.PushgatewayURL
	}
	if e.DatadogTags != "" {
		for _, t := range strings.Split(e.DatadogTags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				j.Metrics.Tags = append(j.Metrics.Tags, t)
			}
		}
	}
	if e.SinkKind != "" || e.SinkDSN != "" {
		if j.Sink == nil {
			j.Sink = &SinkConfig{}
		}
		if e.SinkKind != "" {
			j.Sink.Kind = e.SinkKind
		}
		if e.SinkDSN != "" {
			j.Sink.DSN = e.SinkDSN
		}
	}
	if e.UserAgent != "" {
		j.Fetch.UserAgent = e.UserAgent
	}
}

// WithDefaults fills zero values.
func (j *Job) WithDefaults() {
	if j.Name == "" {
		j.Name = "scrape"
	}
	if j.Concurrency == 0 {
		j.Concurrency = DefaultConcurrency
	}
	if j.Fetch.Timeout == 0 {
		j.Fetch.Timeout = Duration(fetch.DefaultTimeout)
	}
	if j.Fetch.MaxRetries == nil {
		n := fetch.DefaultMaxRetries
		j.Fetch.MaxRetries = &n
	}
	if j.Fetch.RetryBackoff == 0 {
		j.Fetch.RetryBackoff = Duration(fetch.DefaultRetryBackoff)
	}
	if j.Fetch.MaxRedirects == 0 {
		j.Fetch.MaxRedirects = fetch.DefaultMaxRedirects
	}
	if j.Log.Level == "" {
		j.Log.Level = "info"
	}
}

// RulesPath resolves Rules against the job file's directory.
func (j *Job) RulesPath() string {
	if j.Rules == "" || filepath.IsAbs(j.Rules) || j.dir == "" {
		return j.Rules
	}
	return filepath.Join(j.dir, j.Rules)
}

// Limiter builds the configured rate limiter, or nil.
func (j *Job) Limiter() fetch.RateLimiter {
	rl := j.Fetch.RateLimit
	return fetch.NewLimiter(rl.Requests, rl.Per.Std(), rl.Burst)
}

// Items builds pipeline items in target order. Every target's rule set must
// exist in ruleSets.
func (j *Job) Items(ruleSets map[string]*rules.RuleSet) ([]pipeline.Item, error) {
	items := make([]pipeline.Item, 0, len(j.Targets))
	for i, t := range j.Targets {
		rs, ok := ruleSets[t.RuleSet]
		if !ok {
			return nil, fmt.Errorf("targets[%d]: unknown rule_set %q", i, t.RuleSet)
		}
		items = append(items, pipeline.Item{
			Request: j.request(t),
			RuleSet: rs,
			Charset: t.Charset,
		})
	}
	return items, nil
}

func (j *Job) request(t Target) fetch.Request {
	h := http.Header{}
	for k, v := range j.Fetch.Headers {
		h.Set(k, v)
	}
	for k, v := range t.Headers {
		h.Set(k, v)
	}

	r := fetch.Request{
		URL:          strings.TrimSpace(t.URL),
		Method:       strings.ToUpper(t.Method),
		Header:       h,
		Timeout:      j.Fetch.Timeout.Std(),
		RetryBackoff: j.Fetch.RetryBackoff.Std(),
	}
	if j.Fetch.MaxRetries != nil {
		r.MaxRetries = *j.Fetch.MaxRetries
	}
	if t.Body != "" {
		r.Body = []byte(t.Body)
	}
	if t.Timeout != 0 {
		r.Timeout = t.Timeout.Std()
	}
	if t.MaxRetries != nil {
		r.MaxRetries = *t.MaxRetries
	}
	return r.WithDefaults()
}

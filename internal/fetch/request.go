package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults applied by Request.WithDefaults and documented for config files.
const (
	DefaultTimeout      = 20 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second
	DefaultMaxRedirects = 5
)

// Request describes one logical retrieval. Retries reuse it unchanged.
type Request struct {
	URL    string
	Method string // GET or POST; empty means GET
	Header http.Header
	Body   []byte

	// Timeout bounds each attempt, not the whole request.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryBackoff is multiplied by the failure count before each retry.
	RetryBackoff time.Duration
}

// Response is a successful retrieval.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FinalURL is the URL after redirects.
	FinalURL string

	// Attempts counts transport attempts including the successful one.
	Attempts int
}

// ContentType returns the Content-Type header, which carries the declared
// charset handed to the parser.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// WithDefaults fills zero-valued policy fields. MaxRetries is left alone
// because zero retries is a valid choice.
func (r Request) WithDefaults() Request {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.RetryBackoff == 0 {
		r.RetryBackoff = DefaultRetryBackoff
	}
	return r
}

// Validate checks the request invariants.
func (r Request) Validate() error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(r.URL))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("url: scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("url: missing host"))
	}

	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodPost:
	default:
		errs = append(errs, fmt.Errorf("method: must be GET or POST, got %q", r.Method))
	}
	if r.Timeout <= 0 {
		errs = append(errs, errors.New("timeout: must be > 0"))
	}
	if r.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries: must be >= 0"))
	}
	if r.RetryBackoff < 0 {
		errs = append(errs, errors.New("retry_backoff: must be >= 0"))
	}
	return errors.Join(errs...)
}

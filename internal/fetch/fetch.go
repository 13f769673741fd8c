// Package fetch retrieves pages over HTTP with bounded retries, linear
// backoff, a redirect hop limit, and optional rate limiting.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"scrapeline/internal/metrics"
)

// Options configures a Fetcher. Transport is required.
type Options struct {
	Transport Transport
	Limiter   RateLimiter
	Logger    *zap.Logger

	// Job labels metrics.
	Job string

	// RetryStatuses are non-5xx statuses treated as transient. Nil means 429.
	RetryStatuses []int

	// MaxRetryAfter caps a server-provided Retry-After delay.
	MaxRetryAfter time.Duration

	sleep func(context.Context, time.Duration) bool
	now   func() time.Time
}

// Fetcher runs the retry loop around a Transport. Safe for concurrent use.
type Fetcher struct {
	transport     Transport
	limiter       RateLimiter
	log           *zap.Logger
	job           string
	retryStatuses map[int]bool
	maxRetryAfter time.Duration
	sleep         func(context.Context, time.Duration) bool
	now           func() time.Time
}

// New returns a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.Transport == nil {
		return nil, errors.New("fetch: transport is required")
	}
	f := &Fetcher{
		transport:     opts.Transport,
		limiter:       opts.Limiter,
		log:           opts.Logger,
		job:           opts.Job,
		retryStatuses: map[int]bool{},
		maxRetryAfter: opts.MaxRetryAfter,
		sleep:         opts.sleep,
		now:           opts.now,
	}
	if f.log == nil {
		f.log = zap.NewNop()
	}
	if f.job == "" {
		f.job = "scrape"
	}
	statuses := opts.RetryStatuses
	if statuses == nil {
		statuses = []int{http.StatusTooManyRequests}
	}
	for _, s := range statuses {
		f.retryStatuses[s] = true
	}
	if f.maxRetryAfter <= 0 {
		f.maxRetryAfter = 60 * time.Second
	}
	if f.sleep == nil {
		f.sleep = sleepContext
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Fetch retrieves req, retrying transient failures up to req.MaxRetries
// times. It returns either a Response or an *Error, never both.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: InvalidRequest, URL: req.URL, Message: err.Error(), Cause: err}
	}
	req.Method = strings.ToUpper(req.Method)

	var (
		attempts int
		failures int
		last     *Error
	)
	state := Pending

	for {
		if err := ctx.Err(); err != nil {
			return nil, f.cancelled(req.URL, attempts, err)
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, f.cancelled(req.URL, attempts, err)
			}
		}

		state = Attempting
		attempts++
		resp, ferr, retryAfter := f.attempt(ctx, &req)
		if ferr == nil {
			state = next(state, outcomeSuccess, failures, req.MaxRetries)
			resp.Attempts = attempts
			f.log.Debug("fetch succeeded",
				zap.String("url", req.URL),
				zap.String("final_url", resp.FinalURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempts", attempts),
				zap.Stringer("state", state),
			)
			return resp, nil
		}
		ferr.Attempts = attempts

		out := outcomeFatal
		if ferr.Kind.Transient() {
			out = outcomeTransient
			failures++
		}
		state = next(state, out, failures, req.MaxRetries)

		switch state {
		case Failed:
			if ferr.Kind == Cancelled {
				return nil, ferr
			}
			f.log.Warn("fetch failed",
				zap.String("url", req.URL),
				zap.Stringer("kind", ferr.Kind),
				zap.Int("status", ferr.StatusCode),
				zap.Int("attempts", attempts),
				zap.Error(ferr.Cause),
			)
			return nil, ferr

		case Exhausted:
			f.log.Warn("fetch retries exhausted",
				zap.String("url", req.URL),
				zap.Int("attempts", attempts),
				zap.Error(ferr),
			)
			return nil, &Error{
				Kind:       ExhaustedRetries,
				URL:        req.URL,
				Message:    ferr.Kind.String(),
				Attempts:   attempts,
				StatusCode: ferr.StatusCode,
				Cause:      ferr,
			}

		case Retrying:
			last = ferr
			wait := req.RetryBackoff * time.Duration(failures)
			if retryAfter > wait {
				wait = retryAfter
			}
			metrics.RecordRetry(f.job, last.Kind.String())
			f.log.Info("fetch retrying",
				zap.String("url", req.URL),
				zap.Stringer("kind", last.Kind),
				zap.Int("status", last.StatusCode),
				zap.Int("failures", failures),
				zap.Duration("backoff", wait),
			)
			if !f.sleep(ctx, wait) {
				return nil, f.cancelled(req.URL, attempts, ctx.Err())
			}
		}
	}
}

// attempt performs one transport call and classifies the result. The
// returned duration is a server-requested delay, zero if none.
func (f *Fetcher) attempt(ctx context.Context, req *Request) (*Response, *Error, time.Duration) {
	actx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := f.now()
	resp, err := f.transport.Do(actx, req)
	elapsed := f.now().Sub(start)

	if err != nil {
		metrics.RecordHTTP(f.job, 0, err, elapsed, -1)
		return nil, f.classifyErr(ctx, req.URL, err), 0
	}

	var callErr error
	if resp.StatusCode >= 400 {
		callErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	metrics.RecordHTTP(f.job, resp.StatusCode, callErr, elapsed, int64(len(resp.Body)))

	switch {
	case resp.StatusCode < 400:
		if resp.FinalURL == "" {
			resp.FinalURL = req.URL
		}
		return resp, nil, 0

	case resp.StatusCode >= 500 || f.retryStatuses[resp.StatusCode]:
		ra := parseRetryAfter(resp.Header, f.now())
		if ra > f.maxRetryAfter {
			ra = f.maxRetryAfter
		}
		return nil, &Error{
			Kind:       ConnectionError,
			URL:        req.URL,
			Message:    http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Cause:      callErr,
		}, ra

	default:
		return nil, &Error{
			Kind:       ClientError,
			URL:        req.URL,
			Message:    http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Cause:      callErr,
		}, 0
	}
}

// classifyErr maps a transport error to a Kind. ctx is the caller's
// context, not the per-attempt one.
func (f *Fetcher) classifyErr(ctx context.Context, rawURL string, err error) *Error {
	e := &Error{URL: rawURL, Message: err.Error(), Cause: err}

	var nerr net.Error
	switch {
	case ctx.Err() != nil:
		e.Kind = Cancelled
	case errors.Is(err, ErrTooManyRedirects):
		e.Kind = TooManyRedirects
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = Timeout
	case errors.As(err, &nerr) && nerr.Timeout():
		e.Kind = Timeout
	default:
		e.Kind = ConnectionError
	}
	return e
}

func (f *Fetcher) cancelled(rawURL string, attempts int, cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return &Error{Kind: Cancelled, URL: rawURL, Message: cause.Error(), Attempts: attempts, Cause: cause}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// scripted replays a fixed list of results, one per call.
type scripted struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*Response, error)
	calls int
}

func (s *scripted) Do(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.steps) {
		return nil, errors.New("unexpected call")
	}
	return s.steps[i](ctx)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok(body string) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) {
		return &Response{StatusCode: 200, Header: http.Header{}, Body: []byte(body)}, nil
	}
}

func status(code int, h http.Header) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) {
		if h == nil {
			h = http.Header{}
		}
		return &Response{StatusCode: code, Header: h}, nil
	}
}

func timeout() func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) {
		return nil, context.DeadlineExceeded
	}
}

// sleepRecorder replaces the backoff sleep.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func newTestFetcher(t *testing.T, tr Transport, rec *sleepRecorder) *Fetcher {
	t.Helper()
	f, err := New(Options{Transport: tr, sleep: rec.sleep})
	require.NoError(t, err)
	return f
}

func req(maxRetries int) Request {
	return Request{
		URL:          "http://example.test/page",
		MaxRetries:   maxRetries,
		RetryBackoff: 100 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func TestFetch_TimeoutTwiceThenSuccess(t *testing.T) {
	t.Parallel()

	tr := &scripted{steps: []func(context.Context) (*Response, error){timeout(), timeout(), ok("<p>hi</p>")}}
	rec := &sleepRecorder{}
	f := newTestFetcher(t, tr, rec)

	resp, err := f.Fetch(context.Background(), req(2))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, "<p>hi</p>", string(resp.Body))
	assert.Equal(t, "http://example.test/page", resp.FinalURL)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestFetch_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	tr := &scripted{steps: []func(context.Context) (*Response, error){status(404, nil), ok("never")}}
	f := newTestFetcher(t, tr, &sleepRecorder{})

	resp, err := f.Fetch(context.Background(), req(3))
	require.Nil(t, resp)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ClientError, fe.Kind)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, 404, fe.StatusCode)
	assert.Equal(t, 1, tr.Calls())
}

func TestFetch_ServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()

	tr := &scripted{steps: []func(context.Context) (*Response, error){status(503, nil), status(502, nil)}}
	f := newTestFetcher(t, tr, &sleepRecorder{})

	_, err := f.Fetch(context.Background(), req(1))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ExhaustedRetries, fe.Kind)
	assert.Equal(t, 2, fe.Attempts)
	assert.Equal(t, 502, fe.StatusCode)

	var cause *Error
	require.ErrorAs(t, fe.Cause, &cause)
	assert.Equal(t, ConnectionError, cause.Kind)
}

func TestFetch_ZeroRetries(t *testing.T) {
	t.Parallel()

	tr := &scripted{steps: []func(context.Context) (*Response, error){timeout()}}
	rec := &sleepRecorder{}
	f := newTestFetcher(t, tr, rec)

	_, err := f.Fetch(context.Background(), req(0))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ExhaustedRetries, kind)
	assert.Empty(t, rec.delays)
	assert.Equal(t, 1, tr.Calls())
}

func TestFetch_RetryAfterExtendsBackoff(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Retry-After", "3")
	tr := &scripted{steps: []func(context.Context) (*Response, error){status(429, h), ok("done")}}
	rec := &sleepRecorder{}
	f := newTestFetcher(t, tr, rec)

	resp, err := f.Fetch(context.Background(), req(2))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.delays)
}

func TestFetch_RetryAfterIsCapped(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Retry-After", "3600")
	tr := &scripted{steps: []func(context.Context) (*Response, error){status(503, h), ok("done")}}
	rec := &sleepRecorder{}
	f, err := New(Options{Transport: tr, sleep: rec.sleep, MaxRetryAfter: 5 * time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), req(1))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.delays)
}

func TestFetch_CustomRetryStatuses(t *testing.T) {
	t.Parallel()

	tr := &scripted{steps: []func(context.Context) (*Response, error){status(429, nil)}}
	f, err := New(Options{Transport: tr, RetryStatuses: []int{}, sleep: (&sleepRecorder{}).sleep})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), req(3))
	kind, _ := KindOf(err)
	assert.Equal(t, ClientError, kind)
	assert.Equal(t, 1, tr.Calls())
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	tr := &scripted{steps: []func(context.Context) (*Response, error){timeout(), ok("late")}}
	f, err := New(Options{
		Transport: tr,
		sleep: func(context.Context, time.Duration) bool {
			cancel()
			return false
		},
	})
	require.NoError(t, err)

	_, err = f.Fetch(ctx, req(3))
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, Cancelled, fe.Kind)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, 1, tr.Calls())
}

func TestFetch_AlreadyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &scripted{}
	f := newTestFetcher(t, tr, &sleepRecorder{})

	_, err := f.Fetch(ctx, req(3))
	kind, _ := KindOf(err)
	assert.Equal(t, Cancelled, kind)
	assert.Zero(t, tr.Calls())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch_InvalidRequest(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, &scripted{}, &sleepRecorder{})
	cases := []Request{
		{URL: "ftp://example.test/x"},
		{URL: "http:///nohost"},
		{URL: "http://example.test", Method: "DELETE"},
		{URL: "http://example.test", MaxRetries: -1},
	}
	for _, r := range cases {
		_, err := f.Fetch(context.Background(), r)
		kind, _ := KindOf(err)
		assert.Equal(t, InvalidRequest, kind, r.URL)
	}
}

func TestFetch_LimiterCancellation(t *testing.T) {
	t.Parallel()

	// Burst of one: the first Wait succeeds, the second would block for an hour.
	lim := rate.NewLimiter(Per(1, time.Hour), 1)
	tr := &scripted{steps: []func(context.Context) (*Response, error){ok("a"), ok("b")}}
	f, err := New(Options{Transport: tr, Limiter: lim})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), req(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, req(0))
	kind, _ := KindOf(err)
	assert.Equal(t, Cancelled, kind)
	assert.Equal(t, 1, tr.Calls())
}

func TestNew_RequiresTransport(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		from       State
		o          outcome
		failures   int
		maxRetries int
		want       State
	}{
		{"success", Attempting, outcomeSuccess, 0, 3, Succeeded},
		{"first_transient", Attempting, outcomeTransient, 1, 3, Retrying},
		{"last_allowed_retry", Attempting, outcomeTransient, 3, 3, Retrying},
		{"over_limit", Attempting, outcomeTransient, 4, 3, Exhausted},
		{"no_retries", Attempting, outcomeTransient, 1, 0, Exhausted},
		{"fatal", Attempting, outcomeFatal, 0, 3, Failed},
		{"terminal_sticks", Failed, outcomeSuccess, 0, 3, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := next(tt.from, tt.o, tt.failures, tt.maxRetries)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-2", 0},
		{"nonsense", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.in != "" {
			h.Set("Retry-After", tt.in)
		}
		assert.Equal(t, tt.want, parseRetryAfter(h, now), tt.in)
	}
}

func TestRestyTransport_RedirectLoop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	f, err := New(Options{Transport: NewRestyTransport(RestyOptions{MaxRedirects: 3})})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), Request{URL: srv.URL + "/start", MaxRetries: 2})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, TooManyRedirects, fe.Kind)
	assert.Equal(t, 1, fe.Attempts)
}

func TestRestyTransport_RedirectThenSuccess(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scrapeline-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>moved</body></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := New(Options{Transport: NewRestyTransport(RestyOptions{UserAgent: "scrapeline-test"})})
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/old"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", resp.FinalURL)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.ContentType(), "charset=utf-8")
	assert.True(t, strings.Contains(string(resp.Body), "moved"))
}

func TestRestyTransport_PostBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		assert.Equal(t, "q=books", buf.String())
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, err := New(Options{Transport: NewRestyTransport(RestyOptions{})})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.Fetch(context.Background(), Request{
		URL:    srv.URL,
		Method: "post",
		Header: h,
		Body:   []byte("q=books"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestRestyTransport_PerAttemptTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &sleepRecorder{}
	f, err := New(Options{Transport: NewRestyTransport(RestyOptions{}), sleep: rec.sleep})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), Request{URL: srv.URL, Timeout: 30 * time.Millisecond, MaxRetries: 1})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ExhaustedRetries, fe.Kind)
	assert.Equal(t, 2, fe.Attempts)
	kind, _ := KindOf(fe.Cause)
	assert.Equal(t, Timeout, kind)
}

func TestMulti(t *testing.T) {
	t.Parallel()

	slow := rate.NewLimiter(Per(1, time.Second), 1)
	fast := rate.NewLimiter(Per(100, time.Second), 1)
	m := Multi(fast, slow)
	assert.Equal(t, slow.Limit(), m.Limit())
	require.NoError(t, m.Wait(context.Background()))

	assert.Nil(t, NewLimiter(0, time.Second, 1))
	assert.NotNil(t, NewLimiter(5, time.Second, 0))
}

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Transport performs a single HTTP attempt. Non-2xx statuses are returned
// as responses, not errors; redirect hop exhaustion wraps ErrTooManyRedirects.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// RestyOptions configures NewRestyTransport.
type RestyOptions struct {
	MaxRedirects    int
	UserAgent       string
	MaxConnsPerHost int
	Logger          *zap.Logger
}

// RestyTransport is the production Transport.
type RestyTransport struct {
	client *resty.Client
}

// NewRestyTransport builds a resty client with its own retry loop disabled.
func NewRestyTransport(opts RestyOptions) *RestyTransport {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 16
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
	}

	maxHops := opts.MaxRedirects
	c := resty.New().
		SetTransport(transport).
		SetRetryCount(0).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxHops {
				return fmt.Errorf("%w: stopped after %d hops", ErrTooManyRedirects, maxHops)
			}
			return nil
		}))
	if opts.UserAgent != "" {
		c.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Logger != nil {
		c.SetLogger(opts.Logger.Sugar())
	}
	return &RestyTransport{client: c}
}

// Do issues one attempt.
func (t *RestyTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	r := t.client.R().SetContext(ctx)
	if len(req.Header) > 0 {
		r.SetHeaderMultiValues(req.Header)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, err
	}

	final := req.URL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		final = raw.Request.URL.String()
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
		FinalURL:   final,
	}, nil
}

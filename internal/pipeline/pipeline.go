// Package pipeline runs fetch, parse and extract for many items on a
// bounded worker pool and reports one outcome per item in input order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scrapeline/internal/document"
	"scrapeline/internal/engine"
	"scrapeline/internal/fetch"
	"scrapeline/internal/metrics"
	"scrapeline/internal/rules"
)

// Item is one unit of work.
type Item struct {
	Request fetch.Request
	RuleSet *rules.RuleSet

	// Charset overrides the response's declared charset when set.
	Charset string
}

// ErrorKind names the stage that failed.
type ErrorKind int

const (
	NoError ErrorKind = iota
	FetchFailed
	ParseFailed
	ExtractionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return ""
	case FetchFailed:
		return "FetchFailed"
	case ParseFailed:
		return "ParseFailed"
	case ExtractionFailed:
		return "ExtractionFailed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Outcome is the result for the item at Index.
type Outcome struct {
	Index    int
	URL      string
	FinalURL string
	RuleSet  string
	Records  []engine.Record

	// Error is NoError on success; Cause holds the underlying error otherwise.
	Error ErrorKind
	Cause error

	Attempts int
	Duration time.Duration
}

// OK reports whether the item succeeded.
func (o Outcome) OK() bool { return o.Error == NoError }

// Fetcher is satisfied by *fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Pipeline holds the shared, read-only collaborators.
type Pipeline struct {
	fetcher Fetcher
	log     *zap.Logger
	job     string
	now     func() time.Time
}

// New returns a Pipeline. A nil logger discards logs.
func New(f Fetcher, log *zap.Logger, job string) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if job == "" {
		job = "scrape"
	}
	return &Pipeline{fetcher: f, log: log.Named("pipeline"), job: job, now: time.Now}
}

// Run processes items with at most concurrency in flight. Outcome i always
// describes items[i]. Items never started because ctx ended are reported as
// FetchFailed with a Cancelled fetch error.
func (p *Pipeline) Run(ctx context.Context, items []Item, concurrency int) []Outcome {
	if concurrency < 1 {
		concurrency = 1
	}
	outcomes := make([]Outcome, len(items))
	started := make([]bool, len(items))

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		i := i
		g.Go(func() error {
			outcomes[i] = p.process(ctx, i, items[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range items {
		if started[i] {
			continue
		}
		outcomes[i] = Outcome{
			Index:   i,
			URL:     items[i].Request.URL,
			RuleSet: ruleSetID(items[i].RuleSet),
			Error:   FetchFailed,
			Cause:   &fetch.Error{Kind: fetch.Cancelled, URL: items[i].Request.URL, Message: "not started", Cause: ctx.Err()},
		}
	}

	s := Summarize(outcomes)
	p.log.Info("run complete",
		zap.String("job", p.job),
		zap.Int("items", s.Items),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("records", s.Records),
	)
	return outcomes
}

// process runs the three stages for one item. The context is checked
// between stages.
func (p *Pipeline) process(ctx context.Context, i int, it Item) Outcome {
	start := p.now()
	out := Outcome{Index: i, URL: it.Request.URL, RuleSet: ruleSetID(it.RuleSet)}
	fail := func(kind ErrorKind, err error) Outcome {
		out.Error = kind
		out.Cause = err
		out.Records = nil
		out.Duration = p.now().Sub(start)
		p.log.Warn("item failed",
			zap.Int("index", i),
			zap.String("url", out.URL),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(FetchFailed, &fetch.Error{Kind: fetch.Cancelled, URL: out.URL, Message: err.Error(), Cause: err})
	}
	if it.RuleSet == nil {
		return fail(ExtractionFailed, errors.New("pipeline: item has no rule set"))
	}

	t := p.now()
	resp, err := p.fetcher.Fetch(ctx, it.Request)
	metrics.RecordStep(p.job, "fetch", err, p.now().Sub(t))
	if err != nil {
		var fe *fetch.Error
		if errors.As(err, &fe) {
			out.Attempts = fe.Attempts
		}
		return fail(FetchFailed, err)
	}
	out.Attempts = resp.Attempts
	out.FinalURL = resp.FinalURL

	if err := ctx.Err(); err != nil {
		return fail(FetchFailed, &fetch.Error{Kind: fetch.Cancelled, URL: out.URL, Attempts: out.Attempts, Message: err.Error(), Cause: err})
	}

	declared := it.Charset
	if declared == "" {
		declared = resp.ContentType()
	}
	t = p.now()
	doc, err := document.Parse(resp.Body, declared, resp.FinalURL)
	metrics.RecordStep(p.job, "parse", err, p.now().Sub(t))
	if err != nil {
		return fail(ParseFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(FetchFailed, &fetch.Error{Kind: fetch.Cancelled, URL: out.URL, Attempts: out.Attempts, Message: err.Error(), Cause: err})
	}

	t = p.now()
	records, err := engine.Extract(doc, it.RuleSet)
	metrics.RecordStep(p.job, "extract", err, p.now().Sub(t))
	if err != nil {
		return fail(ExtractionFailed, err)
	}
	metrics.RecordRecords(p.job, it.RuleSet.ID, len(records))

	out.Records = records
	out.Duration = p.now().Sub(start)
	p.log.Debug("item done",
		zap.Int("index", i),
		zap.String("url", out.URL),
		zap.Int("records", len(records)),
		zap.Duration("duration", out.Duration),
	)
	return out
}

func ruleSetID(rs *rules.RuleSet) string {
	if rs == nil {
		return ""
	}
	return rs.ID
}

// Summary counts a run's outcomes.
type Summary struct {
	Items     int
	Succeeded int
	Failed    int
	Records   int
	ByKind    map[ErrorKind]int
}

// Summarize tallies outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Items: len(outcomes), ByKind: map[ErrorKind]int{}}
	for _, o := range outcomes {
		if o.OK() {
			s.Succeeded++
			s.Records += len(o.Records)
			continue
		}
		s.Failed++
		s.ByKind[o.Error]++
	}
	return s
}

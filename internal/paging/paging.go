// Package paging expands extracted listing records into page URLs.
//
// A listing record carries a link to a category and the number of items in
// it. Expand turns each into the category URL plus one URL per additional
// page, so the output can seed another scrape run.
package paging

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"scrapeline/internal/document"
	"scrapeline/internal/engine"
)

const (
	DefaultHrefField  = "href"
	DefaultCountField = "count"
	DefaultPerPage    = 25
	DefaultFormat     = "%s/%d"
)

type Options struct {
	HrefField  string
	CountField string
	PerPage    int

	// Format builds page N (N >= 2) from the href with trailing slashes
	// trimmed. It receives the href then the page number.
	Format string

	// Base resolves relative hrefs. Optional.
	Base *url.URL
}

func (o Options) withDefaults() Options {
	if o.HrefField == "" {
		o.HrefField = DefaultHrefField
	}
	if o.CountField == "" {
		o.CountField = DefaultCountField
	}
	if o.PerPage == 0 {
		o.PerPage = DefaultPerPage
	}
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	return o
}

// Expand returns the unique page URLs for records, first occurrence first.
//
//   - records without an href are skipped
//   - a missing count, or one without digits, emits only the href
//   - count is rounded up to whole pages
func Expand(records []engine.Record, opts Options) ([]string, error) {
	opts = opts.withDefaults()
	if opts.PerPage < 0 {
		return nil, errors.New("paging: per-page must be > 0")
	}
	if strings.Count(opts.Format, "%") != 2 {
		return nil, fmt.Errorf("paging: format %q must hold exactly two verbs", opts.Format)
	}

	var out []string
	seen := make(map[string]struct{}, len(records)*2)
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for i, rec := range records {
		href, ok := rec.Get(opts.HrefField)
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			continue
		}
		if opts.Base != nil {
			href = document.ResolveHref(opts.Base, href)
		}
		href = strings.TrimRight(href, "/")
		add(href)

		raw, _ := rec.Get(opts.CountField)
		count, ok, err := ParseCount(raw)
		if err != nil {
			return nil, fmt.Errorf("paging: record %d: bad count %q: %w", i, raw, err)
		}
		if !ok {
			continue
		}
		pages := (count + opts.PerPage - 1) / opts.PerPage
		for p := 2; p <= pages; p++ {
			add(fmt.Sprintf(opts.Format, href, p))
		}
	}
	return out, nil
}

var reDigitGroups = regexp.MustCompile(`\d+`)

// ParseCount joins the digit groups of s, so "(1 096 books)" is 1096.
// ok is false when s holds no digits.
func ParseCount(s string) (n int, ok bool, err error) {
	parts := reDigitGroups.FindAllString(s, -1)
	if len(parts) == 0 {
		return 0, false, nil
	}
	n, err = strconv.Atoi(strings.Join(parts, ""))
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

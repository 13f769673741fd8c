// Package document turns raw markup bytes into a navigable tree.
//
// Parsing is lenient: any byte stream that can be read and decoded yields a
// document, however broken the markup. Only read or decode failures produce a
// *ParseError.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"scrapeline/internal/rules"
)

// ParseErrorKind classifies parse failures.
type ParseErrorKind int

const (
	// Malformed means the byte stream could not be read or decoded.
	Malformed ParseErrorKind = iota + 1
)

func (k ParseErrorKind) String() string {
	if k == Malformed {
		return "Malformed"
	}
	return fmt.Sprintf("ParseErrorKind(%d)", int(k))
}

// ParseError is returned by Parse when no document can be built.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Document is a parsed page. It is created per fetch and not shared.
type Document struct {
	doc *goquery.Document

	// BaseURL resolves relative attribute values. It may be nil.
	BaseURL *url.URL

	// Charset is the encoding the bytes were decoded from.
	Charset string
}

// Parse decodes body using the first usable charset among declaredCharset,
// the document's own declaration, a statistical guess and UTF-8, then builds
// the tree. baseURL may be empty; an unparsable baseURL is ignored.
func Parse(body []byte, declaredCharset, baseURL string) (*Document, error) {
	enc := resolveEncoding(body, declaredCharset)

	utf8Body, err := decode(body, enc)
	if err != nil {
		return nil, &ParseError{Kind: Malformed, Err: fmt.Errorf("decode %s: %w", enc.name, err)}
	}

	root, err := html.Parse(bytes.NewReader(utf8Body))
	if err != nil {
		return nil, &ParseError{Kind: Malformed, Err: err}
	}

	d := &Document{
		doc:     goquery.NewDocumentFromNode(root),
		Charset: enc.name,
	}
	if strings.TrimSpace(baseURL) != "" {
		if u, err := url.Parse(baseURL); err == nil {
			d.BaseURL = u
		}
	}
	return d, nil
}

// ParseReader reads r fully and calls Parse.
func ParseReader(r io.Reader, declaredCharset, baseURL string) (*Document, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Kind: Malformed, Err: fmt.Errorf("read: %w", err)}
	}
	return Parse(body, declaredCharset, baseURL)
}

// ParseString parses already-decoded UTF-8 markup.
func ParseString(markup, baseURL string) (*Document, error) {
	return Parse([]byte(markup), "utf-8", baseURL)
}

// Root returns the document root as a selection scope.
func (d *Document) Root() *goquery.Selection {
	return d.doc.Selection
}

// Select returns the nodes matching expr under scope, in document order.
// The expression "." selects scope itself. CSS selectors match descendants
// only; XPath expressions are evaluated with scope as context node.
func (d *Document) Select(scope *goquery.Selection, kind rules.SelectorKind, expr string) (*goquery.Selection, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty selector")
	}
	if expr == "." {
		return scope, nil
	}

	switch kind {
	case rules.XPath:
		return d.selectXPath(scope, expr)
	default:
		return selectCSS(scope, expr)
	}
}

// selectCSS compiles the selector up front so syntax errors are reported
// instead of silently matching nothing.
func selectCSS(scope *goquery.Selection, expr string) (*goquery.Selection, error) {
	m, err := cascadia.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid css selector %q: %w", expr, err)
	}
	return scope.FindMatcher(m), nil
}

func (d *Document) selectXPath(scope *goquery.Selection, expr string) (*goquery.Selection, error) {
	var nodes []*html.Node
	seen := make(map[*html.Node]struct{})
	for _, n := range scope.Nodes {
		found, err := htmlquery.QueryAll(n, expr)
		if err != nil {
			return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
		}
		for _, f := range found {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			nodes = append(nodes, f)
		}
	}
	return d.doc.Selection.Slice(0, 0).AddNodes(nodes...), nil
}

// Resolve makes ref absolute against BaseURL. Invalid refs, and any ref when
// BaseURL is nil, are returned unchanged.
func (d *Document) Resolve(ref string) string {
	return ResolveHref(d.BaseURL, ref)
}

// ResolveHref resolves href against base, returning an absolute URL string.
// If href is invalid, it is returned unchanged.
func ResolveHref(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

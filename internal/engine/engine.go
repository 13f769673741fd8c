// Package engine applies rule sets to parsed documents.
//
// Evaluation is pure: no I/O, no shared state. The same document and rule
// set always produce the same records in the same order.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"scrapeline/internal/document"
	"scrapeline/internal/rules"
)

// ExtractionErrorKind classifies record-level failures.
type ExtractionErrorKind int

const (
	// RequiredFieldMissing: a required field did not match in single-record mode.
	RequiredFieldMissing ExtractionErrorKind = iota + 1
	// InvalidSelector: the root selector could not be compiled.
	InvalidSelector
)

func (k ExtractionErrorKind) String() string {
	switch k {
	case RequiredFieldMissing:
		return "RequiredFieldMissing"
	case InvalidSelector:
		return "InvalidSelector"
	default:
		return fmt.Sprintf("ExtractionErrorKind(%d)", int(k))
	}
}

// ExtractionError is returned by Extract.
type ExtractionError struct {
	Kind    ExtractionErrorKind
	RuleSet string
	Field   string
	Err     error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extract %q: %s", e.RuleSet, e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ErrNoMatch is the diagnostic for a selector that matched nothing.
var ErrNoMatch = errors.New("selector matched nothing")

// ErrNoAttribute is the diagnostic for a node lacking the requested attribute.
var ErrNoAttribute = errors.New("attribute absent")

// Evaluation is the outcome of one rule against one scope.
type Evaluation struct {
	Value   string
	Matched bool
	// Diagnostic explains Matched=false. Nil when matched.
	Diagnostic error
}

// Evaluate runs rule against scope and extracts from the first match.
func Evaluate(doc *document.Document, rule rules.SelectorRule, scope *goquery.Selection) Evaluation {
	sel, err := doc.Select(scope, rule.Kind, rule.Selector)
	if err != nil {
		return Evaluation{Diagnostic: err}
	}
	node := sel.First()
	if node.Length() == 0 {
		return Evaluation{Diagnostic: fmt.Errorf("%w: %q", ErrNoMatch, rule.Selector)}
	}

	raw, err := extractMode(node, rule)
	if err != nil {
		return Evaluation{Diagnostic: err}
	}
	if rule.Mode == rules.Attribute && rule.Resolve {
		raw = doc.Resolve(raw)
	}

	if rule.Transform != nil {
		v, err := rule.Transform(raw)
		if err != nil {
			return Evaluation{Diagnostic: fmt.Errorf("transform %v: %w", rule.TransformNames, err)}
		}
		raw = v
	}
	return Evaluation{Value: raw, Matched: true}
}

// extractMode dispatches on the rule's mode.
func extractMode(node *goquery.Selection, rule rules.SelectorRule) (string, error) {
	switch rule.Mode {
	case rules.Text:
		return document.VisibleText(node), nil

	case rules.Html:
		return node.Html()

	case rules.OuterHtml:
		return goquery.OuterHtml(node)

	case rules.Attribute:
		v, ok := node.Attr(rule.Attribute)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrNoAttribute, rule.Attribute)
		}
		return strings.TrimSpace(v), nil

	default:
		return "", fmt.Errorf("unsupported mode %v", rule.Mode)
	}
}

// Extract applies rs to doc.
//
// In list mode each root match yields one record; a match failing a required
// field is dropped. In single mode the document root yields exactly one
// record, and a failed required field fails the call.
func Extract(doc *document.Document, rs *rules.RuleSet) ([]Record, error) {
	if rs == nil {
		return nil, errors.New("extract: rule set is nil")
	}
	if doc == nil {
		return nil, errors.New("extract: document is nil")
	}
	if !rs.ListMode() {
		rec, missing, diag := evaluateScope(doc, rs, doc.Root())
		if missing != "" {
			return nil, &ExtractionError{Kind: RequiredFieldMissing, RuleSet: rs.ID, Field: missing, Err: diag}
		}
		return []Record{rec}, nil
	}

	scopes, err := doc.Select(doc.Root(), rs.RootKind, rs.RootSelector)
	if err != nil {
		return nil, &ExtractionError{Kind: InvalidSelector, RuleSet: rs.ID, Err: err}
	}

	records := make([]Record, 0, scopes.Length())
	scopes.Each(func(_ int, scope *goquery.Selection) {
		rec, missing, _ := evaluateScope(doc, rs, scope)
		if missing != "" {
			return
		}
		records = append(records, rec)
	})
	return records, nil
}

// evaluateScope builds one record. It stops at the first required field that
// did not match and returns its name and diagnostic.
func evaluateScope(doc *document.Document, rs *rules.RuleSet, scope *goquery.Selection) (Record, string, error) {
	rec := make(Record, 0, len(rs.Fields))
	for _, rule := range rs.Fields {
		ev := Evaluate(doc, rule, scope)
		if !ev.Matched {
			if rule.Required {
				return nil, rule.Name, ev.Diagnostic
			}
			rec = append(rec, Field{Name: rule.Name})
			continue
		}
		v := ev.Value
		rec = append(rec, Field{Name: rule.Name, Value: &v})
	}
	return rec, "", nil
}

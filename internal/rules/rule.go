// Package rules defines the declarative extraction model: selector rules
// grouped into named rule sets.
//
// A RuleSet with an empty RootSelector describes exactly one record taken from
// the document root. With a RootSelector it describes one record per matching
// node (list mode). Rules are read-only once validated and may be shared
// across goroutines.
package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects what is pulled out of the first node a rule matches.
type Mode int

const (
	// Text is the node's text content with whitespace runs collapsed.
	Text Mode = iota
	// Html is the node's inner markup, unmodified.
	Html
	// OuterHtml is the node's markup including its own tag.
	OuterHtml
	// Attribute is the value of SelectorRule.Attribute.
	Attribute
)

func (m Mode) String() string {
	switch m {
	case Text:
		return "text"
	case Html:
		return "html"
	case OuterHtml:
		return "outer_html"
	case Attribute:
		return "attr"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the textual names used in rule files. Empty means Text.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return Text, nil
	case "html", "inner_html":
		return Html, nil
	case "outer_html", "outerhtml":
		return OuterHtml, nil
	case "attr", "attribute":
		return Attribute, nil
	default:
		return Text, fmt.Errorf("unknown extraction mode %q", s)
	}
}

// SelectorKind is the selector language.
type SelectorKind int

const (
	CSS SelectorKind = iota
	XPath
)

func (k SelectorKind) String() string {
	if k == XPath {
		return "xpath"
	}
	return "css"
}

// ParseSelectorKind accepts "css" (or empty) and "xpath".
func ParseSelectorKind(s string) (SelectorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "css":
		return CSS, nil
	case "xpath":
		return XPath, nil
	default:
		return CSS, fmt.Errorf("unknown selector kind %q", s)
	}
}

// Transform post-processes an extracted value. An error marks the field
// unmatched.
type Transform func(string) (string, error)

// SelectorRule describes how to pull one named field out of a scope node.
type SelectorRule struct {
	Name      string
	Selector  string
	Kind      SelectorKind
	Attribute string
	Mode      Mode

	// Transform is optional. TransformNames records the named transforms it
	// was compiled from, for diagnostics.
	Transform      Transform
	TransformNames []string

	// Resolve makes an Attribute value absolute against the document base URL.
	Resolve bool

	Required bool
}

// RuleSet is an ordered collection of rules describing one logical record.
type RuleSet struct {
	ID           string
	RootSelector string
	RootKind     SelectorKind
	Fields       []SelectorRule
}

// ListMode reports whether the rule set yields one record per root match.
func (rs *RuleSet) ListMode() bool {
	return strings.TrimSpace(rs.RootSelector) != ""
}

// Validate checks the structural invariants. All problems are reported, each
// prefixed with its field path.
func (rs *RuleSet) Validate() error {
	if rs == nil {
		return errors.New("rule set is nil")
	}

	var errs []error
	if strings.TrimSpace(rs.ID) == "" {
		errs = append(errs, errors.New("id: must not be empty"))
	}
	if len(rs.Fields) == 0 {
		errs = append(errs, errors.New("fields: at least one rule is required"))
	}

	seen := make(map[string]int, len(rs.Fields))
	for i, f := range rs.Fields {
		path := fmt.Sprintf("fields[%d]", i)
		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name: must not be empty", path))
		} else if j, dup := seen[f.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: %q duplicates fields[%d]", path, f.Name, j))
		} else {
			seen[f.Name] = i
		}
		if strings.TrimSpace(f.Selector) == "" {
			errs = append(errs, fmt.Errorf("%s.selector: must not be empty", path))
		}
		if f.Mode == Attribute && strings.TrimSpace(f.Attribute) == "" {
			errs = append(errs, fmt.Errorf("%s.attribute: required when mode is attr", path))
		}
		if f.Mode < Text || f.Mode > Attribute {
			errs = append(errs, fmt.Errorf("%s.mode: invalid %s", path, f.Mode))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("rule set %q: %w", rs.ID, err)
	}
	return nil
}

package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FieldSpec is the on-disk form of a SelectorRule.
type FieldSpec struct {
	Name       string   `json:"name" yaml:"name" toml:"name"`
	Selector   string   `json:"selector" yaml:"selector" toml:"selector"`
	Kind       string   `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
	Mode       string   `json:"mode,omitempty" yaml:"mode,omitempty" toml:"mode,omitempty"`
	Attribute  string   `json:"attribute,omitempty" yaml:"attribute,omitempty" toml:"attribute,omitempty"`
	Transforms []string `json:"transforms,omitempty" yaml:"transforms,omitempty" toml:"transforms,omitempty"`
	Resolve    bool     `json:"resolve,omitempty" yaml:"resolve,omitempty" toml:"resolve,omitempty"`
	Required   bool     `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
}

// RuleSetSpec is the on-disk form of a RuleSet.
type RuleSetSpec struct {
	ID           string      `json:"id" yaml:"id" toml:"id"`
	RootSelector string      `json:"root_selector,omitempty" yaml:"root_selector,omitempty" toml:"root_selector,omitempty"`
	RootKind     string      `json:"root_kind,omitempty" yaml:"root_kind,omitempty" toml:"root_kind,omitempty"`
	Fields       []FieldSpec `json:"fields" yaml:"fields" toml:"fields"`
}

// File is a rule file: one or more rule sets.
type File struct {
	RuleSets []RuleSetSpec `json:"rule_sets" yaml:"rule_sets" toml:"rule_sets"`
}

// Compile turns the file form into a validated RuleSet with its transforms resolved.
func (s RuleSetSpec) Compile() (*RuleSet, error) {
	rootKind, err := ParseSelectorKind(s.RootKind)
	if err != nil {
		return nil, fmt.Errorf("rule set %q: root_kind: %w", s.ID, err)
	}
	rs := &RuleSet{
		ID:           s.ID,
		RootSelector: s.RootSelector,
		RootKind:     rootKind,
		Fields:       make([]SelectorRule, 0, len(s.Fields)),
	}

	var errs []error
	for i, f := range s.Fields {
		rule, err := f.compile()
		if err != nil {
			errs = append(errs, fmt.Errorf("fields[%d]: %w", i, err))
			continue
		}
		rs.Fields = append(rs.Fields, rule)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("rule set %q: %w", s.ID, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (f FieldSpec) compile() (SelectorRule, error) {
	mode, err := ParseMode(f.Mode)
	if err != nil {
		return SelectorRule{}, err
	}
	kind, err := ParseSelectorKind(f.Kind)
	if err != nil {
		return SelectorRule{}, err
	}
	t, err := Chain(f.Transforms...)
	if err != nil {
		return SelectorRule{}, err
	}
	return SelectorRule{
		Name:           f.Name,
		Selector:       f.Selector,
		Kind:           kind,
		Attribute:      f.Attribute,
		Mode:           mode,
		Transform:      t,
		TransformNames: append([]string(nil), f.Transforms...),
		Resolve:        f.Resolve,
		Required:       f.Required,
	}, nil
}

// Compile compiles every rule set and indexes them by ID.
func (f *File) Compile() (map[string]*RuleSet, error) {
	if len(f.RuleSets) == 0 {
		return nil, errors.New("rule file has no rule sets")
	}
	out := make(map[string]*RuleSet, len(f.RuleSets))
	for _, spec := range f.RuleSets {
		rs, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		if _, dup := out[rs.ID]; dup {
			return nil, fmt.Errorf("duplicate rule set id %q", rs.ID)
		}
		out[rs.ID] = rs
	}
	return out, nil
}

// Decode parses rule file content. format is "json", "yaml" or "toml".
func Decode(data []byte, format string) (*File, error) {
	var f File
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse rules json: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse rules yaml: %w", err)
		}
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse rules toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules format %q", format)
	}
	return &f, nil
}

// LoadFile reads, decodes and compiles a rule file. The format follows the
// file extension.
func LoadFile(path string) (map[string]*RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	f, err := Decode(b, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, err
	}
	return f.Compile()
}

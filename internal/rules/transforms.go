package rules

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// TransformFactory builds a Transform from the argument following the colon
// in a transform spec ("regex:(\d+)" passes `(\d+)`). Argument-less
// transforms ignore arg.
type TransformFactory func(arg string) (Transform, error)

var (
	transformsMu sync.RWMutex
	transforms   = map[string]TransformFactory{}
)

// RegisterTransform makes a named transform available to rule files.
// It panics on duplicate names; registration happens from init.
func RegisterTransform(name string, f TransformFactory) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	if _, dup := transforms[name]; dup {
		panic("rules: duplicate transform " + name)
	}
	transforms[name] = f
}

// TransformNames lists registered transforms, sorted.
func TransformNames() []string {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	out := make([]string, 0, len(transforms))
	for k := range transforms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CompileTransform resolves one spec of the form "name" or "name:arg".
func CompileTransform(spec string) (Transform, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	transformsMu.RLock()
	f, ok := transforms[name]
	transformsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	t, err := f(arg)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", name, err)
	}
	return t, nil
}

// Chain compiles specs and composes them left to right. No specs yields a
// nil Transform.
func Chain(specs ...string) (Transform, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	steps := make([]Transform, 0, len(specs))
	for _, s := range specs {
		t, err := CompileTransform(s)
		if err != nil {
			return nil, err
		}
		steps = append(steps, t)
	}
	return Compose(steps...), nil
}

// Compose runs transforms in order, stopping at the first error.
func Compose(steps ...Transform) Transform {
	return func(v string) (string, error) {
		var err error
		for _, t := range steps {
			if t == nil {
				continue
			}
			if v, err = t(v); err != nil {
				return "", err
			}
		}
		return v, nil
	}
}

// ErrNoMatch is returned by pattern transforms that find nothing.
var ErrNoMatch = errors.New("pattern did not match")

var reDigitGroups = regexp.MustCompile(`\d+`)

func simple(fn func(string) string) TransformFactory {
	return func(string) (Transform, error) {
		return func(v string) (string, error) { return fn(v), nil }, nil
	}
}

// RegexTransform keeps capture group 1 when the pattern has groups and the
// full match otherwise.
func RegexTransform(pattern string) (Transform, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("empty pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return func(v string) (string, error) {
		sm := re.FindStringSubmatch(v)
		if len(sm) == 0 {
			return "", fmt.Errorf("%w: %q", ErrNoMatch, pattern)
		}
		if len(sm) > 1 {
			return sm[1], nil
		}
		return sm[0], nil
	}, nil
}

// digits joins every digit group, so "(1 096 books)" becomes "1096".
func digits(v string) (string, error) {
	parts := reDigitGroups.FindAllString(v, -1)
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no digits in %q", ErrNoMatch, v)
	}
	return strings.Join(parts, ""), nil
}

func init() {
	RegisterTransform("trim", simple(strings.TrimSpace))
	RegisterTransform("lower", simple(strings.ToLower))
	RegisterTransform("upper", simple(strings.ToUpper))
	RegisterTransform("collapse_space", simple(func(v string) string {
		return strings.Join(strings.Fields(v), " ")
	}))
	RegisterTransform("strip_slashes", simple(func(v string) string {
		return strings.NewReplacer("/", "", `\`, "").Replace(v)
	}))
	RegisterTransform("unescape", simple(html.UnescapeString))
	RegisterTransform("digits", func(string) (Transform, error) { return digits, nil })
	RegisterTransform("regex", RegexTransform)
	RegisterTransform("js_email", func(string) (Transform, error) { return decodeScriptEmail, nil })

	// bluemonday policies are safe for concurrent use once built.
	ugc := bluemonday.UGCPolicy()
	strict := bluemonday.StrictPolicy()
	RegisterTransform("sanitize", simple(ugc.Sanitize))
	RegisterTransform("strip_tags", simple(func(v string) string {
		return strings.TrimSpace(html.UnescapeString(strict.Sanitize(v)))
	}))
}

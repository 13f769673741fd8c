package rules

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestChain_Builtins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		specs []string
		in    string
		want  string
	}{
		{"trim_lower", []string{"trim", "lower"}, "  HeLLo ", "hello"},
		{"upper", []string{"upper"}, "abc", "ABC"},
		{"collapse", []string{"collapse_space"}, " a \n\t b  c ", "a b c"},
		{"strip_slashes", []string{"strip_slashes"}, `/chanId21/\`, "chanId21"},
		{"digits", []string{"digits"}, "(1 096 books)", "1096"},
		{"regex_group", []string{`regex:id=(\d+)`}, "item?id=42&x", "42"},
		{"regex_full", []string{`regex:\d+`}, "abc 7 def", "7"},
		{"unescape", []string{"unescape"}, "a &amp; b", "a & b"},
		{"strip_tags", []string{"strip_tags"}, "<b>bold</b> &amp; <i>x</i>", "bold & x"},
		{"sanitize", []string{"sanitize"}, `<p onclick="x()">hi<script>bad()</script></p>`, "<p>hi</p>"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tr, err := Chain(tc.specs...)
			if err != nil {
				t.Fatalf("Chain(%v): %v", tc.specs, err)
			}
			got, err := tr(tc.in)
			if err != nil {
				t.Fatalf("transform(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("transform(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// TestChain_Failures verifies transform failures surface as errors instead of
// empty values.
func TestChain_Failures(t *testing.T) {
	t.Parallel()

	tr, err := Chain(`regex:(\d+)`)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if _, err := tr("no digits"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want ErrNoMatch", err)
	}

	d, _ := Chain("digits")
	if _, err := d("none"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("digits err=%v, want ErrNoMatch", err)
	}

	if _, err := Chain("nope"); err == nil {
		t.Fatalf("expected unknown transform error")
	}
	if _, err := Chain("regex:("); err == nil {
		t.Fatalf("expected invalid regex error")
	}
	if _, err := Chain("regex"); err == nil {
		t.Fatalf("expected empty pattern error")
	}
}

func TestChain_Empty(t *testing.T) {
	t.Parallel()

	tr, err := Chain()
	if err != nil || tr != nil {
		t.Fatalf("Chain() = %v, %v; want nil, nil", tr, err)
	}
}

func TestTransformNames(t *testing.T) {
	t.Parallel()

	names := TransformNames()
	for _, want := range []string{"digits", "js_email", "regex", "sanitize", "trim"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("TransformNames() missing %q: %v", want, names)
		}
	}
}

func mustDirective(t *testing.T, m map[string]string) string {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// TestDecodeScriptEmail covers entity decoding and each directive kind.
func TestDecodeScriptEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		want    string
		wantErr bool
	}{
		{name: "no_var", script: `console.log("x")`, wantErr: true},
		{name: "entities", script: `var a='me&#64;example.com';`, want: "me@example.com"},
		{name: "mailto", script: `var a='mailto:me@example.com';`, want: "me@example.com"},
		{
			name:   "removal",
			script: `var a='me+NOISE@example.com'; <span class="email ` + mustDirective(t, map[string]string{"rmv": "+NOISE"}) + `"></span>`,
			want:   "me@example.com",
		},
		{
			name:   "substitution",
			script: `var a='qi@example.org'; <i class="emailLink ` + mustDirective(t, map[string]string{"h": "q"}) + `"></i>`,
			want:   "hi@example.org",
		},
		{
			name:   "rot13_with_mailto",
			script: `var a='znvygb:zr@rknzcyr.pbz'; <b class="required ` + mustDirective(t, map[string]string{"rot": "it"}) + `"></b>`,
			want:   "me@example.com",
		},
		{
			name:   "directive_in_unrelated_class_ignored",
			script: `var a='mx@example.com'; <div class="btn ` + mustDirective(t, map[string]string{"rmv": "x"}) + `"></div>`,
			want:   "mx@example.com",
		},
		{name: "not_an_email", script: `var a='hello';`, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeScriptEmail(tc.script)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeScriptEmail: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

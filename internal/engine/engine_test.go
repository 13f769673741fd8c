package engine

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"scrapeline/internal/document"
	"scrapeline/internal/rules"
)

func mustParse(t *testing.T, markup, base string) *document.Document {
	t.Helper()
	d, err := document.ParseString(markup, base)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	return d
}

func mustChain(t *testing.T, specs ...string) rules.Transform {
	t.Helper()
	tr, err := rules.Chain(specs...)
	if err != nil {
		t.Fatalf("Chain(%v): %v", specs, err)
	}
	return tr
}

// TestEvaluate_LinkRoundTrip verifies the attribute and text modes on a
// plain anchor.
func TestEvaluate_LinkRoundTrip(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<a href="/x">t</a>`, "")

	ev := Evaluate(doc, rules.SelectorRule{Name: "href", Selector: "a", Mode: rules.Attribute, Attribute: "href"}, doc.Root())
	if !ev.Matched || ev.Value != "/x" {
		t.Fatalf("attr evaluation=%+v, want /x", ev)
	}

	ev = Evaluate(doc, rules.SelectorRule{Name: "text", Selector: "a", Mode: rules.Text}, doc.Root())
	if !ev.Matched || ev.Value != "t" {
		t.Fatalf("text evaluation=%+v, want t", ev)
	}
}

func TestEvaluate_Modes(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `
		<div class="card" data-id=" 7 ">
			<h2>  Hello
			    <b>World</b>  </h2>
			<a class="more" href="detail/7">more</a>
		</div>
		<div class="card"><h2>Second</h2></div>
		<div id="blocks"><p>alpha</p><p>beta</p></div>
		<div id="br">line1<br>line2</div>
		<ul id="items"><li>one</li><li>two</li></ul>
		<div id="hidden">shown<script>var hidden = 1;</script><style>.a{color:red}</style><noscript>enable js</noscript></div>
		<span id="inline">to<b>get</b>her</span>
		<script id="js">var a = 'x';</script>`, "https://example.com/list/")

	tests := []struct {
		name      string
		rule      rules.SelectorRule
		want      string
		matched   bool
		diagnosis error
	}{
		{
			name:    "text_collapses_whitespace",
			rule:    rules.SelectorRule{Selector: ".card h2"},
			want:    "Hello World",
			matched: true,
		},
		{
			name:    "text_separates_blocks",
			rule:    rules.SelectorRule{Selector: "#blocks"},
			want:    "alpha beta",
			matched: true,
		},
		{
			name:    "text_separates_br",
			rule:    rules.SelectorRule{Selector: "#br"},
			want:    "line1 line2",
			matched: true,
		},
		{
			name:    "text_separates_list_items",
			rule:    rules.SelectorRule{Selector: "#items"},
			want:    "one two",
			matched: true,
		},
		{
			name:    "text_skips_script_and_style",
			rule:    rules.SelectorRule{Selector: "#hidden"},
			want:    "shown",
			matched: true,
		},
		{
			name:    "text_keeps_inline_runs",
			rule:    rules.SelectorRule{Selector: "#inline"},
			want:    "together",
			matched: true,
		},
		{
			name:    "text_of_selected_script",
			rule:    rules.SelectorRule{Selector: "script#js"},
			want:    "var a = 'x';",
			matched: true,
		},
		{
			name:    "html_inner_unmodified",
			rule:    rules.SelectorRule{Selector: "a.more", Mode: rules.Html},
			want:    "more",
			matched: true,
		},
		{
			name:    "outer_html",
			rule:    rules.SelectorRule{Selector: "a.more", Mode: rules.OuterHtml},
			want:    `<a class="more" href="detail/7">more</a>`,
			matched: true,
		},
		{
			name:    "attribute_trimmed",
			rule:    rules.SelectorRule{Selector: ".card", Mode: rules.Attribute, Attribute: "data-id"},
			want:    "7",
			matched: true,
		},
		{
			name:    "attribute_resolved",
			rule:    rules.SelectorRule{Selector: "a.more", Mode: rules.Attribute, Attribute: "href", Resolve: true},
			want:    "https://example.com/list/detail/7",
			matched: true,
		},
		{
			name:      "attribute_absent",
			rule:      rules.SelectorRule{Selector: "a.more", Mode: rules.Attribute, Attribute: "title"},
			diagnosis: ErrNoAttribute,
		},
		{
			name:      "no_node",
			rule:      rules.SelectorRule{Selector: ".missing"},
			diagnosis: ErrNoMatch,
		},
		{
			name:    "xpath",
			rule:    rules.SelectorRule{Selector: "//div[@class='card'][2]/h2", Kind: rules.XPath},
			want:    "Second",
			matched: true,
		},
		{
			name:    "transform_applied",
			rule:    rules.SelectorRule{Selector: ".card", Mode: rules.Attribute, Attribute: "data-id", Transform: mustChain(t, "regex:(\\d+)")},
			want:    "7",
			matched: true,
		},
		{
			name:      "transform_failure_unmatched",
			rule:      rules.SelectorRule{Selector: ".card h2", Transform: mustChain(t, "digits")},
			diagnosis: rules.ErrNoMatch,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev := Evaluate(doc, tc.rule, doc.Root())
			if ev.Matched != tc.matched {
				t.Fatalf("Matched=%v, want %v (diag=%v)", ev.Matched, tc.matched, ev.Diagnostic)
			}
			if tc.matched && ev.Value != tc.want {
				t.Fatalf("Value=%q, want %q", ev.Value, tc.want)
			}
			if tc.diagnosis != nil && !errors.Is(ev.Diagnostic, tc.diagnosis) {
				t.Fatalf("Diagnostic=%v, want %v", ev.Diagnostic, tc.diagnosis)
			}
			if !ev.Matched && ev.Value != "" {
				t.Fatalf("unmatched evaluation leaked value %q", ev.Value)
			}
		})
	}
}

func TestEvaluate_InvalidSelector(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<p>x</p>`, "")
	ev := Evaluate(doc, rules.SelectorRule{Selector: "p[", Name: "p"}, doc.Root())
	if ev.Matched || ev.Diagnostic == nil {
		t.Fatalf("expected diagnostic for invalid selector, got %+v", ev)
	}
}

const listPage = `
<ul>
	<li class="item"><span class="name">one</span><span class="price">1</span></li>
	<li class="item"><span class="name">two</span></li>
	<li class="item"><span class="name">three</span><span class="price">3</span></li>
</ul>`

// TestExtract_ListModeDropsRequiredFailures covers the three-node list where
// the middle node lacks a required field.
func TestExtract_ListModeDropsRequiredFailures(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, listPage, "")
	rs := &rules.RuleSet{
		ID:           "items",
		RootSelector: ".item",
		Fields: []rules.SelectorRule{
			{Name: "name", Selector: ".name"},
			{Name: "price", Selector: ".price", Required: true},
		},
	}

	recs, err := Extract(doc, rs)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if n, _ := recs[0].Get("name"); n != "one" {
		t.Fatalf("record 0 name=%q", n)
	}
	if n, _ := recs[1].Get("name"); n != "three" {
		t.Fatalf("record 1 name=%q", n)
	}
}

func TestExtract_OptionalFieldsAreNull(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, listPage, "")
	rs := &rules.RuleSet{
		ID:           "items",
		RootSelector: ".item",
		Fields: []rules.SelectorRule{
			{Name: "name", Selector: ".name"},
			{Name: "price", Selector: ".price"},
		},
	}

	recs, err := Extract(doc, rs)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if _, ok := recs[1].Get("price"); ok {
		t.Fatalf("record 1 price should be null")
	}
	if got := recs[1].Map(); got["price"] != nil || got["name"] != "two" {
		t.Fatalf("Map()=%v", got)
	}

	b, err := json.Marshal(recs[1])
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"name":"two","price":null}` {
		t.Fatalf("json=%s", b)
	}
}

func TestExtract_ListModeZeroMatches(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<p>nothing here</p>`, "")
	recs, err := Extract(doc, &rules.RuleSet{ID: "x", RootSelector: ".item", Fields: []rules.SelectorRule{{Name: "a", Selector: "a"}}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

func TestExtract_SingleMode(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<html><head><title>Shelf</title></head><body><h1>Books</h1></body></html>`, "")

	ok := &rules.RuleSet{ID: "page", Fields: []rules.SelectorRule{
		{Name: "title", Selector: "title", Required: true},
		{Name: "subtitle", Selector: "h2"},
		{Name: "heading", Selector: "h1"},
	}}
	recs, err := Extract(doc, ok)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("single mode must yield one record, got %d", len(recs))
	}
	var names []string
	for _, f := range recs[0] {
		names = append(names, f.Name)
	}
	if !reflect.DeepEqual(names, []string{"title", "subtitle", "heading"}) {
		t.Fatalf("field order=%v", names)
	}

	missing := &rules.RuleSet{ID: "page", Fields: []rules.SelectorRule{
		{Name: "title", Selector: "title"},
		{Name: "price", Selector: ".price", Required: true},
	}}
	_, err = Extract(doc, missing)
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("err=%v, want *ExtractionError", err)
	}
	if ee.Kind != RequiredFieldMissing || ee.Field != "price" {
		t.Fatalf("ExtractionError=%+v", ee)
	}
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want the ErrNoMatch diagnostic", err)
	}

	noAttr := &rules.RuleSet{ID: "page", Fields: []rules.SelectorRule{
		{Name: "lang", Selector: "title", Mode: rules.Attribute, Attribute: "lang", Required: true},
	}}
	_, err = Extract(doc, noAttr)
	if !errors.As(err, &ee) || !errors.Is(err, ErrNoAttribute) {
		t.Fatalf("err=%v, want RequiredFieldMissing wrapping ErrNoAttribute", err)
	}
	if !strings.Contains(err.Error(), `"price"`) {
		t.Fatalf("error text %q should name the field", err)
	}
}

func TestExtract_NilRuleSet(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, listPage, "")
	recs, err := Extract(doc, nil)
	if err == nil || recs != nil {
		t.Fatalf("Extract(nil)=%v, %v; want an error", recs, err)
	}
}

func TestExtract_InvalidRootSelector(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, listPage, "")
	_, err := Extract(doc, &rules.RuleSet{ID: "x", RootSelector: "li[", Fields: []rules.SelectorRule{{Name: "a", Selector: "a"}}})
	var ee *ExtractionError
	if !errors.As(err, &ee) || ee.Kind != InvalidSelector {
		t.Fatalf("err=%v, want InvalidSelector", err)
	}
}

// TestExtract_Idempotent verifies repeated extraction yields identical output.
func TestExtract_Idempotent(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, listPage, "")
	rs := &rules.RuleSet{ID: "items", RootSelector: ".item", Fields: []rules.SelectorRule{
		{Name: "name", Selector: ".name"},
		{Name: "price", Selector: ".price"},
	}}
	a, err := Extract(doc, rs)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := Extract(doc, rs)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("extractions differ:\n%v\n%v", a, b)
	}
}

// TestExtract_CategoryLinks mirrors a category index page: the scope node is
// the link itself, read through the "." selector.
func TestExtract_CategoryLinks(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `
		<div id="classify-list"><dl>
			<dd><a href="//www.example.com/xuanhuan/"><cite><span><i>玄幻</i><b>(1 096)</b></span></cite></a></dd>
			<dd><a href="/qihuan/"><cite><span><i>奇幻</i><b>(52)</b></span></cite></a></dd>
		</dl></div>`, "https://www.example.com/")

	rs := &rules.RuleSet{ID: "categories", RootSelector: "#classify-list>dl>dd>a", Fields: []rules.SelectorRule{
		{Name: "id", Selector: ".", Mode: rules.Attribute, Attribute: "href", Transform: mustChain(t, "regex:([^/]+)/?$"), Required: true},
		{Name: "name", Selector: "cite>span>i"},
		{Name: "count", Selector: "cite>span>b", Transform: mustChain(t, "digits")},
	}}

	recs, err := Extract(doc, rs)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []map[string]any{
		{"id": "xuanhuan", "name": "玄幻", "count": "1096"},
		{"id": "qihuan", "name": "奇幻", "count": "52"},
	}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i := range want {
		if got := recs[i].Map(); !reflect.DeepEqual(got, want[i]) {
			t.Fatalf("record %d=%v, want %v", i, got, want[i])
		}
	}
}

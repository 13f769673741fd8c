package rules

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"html"
	"regexp"
	"strings"
)

// The js_email transform recovers an address from inline scripts of the form
//
//	var a='me&#64;example.com'; ... class="email eyJyb3QiOiJpdCJ9" ...
//
// without executing JavaScript. Base64 JSON tokens in email-ish class
// attributes carry de-obfuscation directives:
//
//	{"rot":"it"}   ROT13 the address
//	{"rmv":"xx"}   remove injected substring "xx"
//	{"h":"m"}      obfuscated 'm' stands for real 'h'
//
// Directives apply in the order: unescape, removals, substitutions, ROT13.

var (
	reScriptVarA  = regexp.MustCompile(`\bvar\s+a\s*=\s*'([^']*)'`)
	reScriptClass = regexp.MustCompile(`\bclass\s*=\s*"([^"]+)"`)
	reEmail       = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

var errNoEmail = errors.New("no decodable email in script")

type emailDirectives struct {
	rot13     bool
	removals  []string
	obfToReal map[rune]rune
}

func decodeScriptEmail(script string) (string, error) {
	m := reScriptVarA.FindStringSubmatch(script)
	if len(m) != 2 {
		return "", errNoEmail
	}

	email := strings.TrimPrefix(strings.TrimSpace(html.UnescapeString(m[1])), "mailto:")
	d := scanDirectives(script)

	for _, rm := range d.removals {
		email = strings.ReplaceAll(email, rm, "")
	}
	if len(d.obfToReal) > 0 {
		email = strings.Map(func(r rune) rune {
			if mapped, ok := d.obfToReal[r]; ok {
				return mapped
			}
			return r
		}, email)
	}
	if d.rot13 {
		email = strings.Map(rot13, email)
	}

	// "mailto:" may only appear after ROT13.
	email = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(email), "mailto:"))
	if !reEmail.MatchString(email) {
		return "", errNoEmail
	}
	return email, nil
}

func scanDirectives(script string) emailDirectives {
	d := emailDirectives{obfToReal: map[rune]rune{}}

	for _, ca := range reScriptClass.FindAllStringSubmatch(script, -1) {
		class := ca[1]
		if !strings.Contains(class, "email") && !strings.Contains(class, "required") {
			continue
		}
		for _, tok := range strings.Fields(class) {
			if len(tok) < 8 || len(tok) > 80 {
				continue
			}
			obj, ok := decodeDirectiveToken(tok)
			if !ok {
				continue
			}
			for k, v := range obj {
				switch k {
				case "rot":
					d.rot13 = d.rot13 || v == "it"
				case "rmv":
					if v != "" {
						d.removals = append(d.removals, v)
					}
				default:
					kr, vr := []rune(k), []rune(v)
					if len(kr) == 1 && len(vr) == 1 {
						d.obfToReal[vr[0]] = kr[0]
					}
				}
			}
		}
	}
	return d
}

// decodeDirectiveToken accepts standard or URL-safe base64, padded or not.
func decodeDirectiveToken(tok string) (map[string]string, bool) {
	if rem := len(tok) % 4; rem != 0 {
		tok += strings.Repeat("=", 4-rem)
	}
	b, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		if b, err = base64.URLEncoding.DecodeString(tok); err != nil {
			return nil, false
		}
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil || len(obj) == 0 {
		return nil, false
	}
	return obj, true
}

func rot13(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return 'a' + (r-'a'+13)%26
	case r >= 'A' && r <= 'Z':
		return 'A' + (r-'A'+13)%26
	default:
		return r
	}
}

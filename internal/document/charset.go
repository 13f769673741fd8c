package document

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/transform"
)

// minGuessConfidence is the chardet confidence (0-100) below which a guess
// is ignored.
const minGuessConfidence = 50

// sniffWindow is how much of the body is searched for a charset declaration.
const sniffWindow = 1024

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16BE = []byte{0xFE, 0xFF}
	bomUTF16LE = []byte{0xFF, 0xFE}
)

type resolvedEncoding struct {
	enc  encoding.Encoding
	name string
}

func utf8Encoding() resolvedEncoding {
	return resolvedEncoding{enc: encoding.Nop, name: "utf-8"}
}

// resolveEncoding picks the encoding for body. declared is a charset label
// or a full Content-Type value. Unknown labels fall through to the next
// source rather than failing.
func resolveEncoding(body []byte, declared string) resolvedEncoding {
	if declared = declaredLabel(declared); declared != "" {
		if e, name := charset.Lookup(declared); e != nil {
			return normalize(e, name)
		}
	}

	// DetermineEncoding reports certain=true only for a BOM here. A meta
	// prescan hit, valid UTF-8 and its windows-1252 fallback all come back
	// uncertain, so the fallback is told apart by looking for a declaration.
	e, name, certain := charset.DetermineEncoding(body, "")
	switch {
	case certain:
		return normalize(e, name)
	case name == "utf-8":
		return utf8Encoding()
	case name != "windows-1252" || declaresCharset(body):
		return normalize(e, name)
	}

	if guess, ok := guessEncoding(body); ok {
		return guess
	}
	// Not valid UTF-8 and no usable guess: windows-1252 still yields valid
	// text, raw bytes would not.
	return normalize(e, name)
}

func declaredLabel(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		return s
	}
	if _, params, err := mime.ParseMediaType(s); err == nil {
		return strings.TrimSpace(params["charset"])
	}
	return ""
}

func normalize(e encoding.Encoding, name string) resolvedEncoding {
	if name == "utf-8" {
		return utf8Encoding()
	}
	return resolvedEncoding{enc: e, name: name}
}

func declaresCharset(body []byte) bool {
	head := body
	if len(head) > sniffWindow {
		head = head[:sniffWindow]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("charset"))
}

// guessEncoding runs statistical detection for bodies that are neither valid
// UTF-8 nor self-describing.
func guessEncoding(body []byte) (resolvedEncoding, bool) {
	res, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil || res == nil || res.Confidence < minGuessConfidence {
		return resolvedEncoding{}, false
	}
	label := chardetLabel(res.Charset)
	switch label {
	case "utf-32be":
		return resolvedEncoding{enc: utf32.UTF32(utf32.BigEndian, utf32.UseBOM), name: label}, true
	case "utf-32le":
		return resolvedEncoding{enc: utf32.UTF32(utf32.LittleEndian, utf32.UseBOM), name: label}, true
	}
	e, name := charset.Lookup(label)
	if e == nil {
		return resolvedEncoding{}, false
	}
	return normalize(e, name), true
}

// chardetLabel maps chardet's charset names onto labels charset.Lookup
// knows. IBM420 and IBM424 are EBCDIC code pages with no decoder here; they
// map to "" and are treated as no guess.
func chardetLabel(name string) string {
	l := strings.ToLower(strings.TrimSpace(name))
	switch {
	case l == "gb-18030":
		return "gb18030"
	case strings.HasPrefix(l, "ibm420"), strings.HasPrefix(l, "ibm424"):
		return ""
	}
	return l
}

// decode converts body to UTF-8, dropping a byte order mark that matches
// the encoding.
func decode(body []byte, r resolvedEncoding) ([]byte, error) {
	switch r.name {
	case "utf-8":
		body = bytes.TrimPrefix(body, bomUTF8)
	case "utf-16be":
		body = bytes.TrimPrefix(body, bomUTF16BE)
	case "utf-16le":
		body = bytes.TrimPrefix(body, bomUTF16LE)
	}
	if r.enc == nil || r.enc == encoding.Nop {
		return body, nil
	}
	return io.ReadAll(transform.NewReader(bytes.NewReader(body), r.enc.NewDecoder()))
}

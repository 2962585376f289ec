package persona

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// StripTags removes HTML markup from s and trims the result. Text is
// kept byte-for-byte (entities are not decoded). Script and style
// bodies are dropped along with their tags.
//
// A stray '<' left beside a removed tag can join the following text
// into a new tag, so passes repeat until the output is stable. Each
// pass that changes the string shortens it, which bounds the loop.
func StripTags(s string) string {
	out := stripOnce(s)
	for out != s {
		s, out = out, stripOnce(out)
	}
	return out
}

func stripOnce(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way we are done.
			return strings.TrimSpace(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Raw())
			}
		case html.StartTagToken:
			if isRawTextTag(z) {
				skip++
			}
		case html.EndTagToken:
			if isRawTextTag(z) && skip > 0 {
				skip--
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch atom.Lookup(name) {
	case atom.Script, atom.Style:
		return true
	}
	return false
}

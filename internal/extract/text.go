package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/ppiankov/tempora/internal/errors"
)

// VisibleText returns the text of an HTML fragment, skipping scripts and
// styles. Text nodes are joined with single spaces.
func VisibleText(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", errors.Wrap(err, "parse html")
	}

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe", "template":
				return
			}
		}

		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				parts = append(parts, text)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(doc)
	return strings.Join(parts, " "), nil
}

// sentenceAround returns the sentence of text containing [start, end). A
// terminator only ends a sentence when followed by whitespace, so ids like
// v1.2 stay intact.
func sentenceAround(text string, start, end int) string {
	from := 0
	for i := start - 1; i > 0; i-- {
		if isTerminator(text[i-1]) && isSpaceByte(text[i]) {
			from = i
			break
		}
	}

	to := len(text)
	for i := end; i < len(text); i++ {
		if isTerminator(text[i]) && (i+1 == len(text) || isSpaceByte(text[i+1])) {
			to = i + 1
			break
		}
	}
	return strings.TrimSpace(text[from:to])
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// wordBounded reports whether [start, end) is not glued to a neighbouring word character
func wordBounded(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "tr": {}, "h1": {}, "h2": {}, "h3": {},
	"h4": {}, "h5": {}, "h6": {}, "section": {}, "article": {}, "table": {},
	"ul": {}, "ol": {}, "pre": {}, "blockquote": {}, "td": {}, "th": {},
	"nav": {}, "header": {}, "footer": {}, "main": {}, "aside": {}, "title": {},
}

// PageChrome lists the elements dropped when reading web pages rather than documents.
var PageChrome = []string{"nav", "footer", "header"}

// ExtractHTML returns the visible text of an HTML document.
func ExtractHTML(content []byte) (string, error) {
	return HTMLText(content, "")
}

// HTMLText parses an HTML payload, decoding it with the declared or sniffed
// charset, and returns its text one block per line. Script and style
// content is always skipped, plus any element named in skip.
func HTMLText(content []byte, contentType string, skip ...string) (string, error) {
	decoded := DecodeHTML(content, contentType)

	doc, err := html.Parse(bytes.NewReader(decoded))
	if err != nil {
		return "", fmt.Errorf("%w: parse html: %v", ErrCorruptFile, err)
	}

	skipSet := map[string]struct{}{"script": {}, "style": {}, "noscript": {}, "head": {}}
	for _, name := range skip {
		skipSet[strings.ToLower(name)] = struct{}{}
	}

	var builder strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			if _, ok := skipSet[node.Data]; ok {
				return
			}
		}
		if node.Type == html.TextNode {
			builder.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode {
			if _, ok := blockElements[node.Data]; ok {
				builder.WriteString("\n")
			}
		}
	}
	walk(doc)

	return collapseLines(builder.String()), nil
}

// DecodeHTML converts a page to UTF-8 using the declared or sniffed charset.
func DecodeHTML(content []byte, contentType string) []byte {
	if contentType == "" && utf8.Valid(content) {
		return content
	}
	encoding, _, _ := charset.DetermineEncoding(content, contentType)
	decoded, err := encoding.NewDecoder().Bytes(content)
	if err != nil {
		return []byte(strings.ToValidUTF8(string(content), "�"))
	}
	return decoded
}

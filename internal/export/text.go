package export

import (
	"strings"

	"golang.org/x/net/html"

	"flowidly/api/internal/document"
)

// PlainText flattens the client-visible blocks into whitespace-separated
// text for the search index.
func PlainText(blocks []document.Block) string {
	var parts []string
	add := func(s string) {
		if s = strings.Join(strings.Fields(s), " "); s != "" {
			parts = append(parts, s)
		}
	}
	for _, b := range document.PublicBlocks(blocks) {
		add(b.Title)
		for _, el := range b.Content.Elements {
			switch c := el.Content.(type) {
			case document.TextContent:
				add(htmlText(string(c.HTML)))
			case document.ButtonContent:
				add(c.Text)
			case document.ImageContent:
				add(c.Alt)
			case document.PricingContent:
				for _, item := range c.LineItems {
					add(item.Description)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// htmlText returns the text nodes of an HTML fragment, skipping script and
// style bodies.
func htmlText(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var out strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way keep what was read.
			return out.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if isRawTextTag(string(name)) {
				skip++
			}
			out.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if isRawTextTag(string(name)) && skip > 0 {
				skip--
			}
			out.WriteByte(' ')
		case html.SelfClosingTagToken:
			out.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				out.Write(z.Text())
			}
		}
	}
}

func isRawTextTag(name string) bool {
	return name == "script" || name == "style"
}

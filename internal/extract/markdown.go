package extract

import (
	"context"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// MarkdownExtractor converts a node's HTML to markdown so code blocks,
// lists and links survive. Anchoring is the same as DOMExtractor.
type MarkdownExtractor struct {
	DOMExtractor
}

// NewMarkdown returns a MarkdownExtractor with the default content selectors.
func NewMarkdown() *MarkdownExtractor {
	return &MarkdownExtractor{DOMExtractor: DOMExtractor{ContentSelectors: DefaultContentSelectors}}
}

func (x *MarkdownExtractor) ExtractText(ctx context.Context, n stream.Node) (string, error) {
	el, err := asElement(n)
	if err != nil {
		return "", err
	}
	node := contentNode(ctx, el, x.ContentSelectors)
	html, err := node.HTML(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	md, err := htmltomd.ConvertString(html)
	if err != nil {
		L_debug("extract: html-to-markdown failed, falling back to readability", "error", err)
		return readable(ctx, node, html)
	}
	return Normalize(md), nil
}

// readable extracts plain text with readability, then with innerText.
func readable(ctx context.Context, node Element, html string) (string, error) {
	article, err := readability.FromReader(strings.NewReader(html), nil)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return Normalize(article.TextContent), nil
	}
	text, err := node.Text(ctx)
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

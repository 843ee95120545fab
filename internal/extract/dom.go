package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// StableAttrs are checked in order when anchoring a node.
var StableAttrs = []string{"data-message-id", "data-turn-id", "data-testid", "id"}

// DefaultContentSelectors locate the rendered body inside a reply node.
var DefaultContentSelectors = []string{".markdown", ".prose", `[class*="content"]`}

// DOMExtractor reads a node's rendered text.
type DOMExtractor struct {
	ContentSelectors []string
}

// NewDOM returns a DOMExtractor with the default content selectors.
func NewDOM() *DOMExtractor {
	return &DOMExtractor{ContentSelectors: DefaultContentSelectors}
}

func (x *DOMExtractor) ExtractText(ctx context.Context, n stream.Node) (string, error) {
	el, err := asElement(n)
	if err != nil {
		return "", err
	}
	text, err := contentNode(ctx, el, x.ContentSelectors).Text(ctx)
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

func (x *DOMExtractor) Anchor(ctx context.Context, n stream.Node) (string, error) {
	el, err := asElement(n)
	if err != nil {
		return "", err
	}
	d, err := el.Describe(ctx)
	if err != nil {
		return "", err
	}
	return AnchorOf(d), nil
}

// AnchorOf derives a stable identity: the first stable attribute, else
// tag, up to three classes and the sibling index.
func AnchorOf(d Description) string {
	for _, attr := range StableAttrs {
		if v := d.Attrs[attr]; v != "" {
			return fmt.Sprintf("%s=%s", attr, v)
		}
	}
	tag := strings.ToLower(d.Tag)
	if tag == "" {
		tag = "unknown"
	}
	var b strings.Builder
	b.WriteString("tag:")
	b.WriteString(tag)
	if classes := d.Classes; len(classes) > 0 {
		if len(classes) > 3 {
			classes = classes[:3]
		}
		b.WriteString("|cls=")
		b.WriteString(strings.Join(classes, "."))
	}
	if d.Index >= 0 {
		fmt.Fprintf(&b, "|idx=%d", d.Index)
	}
	return b.String()
}

// contentNode returns the first matching descendant with text, or el.
func contentNode(ctx context.Context, el Element, selectors []string) Element {
	for _, sel := range selectors {
		child, err := el.Find(ctx, sel)
		if err != nil || child == nil {
			continue
		}
		if text, err := child.Text(ctx); err == nil && strings.TrimSpace(text) != "" {
			return child
		}
	}
	return el
}

// Normalize unifies line endings and trims surrounding whitespace.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

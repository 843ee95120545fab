// Package extract turns reply nodes into text, anchors and images.
package extract

import (
	"context"

	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// Description is a one-shot summary of a node used for anchoring.
type Description struct {
	Tag     string
	Attrs   map[string]string
	Classes []string
	Index   int // position among parent's children, -1 if detached
}

// RawImage is an image as reported by the page.
type RawImage struct {
	Src     string
	Alt     string
	Width   int
	Height  int
	DataURI string // set when a blob: image was read inside the page
	Mime    string
	Size    int
}

// ImageQuery controls how the page collects images.
type ImageQuery struct {
	DownloadBlobs bool
	MaxBytes      int
}

// Element is the DOM surface extractors need from a node.
type Element interface {
	stream.Node
	Describe(ctx context.Context) (Description, error)
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Find returns the first descendant matching selector, or nil.
	Find(ctx context.Context, selector string) (Element, error)
	Images(ctx context.Context, q ImageQuery) ([]RawImage, error)
}

func asElement(n stream.Node) (Element, error) {
	el, ok := n.(Element)
	if !ok {
		return nil, ErrNotElement
	}
	return el, nil
}

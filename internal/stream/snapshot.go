package stream

import (
	"context"
	"time"
	"unicode/utf8"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// Node is one reply node in the page's output region.
type Node interface {
	ImageCount(ctx context.Context) (int, error)
}

// Page is the read surface of a browser tab.
type Page interface {
	// FindAll returns the nodes matching selector in document order.
	FindAll(ctx context.Context, selector string) ([]Node, error)
	// Displayed reports whether a visible element matches selector.
	Displayed(ctx context.Context, selector string) (bool, error)
}

// Extractor turns a node into text and a stable identity.
type Extractor interface {
	ExtractText(ctx context.Context, n Node) (string, error)
	Anchor(ctx context.Context, n Node) (string, error)
}

// Image is an image found in a finished reply.
type Image struct {
	Kind   string `json:"kind"`   // url or data_uri
	URL    string `json:"url"`    // http(s) URL or data URI
	Source string `json:"source"` // http, data, blob or relative
	Alt    string `json:"alt,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ImageExtractor pulls images out of a finished reply node.
type ImageExtractor interface {
	ExtractImages(ctx context.Context, n Node) ([]Image, error)
}

// Snapshot is one observation of the output region.
type Snapshot struct {
	NodeCount  int
	Anchor     string // anchor of the node that was read
	LastAnchor string // anchor of the last node in the region
	Text       string
	TextLen    int // in runes
	Generating bool
	ImageCount int
}

// preferSearchDepth bounds how far back Read looks for a preferred anchor.
const preferSearchDepth = 20

// Reader takes snapshots of a page's output region.
type Reader struct {
	page      Page
	selector  string
	ext       Extractor
	timeout   time.Duration
	indicator *indicatorCache
}

// NewReader creates a reader for nodes matching selector.
func NewReader(page Page, selector string, ext Extractor, cfg Config) *Reader {
	cfg = cfg.withDefaults()
	return &Reader{
		page:     page,
		selector: selector,
		ext:      ext,
		timeout:  cfg.ReadTimeout,
		indicator: &indicatorCache{
			page:      page,
			selectors: cfg.IndicatorSelectors,
			ttl:       cfg.IndicatorTTL,
			now:       time.Now,
		},
	}
}

// Read returns a snapshot of the region. When prefer is set and a node with
// that anchor exists near the end of the region, that node is read instead
// of the last one. An empty region is a zero snapshot, not an error.
func (r *Reader) Read(ctx context.Context, prefer string) (Snapshot, Node, error) {
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	nodes, err := r.page.FindAll(rctx, r.selector)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if len(nodes) == 0 {
		return Snapshot{Generating: r.indicator.generating(rctx)}, nil, nil
	}

	last := nodes[len(nodes)-1]
	lastAnchor, err := r.ext.Anchor(rctx, last)
	if err != nil {
		return Snapshot{}, nil, err
	}

	target, anchor := last, lastAnchor
	if prefer != "" && prefer != lastAnchor {
		stop := max(0, len(nodes)-1-preferSearchDepth)
		for i := len(nodes) - 2; i >= stop; i-- {
			a, err := r.ext.Anchor(rctx, nodes[i])
			if err != nil {
				continue
			}
			if a == prefer {
				target, anchor = nodes[i], a
				break
			}
		}
	}

	text, err := r.ext.ExtractText(rctx, target)
	if err != nil {
		return Snapshot{}, nil, err
	}
	images, err := target.ImageCount(rctx)
	if err != nil {
		L_trace("stream: image count failed", "error", err)
		images = 0
	}

	return Snapshot{
		NodeCount:  len(nodes),
		Anchor:     anchor,
		LastAnchor: lastAnchor,
		Text:       text,
		TextLen:    utf8.RuneCountInString(text),
		Generating: r.indicator.generating(rctx),
		ImageCount: images,
	}, target, nil
}

// LastNonEmpty returns the text of the last node with non-empty text.
func (r *Reader) LastNonEmpty(ctx context.Context) string {
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	nodes, err := r.page.FindAll(rctx, r.selector)
	if err != nil {
		return ""
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		text, err := r.ext.ExtractText(rctx, nodes[i])
		if err == nil && text != "" {
			return text
		}
	}
	return ""
}

// indicatorCache answers "is the page generating" from a short-lived cache,
// checking the last matching selector first.
type indicatorCache struct {
	page      Page
	selectors []string
	ttl       time.Duration
	now       func() time.Time

	checkedAt time.Time
	value     bool
	lastHit   string
}

func (c *indicatorCache) generating(ctx context.Context) bool {
	now := c.now()
	if !c.checkedAt.IsZero() && now.Sub(c.checkedAt) < c.ttl {
		return c.value
	}
	c.checkedAt = now
	c.value = c.probe(ctx)
	return c.value
}

func (c *indicatorCache) probe(ctx context.Context) bool {
	if c.lastHit != "" {
		if ok, err := c.page.Displayed(ctx, c.lastHit); err == nil && ok {
			return true
		}
	}
	for _, sel := range c.selectors {
		if sel == c.lastHit {
			continue
		}
		ok, err := c.page.Displayed(ctx, sel)
		if err != nil {
			continue
		}
		if ok {
			c.lastHit = sel
			return true
		}
	}
	return false
}

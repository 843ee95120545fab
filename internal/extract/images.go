package extract

import (
	"context"
	"strings"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// ImageConfig controls image extraction.
type ImageConfig struct {
	Mode          string // all, first or last
	DownloadBlobs bool
	MaxSizeMB     int
	Selectors     []string
}

// DefaultImageConfig returns the defaults.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{Mode: "all", DownloadBlobs: true, MaxSizeMB: 10, Selectors: DefaultContentSelectors}
}

// ImageExtractor collects the images of a finished reply.
type ImageExtractor struct {
	cfg ImageConfig
}

// NewImages creates an ImageExtractor.
func NewImages(cfg ImageConfig) *ImageExtractor {
	if cfg.Mode == "" {
		cfg.Mode = "all"
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	return &ImageExtractor{cfg: cfg}
}

func (x *ImageExtractor) ExtractImages(ctx context.Context, n stream.Node) ([]stream.Image, error) {
	el, err := asElement(n)
	if err != nil {
		return nil, err
	}
	raw, err := contentNode(ctx, el, x.cfg.Selectors).Images(ctx, ImageQuery{
		DownloadBlobs: x.cfg.DownloadBlobs,
		MaxBytes:      x.cfg.MaxSizeMB * 1024 * 1024,
	})
	if err != nil {
		return nil, err
	}
	images := NormalizeImages(raw)
	switch x.cfg.Mode {
	case "first":
		images = images[:min(1, len(images))]
	case "last":
		if len(images) > 1 {
			images = images[len(images)-1:]
		}
	}
	for i, img := range images {
		L_trace("extract: image", "index", i, "kind", img.Kind, "source", img.Source, "url", truncate(img.URL, 80))
	}
	return images, nil
}

// NormalizeImages classifies and dedupes raw images, preserving order.
func NormalizeImages(raw []RawImage) []stream.Image {
	seen := make(map[string]struct{}, len(raw))
	var out []stream.Image
	for _, r := range raw {
		src := strings.TrimSpace(r.Src)
		if src == "" && r.DataURI == "" {
			continue
		}
		img := stream.Image{
			Source: sourceOf(src),
			Alt:    r.Alt,
			Mime:   r.Mime,
			Width:  r.Width,
			Height: r.Height,
		}
		switch {
		case r.DataURI != "":
			img.Kind = "data_uri"
			img.URL = r.DataURI
		case strings.HasPrefix(src, "data:"):
			img.Kind = "data_uri"
			img.URL = src
		case img.Source == "blob":
			// unread blob URLs die with the page
			continue
		default:
			img.Kind = "url"
			img.URL = src
		}
		if img.Kind == "data_uri" && img.Mime == "" {
			img.Mime = dataURIMime(img.URL)
		}
		if _, ok := seen[img.URL]; ok {
			continue
		}
		seen[img.URL] = struct{}{}
		out = append(out, img)
	}
	return out
}

func sourceOf(src string) string {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return "http"
	case strings.HasPrefix(src, "data:"):
		return "data"
	case strings.HasPrefix(src, "blob:"):
		return "blob"
	}
	return "relative"
}

func dataURIMime(uri string) string {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, ";,"); i >= 0 {
		return rest[:i]
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/roelfdiedericks/tabrelay/internal/extract"
)

// Element is a reply node backed by a rod element.
type Element struct {
	el *rod.Element
}

func (e *Element) ImageCount(ctx context.Context) (int, error) {
	res, err := e.el.Context(ctx).Eval(`() => this.querySelectorAll("img").length`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

const describeJS = `(names) => {
	const attrs = {};
	for (const n of names) {
		const v = this.getAttribute(n);
		if (v) attrs[n] = v;
	}
	const p = this.parentElement;
	return JSON.stringify({
		tag: this.tagName.toLowerCase(),
		attrs: attrs,
		classes: Array.from(this.classList),
		index: p ? Array.from(p.children).indexOf(this) : -1,
	});
}`

type description struct {
	Tag     string            `json:"tag"`
	Attrs   map[string]string `json:"attrs"`
	Classes []string          `json:"classes"`
	Index   int               `json:"index"`
}

// Describe reads everything anchoring needs in one round trip.
func (e *Element) Describe(ctx context.Context) (extract.Description, error) {
	res, err := e.el.Context(ctx).Eval(describeJS, extract.StableAttrs)
	if err != nil {
		return extract.Description{}, err
	}
	var d description
	if err := json.Unmarshal([]byte(res.Value.Str()), &d); err != nil {
		return extract.Description{}, fmt.Errorf("decode description: %w", err)
	}
	return extract.Description{Tag: d.Tag, Attrs: d.Attrs, Classes: d.Classes, Index: d.Index}, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *Element) HTML(ctx context.Context) (string, error) {
	return e.el.Context(ctx).HTML()
}

// Find returns the first descendant matching selector, or nil.
func (e *Element) Find(ctx context.Context, selector string) (extract.Element, error) {
	has, child, err := e.el.Context(ctx).Has(selector)
	if err != nil || !has {
		return nil, err
	}
	return &Element{el: child}, nil
}

// imagesJS collects images, reading blob: URLs into data URIs inside the
// page since they do not outlive it.
const imagesJS = `async (downloadBlobs, maxBytes) => {
	const out = [];
	for (const img of this.querySelectorAll("img")) {
		const src = img.currentSrc || img.src || "";
		const item = {src: src, alt: img.alt || "", width: img.naturalWidth || 0, height: img.naturalHeight || 0};
		if (downloadBlobs && src.startsWith("blob:")) {
			try {
				const blob = await (await fetch(src)).blob();
				if (blob.type.startsWith("image/") && (!maxBytes || blob.size <= maxBytes)) {
					item.dataURI = await new Promise((resolve, reject) => {
						const r = new FileReader();
						r.onload = () => resolve(r.result);
						r.onerror = reject;
						r.readAsDataURL(blob);
					});
					item.mime = blob.type;
					item.size = blob.size;
				}
			} catch (e) {}
		}
		out.push(item);
	}
	return JSON.stringify(out);
}`

type rawImage struct {
	Src     string `json:"src"`
	Alt     string `json:"alt"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	DataURI string `json:"dataURI"`
	Mime    string `json:"mime"`
	Size    int    `json:"size"`
}

func (e *Element) Images(ctx context.Context, q extract.ImageQuery) ([]extract.RawImage, error) {
	res, err := e.el.Context(ctx).Evaluate(rod.Eval(imagesJS, q.DownloadBlobs, q.MaxBytes).ByPromise())
	if err != nil {
		return nil, err
	}
	var raw []rawImage
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	out := make([]extract.RawImage, len(raw))
	for i, r := range raw {
		out[i] = extract.RawImage(r)
	}
	return out, nil
}

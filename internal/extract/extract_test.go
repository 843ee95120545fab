package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

type fakeElement struct {
	desc     Description
	text     string
	html     string
	children map[string]*fakeElement
	images   []RawImage
	query    ImageQuery
}

func (e *fakeElement) ImageCount(ctx context.Context) (int, error) { return len(e.images), nil }
func (e *fakeElement) Describe(ctx context.Context) (Description, error) { return e.desc, nil }
func (e *fakeElement) Text(ctx context.Context) (string, error) { return e.text, nil }
func (e *fakeElement) HTML(ctx context.Context) (string, error) { return e.html, nil }

func (e *fakeElement) Find(ctx context.Context, selector string) (Element, error) {
	if c, ok := e.children[selector]; ok {
		return c, nil
	}
	return nil, nil
}

func (e *fakeElement) Images(ctx context.Context, q ImageQuery) ([]RawImage, error) {
	e.query = q
	return e.images, nil
}

type plainNode struct{}

func (plainNode) ImageCount(ctx context.Context) (int, error) { return 0, nil }

func TestAnchorOf(t *testing.T) {
	tests := []struct {
		name string
		desc Description
		want string
	}{
		{
			name: "message id wins",
			desc: Description{Tag: "DIV", Attrs: map[string]string{"id": "x", "data-message-id": "m-1"}},
			want: "data-message-id=m-1",
		},
		{
			name: "turn id before testid",
			desc: Description{Attrs: map[string]string{"data-testid": "conv-turn", "data-turn-id": "7"}},
			want: "data-turn-id=7",
		},
		{
			name: "plain id",
			desc: Description{Tag: "div", Attrs: map[string]string{"id": "reply"}},
			want: "id=reply",
		},
		{
			name: "tag classes and index",
			desc: Description{Tag: "DIV", Classes: []string{"msg", "ai", "dark", "wide"}, Index: 4},
			want: "tag:div|cls=msg.ai.dark|idx=4",
		},
		{
			name: "detached without classes",
			desc: Description{Tag: "article", Index: -1},
			want: "tag:article",
		},
		{
			name: "unknown tag",
			desc: Description{Index: 0},
			want: "tag:unknown|idx=0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnchorOf(tt.desc))
		})
	}
}

func TestDOMExtractorPrefersContentNode(t *testing.T) {
	el := &fakeElement{
		text: "Copy\nAssistant said:\r\nThe body",
		children: map[string]*fakeElement{
			".markdown": {text: "  "},
			".prose":    {text: "\r\nThe body\r\nline two  "},
		},
	}
	got, err := NewDOM().ExtractText(context.Background(), el)
	require.NoError(t, err)
	assert.Equal(t, "The body\nline two", got)
}

func TestDOMExtractorFallsBackToNode(t *testing.T) {
	el := &fakeElement{text: "  whole node  "}
	got, err := NewDOM().ExtractText(context.Background(), el)
	require.NoError(t, err)
	assert.Equal(t, "whole node", got)
}

func TestExtractorRejectsForeignNode(t *testing.T) {
	_, err := NewDOM().ExtractText(context.Background(), plainNode{})
	assert.ErrorIs(t, err, ErrNotElement)
	_, err = NewDOM().Anchor(context.Background(), plainNode{})
	assert.ErrorIs(t, err, ErrNotElement)
}

func TestMarkdownExtractor(t *testing.T) {
	el := &fakeElement{
		html: `<div><p>Use <strong>go test</strong>:</p><ul><li>one</li><li>two</li></ul></div>`,
		desc: Description{Attrs: map[string]string{"data-message-id": "abc"}},
	}
	x := NewMarkdown()
	got, err := x.ExtractText(context.Background(), el)
	require.NoError(t, err)
	assert.Contains(t, got, "**go test**")
	assert.Contains(t, got, "- one")

	anchor, err := x.Anchor(context.Background(), el)
	require.NoError(t, err)
	assert.Equal(t, "data-message-id=abc", anchor)
}

func TestNormalizeImages(t *testing.T) {
	raw := []RawImage{
		{Src: "https://cdn.example/a.png", Alt: "a", Width: 512},
		{Src: "https://cdn.example/a.png"},
		{Src: "data:image/png;base64,AAAA"},
		{Src: "blob:https://chat.example/123"},
		{Src: "blob:https://chat.example/456", DataURI: "data:image/webp;base64,BBBB", Mime: "image/webp"},
		{Src: "/static/c.png"},
		{Src: "  "},
	}
	got := NormalizeImages(raw)
	require.Len(t, got, 4)

	assert.Equal(t, stream.Image{Kind: "url", URL: "https://cdn.example/a.png", Source: "http", Alt: "a", Width: 512}, got[0])
	assert.Equal(t, "data_uri", got[1].Kind)
	assert.Equal(t, "image/png", got[1].Mime)
	assert.Equal(t, "blob", got[2].Source)
	assert.Equal(t, "data:image/webp;base64,BBBB", got[2].URL)
	assert.Equal(t, "relative", got[3].Source)
	assert.Equal(t, "url", got[3].Kind)
}

func TestImageExtractorModes(t *testing.T) {
	el := &fakeElement{images: []RawImage{
		{Src: "https://x/1.png"},
		{Src: "https://x/2.png"},
		{Src: "https://x/3.png"},
	}}

	all, err := NewImages(DefaultImageConfig()).ExtractImages(context.Background(), el)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 10*1024*1024, el.query.MaxBytes)
	assert.True(t, el.query.DownloadBlobs)

	last, err := NewImages(ImageConfig{Mode: "last"}).ExtractImages(context.Background(), el)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "https://x/3.png", last[0].URL)

	first, err := NewImages(ImageConfig{Mode: "first"}).ExtractImages(context.Background(), el)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "https://x/1.png", first[0].URL)
}

func TestRegistry(t *testing.T) {
	x, err := New("")
	require.NoError(t, err)
	assert.IsType(t, &DOMExtractor{}, x)

	x, err = New("markdown")
	require.NoError(t, err)
	assert.IsType(t, &MarkdownExtractor{}, x)
	assert.Equal(t, DefaultContentSelectors, x.(*MarkdownExtractor).ContentSelectors)

	x, err = New("dom", ".answer")
	require.NoError(t, err)
	assert.Equal(t, []string{".answer"}, x.(*DOMExtractor).ContentSelectors)

	_, err = New("vision")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, []string{"dom", "markdown"}, Modes())
}

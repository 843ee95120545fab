package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	anchor string
	text   string
	images int
}

func (n fakeNode) ImageCount(ctx context.Context) (int, error) {
	return n.images, nil
}

type pageState struct {
	nodes      []fakeNode
	generating bool
}

// fakePage advances one scripted state per FindAll call and then holds
// the last state.
type fakePage struct {
	mu    sync.Mutex
	steps []pageState
	pos   int
	cur   pageState
}

func (p *fakePage) FindAll(ctx context.Context, selector string) ([]Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = p.steps[min(p.pos, len(p.steps)-1)]
	p.pos++
	out := make([]Node, len(p.cur.nodes))
	for i, n := range p.cur.nodes {
		out[i] = n
	}
	return out, nil
}

func (p *fakePage) Displayed(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.generating, nil
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractText(ctx context.Context, n Node) (string, error) {
	return n.(fakeNode).text, nil
}

func (fakeExtractor) Anchor(ctx context.Context, n Node) (string, error) {
	return n.(fakeNode).anchor, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollMin = 2 * time.Millisecond
	cfg.PollDefault = 2 * time.Millisecond
	cfg.PollMax = 5 * time.Millisecond
	cfg.TurnStartWait = 40 * time.Millisecond
	cfg.TurnStartPoll = 2 * time.Millisecond
	cfg.GenerationStartWait = 100 * time.Millisecond
	cfg.GenerationStartPoll = 2 * time.Millisecond
	cfg.Silence = 20 * time.Millisecond
	cfg.FallbackSilence = 400 * time.Millisecond
	cfg.ImageSilence = 20 * time.Millisecond
	cfg.SettleQuiet = 15 * time.Millisecond
	cfg.SettleHardCap = 60 * time.Millisecond
	cfg.SettlePoll = 2 * time.Millisecond
	cfg.HardTimeout = 2 * time.Second
	cfg.IndicatorTTL = time.Millisecond
	cfg.ImageTimeout = 30 * time.Millisecond
	return cfg
}

var history = []fakeNode{
	{anchor: "u0", text: "old question"},
	{anchor: "a0", text: "old answer"},
}

func withNodes(extra ...fakeNode) []fakeNode {
	out := append([]fakeNode{}, history...)
	return append(out, extra...)
}

func collect(t *testing.T, seq func(func(Delta, error) bool)) ([]Delta, error) {
	t.Helper()
	var deltas []Delta
	var last error
	seq(func(d Delta, err error) bool {
		if err != nil {
			last = err
			return true
		}
		deltas = append(deltas, d)
		return true
	})
	return deltas, last
}

func texts(deltas []Delta) []string {
	out := make([]string, len(deltas))
	for i, d := range deltas {
		out[i] = d.Text
	}
	return out
}

func TestTurnStreamsIncrementally(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "hi"}
	reply := func(s string) fakeNode { return fakeNode{anchor: "a1", text: s} }
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, reply("")), generating: true},
		{nodes: withNodes(user, reply("")), generating: true},
		{nodes: withNodes(user, reply("Hello")), generating: true},
		{nodes: withNodes(user, reply("Hello, wor")), generating: true},
		{nodes: withNodes(user, reply("Hello, world")), generating: true},
		{nodes: withNodes(user, reply("Hello, world")), generating: true},
		{nodes: withNodes(user, reply("Hello, world."))},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", ", wor", "ld", "."}, texts(deltas))
	for _, d := range deltas {
		assert.False(t, d.Resync)
	}
	assert.Equal(t, "Hello, world.", turn.FinalText())
	assert.Equal(t, StateDone, turn.State())
	assert.Equal(t, 4, turn.Stats().Deltas)
	assert.Equal(t, "stable", turn.Stats().Exit)
}

func TestTurnStreamsWithoutIndicator(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	steps := []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
	}
	text := ""
	for i := 0; i < 40; i++ {
		text += "word "
		st := pageState{nodes: withNodes(user, fakeNode{anchor: "a1", text: text}), generating: i < 3}
		steps = append(steps, st, st, st)
	}
	page := &fakePage{steps: steps}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, text, strings.Join(texts(deltas), ""))
	assert.Greater(t, len(deltas), 10)
	assert.Equal(t, text, turn.FinalText())
	assert.Equal(t, "stable", turn.Stats().Exit)
}

func TestTurnResyncsRewrittenPrefix(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	reply := func(s string) fakeNode { return fakeNode{anchor: "a1", text: s} }
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, reply("The quick brown fox")), generating: true},
		{nodes: withNodes(user, reply("The quick brown fox")), generating: true},
		{nodes: withNodes(user, reply("The quick brown fox")), generating: true},
		{nodes: withNodes(user, reply("THE QUICK BROWN FOX jumps")), generating: true},
		{nodes: withNodes(user, reply("THE QUICK BROWN FOX jumps over"))},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	require.Len(t, deltas, 3)
	assert.Equal(t, Delta{Text: "The quick brown fox"}, deltas[0])
	assert.Equal(t, Delta{Text: "THE QUICK BROWN FOX jumps", Resync: true}, deltas[1])
	assert.Equal(t, Delta{Text: " over"}, deltas[2])
	assert.Equal(t, 1, turn.Stats().Resyncs)
	assert.Equal(t, "THE QUICK BROWN FOX jumps over", turn.FinalText())
}

func TestTurnCollapse(t *testing.T) {
	long := strings.Repeat("a", 120)
	for _, release := range []bool{false, true} {
		user := fakeNode{anchor: "u1", text: "q"}
		// the reply node is re-rendered under a new anchor
		page := &fakePage{steps: []pageState{
			{nodes: withNodes()},
			{nodes: withNodes(user)},
			{nodes: withNodes(user, fakeNode{anchor: "A", text: long}), generating: true},
			{nodes: withNodes(user, fakeNode{anchor: "A", text: long}), generating: true},
			{nodes: withNodes(user, fakeNode{anchor: "A", text: long}), generating: true},
			{nodes: withNodes(user, fakeNode{anchor: "A2", text: "Re"}), generating: true},
			{nodes: withNodes(user, fakeNode{anchor: "A2", text: "Re"}), generating: true},
			{nodes: withNodes(user, fakeNode{anchor: "A2", text: "Rewritten answer"})},
		}}
		cfg := testConfig()
		cfg.CollapseReleasesAnchor = release

		turn := New(fakeExtractor{}, cfg).NewTurn(page, ".msg")
		deltas, err := collect(t, turn.Deltas(context.Background()))
		require.NoError(t, err)

		require.Len(t, deltas, 2, "release=%v", release)
		assert.Equal(t, Delta{Text: long}, deltas[0])
		assert.Equal(t, Delta{Text: "Rewritten answer", Resync: true}, deltas[1])
		assert.Equal(t, 1, turn.Stats().Collapses)
		assert.Zero(t, turn.Stats().Switches)
		assert.Equal(t, "Rewritten answer", turn.FinalText())
		if release {
			assert.Equal(t, "A2", turn.sc.TargetAnchor)
		} else {
			assert.Equal(t, "A", turn.sc.TargetAnchor)
		}
	}
}

func TestTurnExitsOnFallbackSilence(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	steps := []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
	}
	// text keeps flipping inside the shrink tolerance, so it is never stable
	for i := 0; i < 200; i++ {
		text := "Thinking about it"
		if i%2 == 1 {
			text = "Thinking about i"
		}
		steps = append(steps, pageState{nodes: withNodes(user, fakeNode{anchor: "a1", text: text}), generating: true})
	}
	cfg := testConfig()
	cfg.FallbackSilence = 60 * time.Millisecond

	turn := New(fakeExtractor{}, cfg).NewTurn(&fakePage{steps: steps}, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, "Thinking about it", strings.Join(texts(deltas), ""))
	assert.Equal(t, "silence", turn.Stats().Exit)
}

func TestTurnExitsOnImageSilence(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "draw"}
	reply := func(images int) fakeNode { return fakeNode{anchor: "a1", text: "Here", images: images} }
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, reply(0)), generating: true},
		{nodes: withNodes(user, reply(0)), generating: true},
		{nodes: withNodes(user, reply(0)), generating: true},
		{nodes: withNodes(user, reply(1)), generating: true},
	}}
	cfg := testConfig()
	cfg.Silence = time.Second

	turn := New(fakeExtractor{}, cfg).NewTurn(page, ".msg")
	start := time.Now()
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, []string{"Here"}, texts(deltas))
	assert.Equal(t, "images", turn.Stats().Exit)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTurnImageOnlyQuickReply(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "draw"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user, fakeNode{anchor: "a1", images: 1})},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Empty(t, deltas)
	assert.Equal(t, "quick_reply", turn.Stats().Exit)
	assert.Equal(t, StateDone, turn.State())
}

func TestTurnHardTimeout(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	steps := []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
	}
	text := ""
	for i := 0; i < 500; i++ {
		text += "x"
		steps = append(steps, pageState{nodes: withNodes(user, fakeNode{anchor: "a1", text: text}), generating: true})
	}
	cfg := testConfig()
	cfg.HardTimeout = 60 * time.Millisecond

	turn := New(fakeExtractor{}, cfg).NewTurn(&fakePage{steps: steps}, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, "hard_timeout", turn.Stats().Exit)
	assert.Equal(t, StateDone, turn.State())
	got := strings.Join(texts(deltas), "")
	assert.Equal(t, turn.FinalText(), got)
	assert.Less(t, len(got), len(text))
}

func TestTurnQuickReply(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "ping"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "pong, complete reply"})},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	start := time.Now()
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, []string{"pong, complete reply"}, texts(deltas))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDone, turn.State())
}

func TestTurnEarlyBaseline(t *testing.T) {
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(fakeNode{anchor: "u1", text: "ping"}, fakeNode{anchor: "a1", text: "pong"})},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	base := turn.Baseline(context.Background())
	assert.Equal(t, 2, base.NodeCount)

	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, []string{"pong"}, texts(deltas))
	assert.Equal(t, "pong", turn.FinalText())
}

func TestTurnAppendsToExistingNode(t *testing.T) {
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes()},
		{nodes: []fakeNode{history[0], {anchor: "a0", text: "old answer, and then more"}}, generating: true},
		{nodes: []fakeNode{history[0], {anchor: "a0", text: "old answer, and then more text"}}},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, ", and then more text", strings.Join(texts(deltas), ""))
	assert.Equal(t, ", and then more text", turn.FinalText())
}

func TestTurnIgnoresAnchorFlicker(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	a := func(s string) fakeNode { return fakeNode{anchor: "A", text: s} }
	ghost := fakeNode{anchor: "B", text: "ghost"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, a("one")), generating: true},
		{nodes: withNodes(user, a("one")), generating: true},
		{nodes: withNodes(user, a("one two"), ghost), generating: true},
		{nodes: withNodes(user, a("one two three")), generating: true},
		{nodes: withNodes(user, a("one two three four"))},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, "one two three four", strings.Join(texts(deltas), ""))
	assert.Zero(t, turn.Stats().Switches)
}

func TestTurnSwitchesToConfirmedNewNode(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	thinking := fakeNode{anchor: "T", text: "thinking"}
	answer := func(s string) fakeNode { return fakeNode{anchor: "R", text: s} }
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, thinking), generating: true},
		{nodes: withNodes(user, thinking), generating: true},
		{nodes: withNodes(user, thinking, answer("The")), generating: true},
		{nodes: withNodes(user, thinking, answer("The answer")), generating: true},
		{nodes: withNodes(user, thinking, answer("The answer")), generating: true},
		{nodes: withNodes(user, thinking, answer("The answer is 42"))},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	require.NotEmpty(t, deltas)
	assert.Equal(t, "thinking", deltas[0].Text)
	assert.Equal(t, "The answer is 42", strings.Join(texts(deltas[1:]), ""))
	assert.Equal(t, 1, turn.Stats().Switches)
	assert.Equal(t, "The answer is 42", turn.FinalText())
}

func settlingTurn(page *fakePage) *Turn {
	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	turn.sc = StreamContext{
		TargetAnchor: "A",
		TargetCount:  4,
		SentLength:   4,
		MaxSeenText:  []rune("done"),
	}
	return turn
}

func TestSettleIgnoresFlickeringNode(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	a := fakeNode{anchor: "A", text: "done"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes(user, a)},
		{nodes: withNodes(user, a, fakeNode{anchor: "B", text: "ghost"})},
		{nodes: withNodes(user, a)},
	}}

	turn := settlingTurn(page)
	var deltas []Delta
	ok := turn.settle(context.Background(), func(d Delta, err error) bool {
		deltas = append(deltas, d)
		return true
	})
	require.True(t, ok)

	assert.Empty(t, deltas)
	assert.Zero(t, turn.Stats().Switches)
	assert.Equal(t, "A", turn.sc.TargetAnchor)
	assert.Equal(t, "done", turn.FinalText())
}

func TestSettleRetargetsConfirmedNode(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	a := fakeNode{anchor: "A", text: "done"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes(user, a)},
		{nodes: withNodes(user, a, fakeNode{anchor: "B", text: "follow-up"})},
	}}

	turn := settlingTurn(page)
	var deltas []Delta
	ok := turn.settle(context.Background(), func(d Delta, err error) bool {
		deltas = append(deltas, d)
		return true
	})
	require.True(t, ok)

	assert.Equal(t, []string{"follow-up"}, texts(deltas))
	assert.Equal(t, 1, turn.Stats().Switches)
	assert.Equal(t, "B", turn.sc.TargetAnchor)
	assert.Equal(t, "follow-up", turn.FinalText())
}

func TestTurnGenerationTimeout(t *testing.T) {
	page := &fakePage{steps: []pageState{{nodes: withNodes()}}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))

	assert.Empty(t, deltas)
	require.Error(t, err)
	assert.True(t, IsTurnAbort(err))
	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.Equal(t, StateDone, turn.State())
}

func TestTurnTargetLost(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "partial"}), generating: true},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "partial"}), generating: true},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "partial answer"}), generating: true},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: ""}), generating: true},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	deltas, err := collect(t, turn.Deltas(context.Background()))

	assert.Equal(t, "partial answer", strings.Join(texts(deltas), ""))
	assert.ErrorIs(t, err, ErrTargetLost)
	assert.GreaterOrEqual(t, turn.Stats().ReadMisses, 10)
}

func TestTurnStopsOnStopFunc(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	steps := []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
	}
	text := ""
	for i := 0; i < 50; i++ {
		text += "word "
		steps = append(steps, pageState{nodes: withNodes(user, fakeNode{anchor: "a1", text: text}), generating: true})
	}
	page := &fakePage{steps: steps}

	var stop atomic.Bool
	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg", WithStop(stop.Load))

	var n int
	for d, err := range turn.Deltas(context.Background()) {
		require.NoError(t, err)
		require.NotEmpty(t, d.Text)
		n++
		if n == 2 {
			stop.Store(true)
		}
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, StateCancelled, turn.State())
}

func TestTurnConsumerBreak(t *testing.T) {
	user := fakeNode{anchor: "u1", text: "q"}
	page := &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "a"}), generating: true},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "a"}), generating: true},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "ab"}), generating: true},
		{nodes: withNodes(user, fakeNode{anchor: "a1", text: "abc"}), generating: true},
	}}

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	for range turn.Deltas(context.Background()) {
		break
	}
	assert.Equal(t, StateCancelled, turn.State())
}

func TestTurnContextCancel(t *testing.T) {
	page := &fakePage{steps: []pageState{{nodes: withNodes()}}}
	cfg := testConfig()
	cfg.GenerationStartWait = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	turn := New(fakeExtractor{}, cfg).NewTurn(page, ".msg")
	start := time.Now()
	deltas, err := collect(t, turn.Deltas(ctx))

	assert.Empty(t, deltas)
	assert.NoError(t, err)
	assert.Equal(t, StateCancelled, turn.State())
	assert.Less(t, time.Since(start), time.Second)
}

func TestTurnConsumedTwice(t *testing.T) {
	page := &fakePage{steps: []pageState{{nodes: withNodes()}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	turn := New(fakeExtractor{}, testConfig()).NewTurn(page, ".msg")
	collect(t, turn.Deltas(ctx))
	_, err := collect(t, turn.Deltas(ctx))
	assert.ErrorIs(t, err, ErrTurnConsumed)
}

type slowImages struct {
	delay time.Duration
}

func (s slowImages) ExtractImages(ctx context.Context, n Node) ([]Image, error) {
	select {
	case <-time.After(s.delay):
		return []Image{{URL: "https://img.example/1.png"}}, nil
	case <-ctx.Done():
		return nil, errors.New("cancelled")
	}
}

func imagePage() *fakePage {
	user := fakeNode{anchor: "u1", text: "draw"}
	img := fakeNode{anchor: "a1", text: "Here you go", images: 1}
	return &fakePage{steps: []pageState{
		{nodes: withNodes()},
		{nodes: withNodes(user)},
		{nodes: withNodes(user, img)},
	}}
}

func TestTurnImagesCollected(t *testing.T) {
	cfg := testConfig()
	cfg.ImagesEnabled = true

	turn := New(fakeExtractor{}, cfg, WithImages(slowImages{})).NewTurn(imagePage(), ".msg")
	_, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	require.Len(t, turn.Images(), 1)
	assert.Equal(t, "https://img.example/1.png", turn.Images()[0].URL)
}

func TestTurnSlowImagesAbandoned(t *testing.T) {
	cfg := testConfig()
	cfg.ImagesEnabled = true

	turn := New(fakeExtractor{}, cfg, WithImages(slowImages{delay: 2 * time.Second})).NewTurn(imagePage(), ".msg")
	start := time.Now()
	deltas, err := collect(t, turn.Deltas(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, "Here you go", strings.Join(texts(deltas), ""))
	assert.Empty(t, turn.Images())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDone, turn.State())
}

func TestIndicatorCacheRemembersHit(t *testing.T) {
	page := &countingPage{visible: "#stop"}
	now := time.Unix(0, 0)
	c := &indicatorCache{
		page:      page,
		selectors: []string{".a", ".b", "#stop"},
		ttl:       time.Second,
		now:       func() time.Time { return now },
	}

	assert.True(t, c.generating(context.Background()))
	assert.Equal(t, 3, page.calls)

	// cached
	assert.True(t, c.generating(context.Background()))
	assert.Equal(t, 3, page.calls)

	now = now.Add(2 * time.Second)
	assert.True(t, c.generating(context.Background()))
	assert.Equal(t, 4, page.calls)

	page.visible = ""
	now = now.Add(2 * time.Second)
	assert.False(t, c.generating(context.Background()))
}

type countingPage struct {
	visible string
	calls   int
}

func (p *countingPage) FindAll(ctx context.Context, selector string) ([]Node, error) {
	return nil, nil
}

func (p *countingPage) Displayed(ctx context.Context, selector string) (bool, error) {
	p.calls++
	return selector == p.visible, nil
}

func TestReaderPrefersAnchor(t *testing.T) {
	page := &fakePage{steps: []pageState{{nodes: []fakeNode{
		{anchor: "A", text: "first"},
		{anchor: "B", text: "second"},
		{anchor: "C", text: "third"},
	}}}}
	r := NewReader(page, ".msg", fakeExtractor{}, testConfig())

	snap, _, err := r.Read(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "second", snap.Text)
	assert.Equal(t, "B", snap.Anchor)
	assert.Equal(t, "C", snap.LastAnchor)
	assert.Equal(t, 3, snap.NodeCount)

	snap, _, err = r.Read(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, "third", snap.Text)
}

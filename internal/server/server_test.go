package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/tabrelay/internal/browser"
	"github.com/roelfdiedericks/tabrelay/internal/bus"
	"github.com/roelfdiedericks/tabrelay/internal/config"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
	"github.com/roelfdiedericks/tabrelay/internal/relay"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

type node struct {
	anchor string
	text   string
}

func (n node) ImageCount(ctx context.Context) (int, error) { return 0, nil }

// chatTab shows the history on the first read and a finished reply after.
type chatTab struct {
	id     string
	reads  atomic.Int32
	before []node
	after  []node
}

func newChatTab(id, reply string) *chatTab {
	history := []node{{anchor: "u0", text: "old"}, {anchor: "a0", text: "old answer"}}
	return &chatTab{
		id:     id,
		before: history,
		after:  append(append([]node{}, history...), node{anchor: "u1", text: "hi"}, node{anchor: "a1", text: reply}),
	}
}

func (t *chatTab) ID() string { return t.id }
func (t *chatTab) Location(ctx context.Context) (string, error) {
	return "https://chatgpt.com/c/" + t.id, nil
}
func (t *chatTab) Activate(ctx context.Context) error { return nil }
func (t *chatTab) Reset(ctx context.Context) error    { return nil }

func (t *chatTab) FindAll(ctx context.Context, selector string) ([]stream.Node, error) {
	nodes := t.before
	if t.reads.Add(1) > 1 {
		nodes = t.after
	}
	out := make([]stream.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out, nil
}

func (t *chatTab) Displayed(ctx context.Context, selector string) (bool, error) { return false, nil }

type tabs []pool.Tab

func (s tabs) Tabs(ctx context.Context) ([]pool.Tab, error) { return s, nil }

type extractor struct{}

func (extractor) ExtractText(ctx context.Context, n stream.Node) (string, error) {
	return n.(node).text, nil
}

func (extractor) Anchor(ctx context.Context, n stream.Node) (string, error) {
	return n.(node).anchor, nil
}

func engineConfig() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.PollMin = 2 * time.Millisecond
	cfg.PollDefault = 2 * time.Millisecond
	cfg.PollMax = 5 * time.Millisecond
	cfg.TurnStartWait = 40 * time.Millisecond
	cfg.TurnStartPoll = 2 * time.Millisecond
	cfg.GenerationStartWait = 100 * time.Millisecond
	cfg.GenerationStartPoll = 2 * time.Millisecond
	cfg.Silence = 20 * time.Millisecond
	cfg.FallbackSilence = 200 * time.Millisecond
	cfg.SettleQuiet = 10 * time.Millisecond
	cfg.SettleHardCap = 40 * time.Millisecond
	cfg.SettlePoll = 2 * time.Millisecond
	cfg.IndicatorTTL = time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, pt ...pool.Tab) *Server {
	t.Helper()
	m := metrics.New()
	a := &App{
		Browser: browser.NewManager(browser.DefaultConfig(), t.TempDir()),
		Metrics: m,
		Events:  bus.New(),
	}
	cfg := config.Default()
	cfg.HTTP.DefaultSelector = ".msg"
	a.cfg.Store(cfg)
	a.Pool = pool.New(tabs(pt), pool.Config{AcquireTimeout: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		pool.WithMetrics(m), pool.WithBus(a.Events))
	a.Relay = relay.New(a.Pool, stream.New(extractor{}, engineConfig(), stream.WithMetrics(m)),
		relay.WithMetrics(m),
		relay.WithSelectors(a.selectors(cfg)),
	)
	t.Cleanup(a.Pool.Shutdown)
	return New(a)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"), newChatTab("t2", "y"))
	_, err := s.app.Start(context.Background())
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Pool.Total)
	assert.Equal(t, 2, st.Pool.Idle)
	assert.False(t, st.Browser.Connected)
	assert.NotEmpty(t, st.Uptime)
}

func TestTabs(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"))
	_, err := s.app.Start(context.Background())
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/tabs/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []pool.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "gpt_1", sessions[0].ID)
}

func TestSetPreset(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"))
	_, err := s.app.Start(context.Background())
	require.NoError(t, err)

	rec := do(t, s, http.MethodPut, "/tabs/1/preset", `{"preset":"fast"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fast", s.app.Pool.Preset(1))

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/tabs/zero/preset", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/tabs/1/preset", `{`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPut, "/tabs/9/preset", `{"preset":"x"}`).Code)
}

func TestReleaseAllAndRefresh(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"))
	ctx := context.Background()
	_, err := s.app.Start(ctx)
	require.NoError(t, err)
	_, err = s.app.Pool.Acquire(ctx, "stuck", time.Second)
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/tabs/release-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"released":1}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/tabs/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"adopted":0}`, rec.Body.String())
}

func readEvents(t *testing.T, body string) []WatchEvent {
	t.Helper()
	var out []WatchEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var ev WatchEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	return out
}

func TestWatchStreamsReply(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "pong reply"))

	rec := do(t, s, http.MethodGet, "/tabs/1/watch?timeout=5s", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events := readEvents(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 2)
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, relay.SourceDOM, ev.Source)
		assert.Equal(t, "gpt_1", ev.Session)
		text.WriteString(ev.Text)
	}
	assert.Equal(t, "pong reply", text.String())

	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.Equal(t, events[0].ID, last.ID)
	assert.Equal(t, 1, s.app.Pool.Status().Idle)
}

func TestWatchErrors(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"))

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/tabs/x/watch", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/tabs/1/watch?timeout=soon", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/tabs/4/watch", "").Code)
}

func TestWatchBusyTab(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"))
	_, err := s.app.Pool.Acquire(context.Background(), "other", time.Second)
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/tabs/1/watch?timeout=50ms", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newChatTab("t1", "x"))
	s.app.Metrics.IncrementCounter("relay", "run")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), "tabrelay_")
}

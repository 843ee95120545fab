package netsource

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
)

// RodCapture captures responses of one page over the CDP Network domain.
type RodCapture struct {
	page *rod.Page

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending map[proto.NetworkRequestID]string
	ch      chan Response
}

// NewRodCapture creates a capture for page.
func NewRodCapture(page *rod.Page) *RodCapture {
	return &RodCapture{page: page}
}

// NewRodAdapter is an Adapter capturing page's network traffic.
func NewRodAdapter(page *rod.Page, parser Parser, cfg Config, m *metrics.Manager) *Adapter {
	return NewAdapter(NewRodCapture(page), parser, cfg, m)
}

func (c *RodCapture) Start(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := c.page.Context(cctx)
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.pending = make(map[proto.NetworkRequestID]string)
	c.ch = make(chan Response, 64)
	ch := c.ch

	wait := p.EachEvent(
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil || !strings.Contains(e.Response.URL, pattern) {
				return
			}
			c.mu.Lock()
			c.pending[e.RequestID] = e.Response.URL
			c.mu.Unlock()
			c.push(ch, Response{URL: e.Response.URL})
		},
		func(e *proto.NetworkLoadingFinished) {
			c.mu.Lock()
			url, ok := c.pending[e.RequestID]
			c.mu.Unlock()
			if !ok {
				return
			}
			// Body fetches are CDP calls; keep them off the event loop
			go c.fetchBody(p, ch, e.RequestID, url)
		},
		func(e *proto.NetworkLoadingFailed) {
			c.mu.Lock()
			delete(c.pending, e.RequestID)
			c.mu.Unlock()
		},
	)
	go wait()
	return nil
}

func (c *RodCapture) fetchBody(p *rod.Page, ch chan Response, id proto.NetworkRequestID, url string) {
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p)
	if err != nil {
		L_debug("netsource: response body unavailable", "url", url, "error", err)
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		if body, err = base64.StdEncoding.DecodeString(res.Body); err != nil {
			L_debug("netsource: bad base64 body", "url", url, "error", err)
			return
		}
	}
	c.push(ch, Response{URL: url, Body: body})
}

func (c *RodCapture) push(ch chan Response, r Response) {
	select {
	case ch <- r:
	default:
		L_warn("netsource: capture buffer full, dropping response", "url", r.URL)
	}
}

func (c *RodCapture) Next(ctx context.Context, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return Response{}, ErrNoResponse
	}
	if timeout <= 0 {
		select {
		case r := <-ch:
			return r, nil
		default:
			return Response{}, ErrNoResponse
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r, nil
	case <-t.C:
		return Response{}, ErrNoResponse
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *RodCapture) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *RodCapture) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.pending = nil
	c.ch = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := (proto.NetworkDisable{}).Call(c.page.Timeout(2 * time.Second)); err != nil {
		L_trace("netsource: network disable failed", "error", err)
	}
}

package netsource

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// ParseResult is what a parser found in one response body.
type ParseResult struct {
	Content string
	Done    bool
}

// Parser turns captured response bodies into reply text.
type Parser interface {
	Parse(body []byte) (ParseResult, error)
	// Reset clears per-turn state.
	Reset()
}

// JQParser evaluates jq expressions against each JSON document in a body:
// the whole body, or each SSE "data:" line. "data: [DONE]" ends the turn.
type JQParser struct {
	content *gojq.Code
	done    *gojq.Code
	// Cumulative means each document carries the full text so far; only
	// the new suffix is returned.
	cumulative bool

	emitted string
}

// NewJQParser compiles the content expression and the optional done expression.
func NewJQParser(contentExpr, doneExpr string, cumulative bool) (*JQParser, error) {
	content, err := compile(contentExpr)
	if err != nil {
		return nil, fmt.Errorf("content expression: %w", err)
	}
	p := &JQParser{content: content, cumulative: cumulative}
	if doneExpr != "" {
		if p.done, err = compile(doneExpr); err != nil {
			return nil, fmt.Errorf("done expression: %w", err)
		}
	}
	return p, nil
}

func compile(expr string) (*gojq.Code, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(q)
}

func (p *JQParser) Reset() {
	p.emitted = ""
}

func (p *JQParser) Parse(body []byte) (ParseResult, error) {
	docs, sawDone := documents(body)
	if len(docs) == 0 && !sawDone {
		return ParseResult{}, fmt.Errorf("no JSON documents in %d byte body", len(body))
	}

	var res ParseResult
	var text strings.Builder
	for _, doc := range docs {
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			continue
		}
		if s, ok := first(p.content, v); ok {
			if str, ok := s.(string); ok {
				if p.cumulative {
					text.Reset()
				}
				text.WriteString(str)
			}
		}
		if p.done != nil {
			if d, ok := first(p.done, v); ok && truthy(d) {
				res.Done = true
			}
		}
	}
	res.Done = res.Done || sawDone

	got := text.String()
	if !p.cumulative {
		res.Content = got
		return res, nil
	}
	if got == "" {
		return res, nil
	}
	if strings.HasPrefix(got, p.emitted) {
		res.Content = got[len(p.emitted):]
	} else {
		res.Content = got
	}
	p.emitted = got
	return res, nil
}

// documents splits a body into JSON documents.
func documents(body []byte) (docs [][]byte, done bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}
	if json.Valid(trimmed) {
		return [][]byte{trimmed}, false
	}

	sse := bytes.Contains(body, []byte("data:"))
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if sse {
			payload, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			line = bytes.TrimSpace(payload)
			if string(line) == "[DONE]" {
				done = true
				continue
			}
		}
		if len(line) > 0 {
			docs = append(docs, append([]byte(nil), line...))
		}
	}
	return docs, done
}

// first returns the first non-null result of code on v.
func first(code *gojq.Code, v any) (any, bool) {
	iter := code.Run(v)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil, false
		}
		if _, isErr := out.(error); isErr {
			continue
		}
		if out != nil {
			return out, true
		}
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}

package pool

import (
	"net/url"
	"strings"
)

// siteAbbreviations maps host fragments to short session id prefixes. First match wins.
var siteAbbreviations = []struct{ match, abbr string }{
	{"chatgpt", "gpt"},
	{"openai", "gpt"},
	{"gemini", "gemini"},
	{"aistudio", "aistudio"},
	{"claude", "claude"},
	{"anthropic", "claude"},
	{"poe", "poe"},
	{"bing", "bing"},
	{"copilot", "copilot"},
	{"perplexity", "pplx"},
	{"lmarena", "lmarena"},
	{"chat", "chat"},
}

// hostOf returns the host of a location, or "" when it has none.
func hostOf(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// siteAbbr derives the session id prefix for a tab location.
func siteAbbr(location string) string {
	host := strings.TrimPrefix(hostOf(location), "www.")
	if host == "" {
		return "tab"
	}
	for _, s := range siteAbbreviations {
		if strings.Contains(host, s.match) {
			return s.abbr
		}
	}
	first, _, _ := strings.Cut(host, ".")
	if len(first) > 10 {
		first = first[:10]
	}
	return first
}

type skipKind int

const (
	adoptTab skipKind = iota
	skipForever
	skipForNow
)

var permanentSkips = []string{
	"chrome://newtab/",
	"chrome://new-tab-page/",
	"chrome-error://",
	"chrome://crashes/",
	"chrome://settings/",
}

// classify decides whether discovery adopts a tab at location. Tabs that
// are still loading are re-checked on the next scan.
func classify(location string) skipKind {
	for _, p := range permanentSkips {
		if strings.Contains(location, p) {
			return skipForever
		}
	}
	if location == "" || strings.Contains(location, "about:blank") {
		return skipForNow
	}
	return adoptTab
}

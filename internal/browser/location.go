package browser

import (
	"fmt"
	"net/url"
	"strings"
)

// LocationError reports a tab location that cannot host a chat.
type LocationError struct {
	Location string
	Reason   string
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("unusable location %q: %s", e.Location, e.Reason)
}

var deadPages = []string{
	"about:blank",
	"chrome://newtab/",
	"chrome://new-tab-page/",
	"chrome-error://",
	"about:neterror",
}

var badSchemes = []string{"javascript:", "data:", "blob:about:"}

var allowedSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true}

// CheckLocation reports whether a tab at loc is usable. It is the pool's
// health check.
func CheckLocation(loc string) error {
	if loc == "" {
		return &LocationError{Location: loc, Reason: "no location"}
	}
	for _, p := range deadPages {
		if strings.Contains(loc, p) {
			return &LocationError{Location: loc, Reason: "placeholder or error page"}
		}
	}
	for _, p := range badSchemes {
		if strings.HasPrefix(loc, p) {
			return &LocationError{Location: loc, Reason: fmt.Sprintf("scheme %q not allowed", strings.TrimSuffix(p, ":"))}
		}
	}
	if !strings.Contains(loc, "://") {
		return &LocationError{Location: loc, Reason: "not an absolute URL"}
	}
	u, err := url.Parse(loc)
	if err != nil {
		return &LocationError{Location: loc, Reason: fmt.Sprintf("invalid URL: %v", err)}
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return &LocationError{Location: loc, Reason: fmt.Sprintf("scheme %q not allowed, only http/https/ws/wss", u.Scheme)}
	}
	return nil
}

// siteRoot returns scheme://host/ of loc, or "" if loc has no host.
func siteRoot(loc string) string {
	u, err := url.Parse(loc)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

package extract

import (
	"fmt"
	"sort"

	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

var modes = map[string]func(sel []string) stream.Extractor{
	"dom":      func(sel []string) stream.Extractor { return &DOMExtractor{ContentSelectors: sel} },
	"markdown": func(sel []string) stream.Extractor { return &MarkdownExtractor{DOMExtractor{ContentSelectors: sel}} },
}

// New returns the extractor registered for mode. An empty mode is "dom";
// no content selectors means DefaultContentSelectors.
func New(mode string, contentSelectors ...string) (stream.Extractor, error) {
	if mode == "" {
		mode = "dom"
	}
	build, ok := modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownMode, mode, Modes())
	}
	if len(contentSelectors) == 0 {
		contentSelectors = DefaultContentSelectors
	}
	return build(contentSelectors), nil
}

// Modes lists the registered extractor modes.
func Modes() []string {
	out := make([]string, 0, len(modes))
	for m := range modes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

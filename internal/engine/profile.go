package engine

import (
	"fmt"
	"net/url"

	"github.com/gobwas/glob"
)

// Profile describes one engine's page: where to start, how to find the input,
// how to tell generation is running, and where the answer and its sources live.
type Profile struct {
	ID       ID
	EntryURL string
	// LoginURLMarkers are substrings of the current URL that mean a login wall.
	LoginURLMarkers []string
	LoginSelectors  []string
	// InputSelectors are tried in order; the first present one is used.
	InputSelectors []string
	// SubmitSelector is clicked to send the prompt. Empty means press Enter.
	SubmitSelector   string
	LoadingSelectors []string
	// ResponseSelectors locate answer containers; the last match is the newest answer.
	ResponseSelectors []string
	// SourceSelectors match anchors inside structured source panels.
	SourceSelectors []string
	// OwnDomains are host globs excluded from citations.
	OwnDomains []string
	// RewriteCitation may unwrap redirects or strip tracking parameters.
	// Returning false drops the link.
	RewriteCitation func(u *url.URL) bool
}

func (p Profile) compileOwnDomains() ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(p.OwnDomains))
	for _, pattern := range p.OwnDomains {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile own-domain glob %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func stripQueryParams(u *url.URL, names ...string) {
	q := u.Query()
	changed := false
	for _, name := range names {
		if q.Has(name) {
			q.Del(name)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
}

package engine

import "net/url"

var geminiProfile = Profile{
	ID:              Gemini,
	EntryURL:        "https://gemini.google.com/app",
	LoginURLMarkers: []string{"accounts.google.com", "/ServiceLogin"},
	LoginSelectors:  []string{`a[href*="accounts.google.com/ServiceLogin"]`},
	InputSelectors: []string{
		`rich-textarea .ql-editor`,
		`div[contenteditable="true"][role="textbox"]`,
		`textarea`,
	},
	SubmitSelector:    `button[aria-label="Send message"]`,
	LoadingSelectors:  []string{`.loading-indicator`, `button[aria-label="Stop response"]`},
	ResponseSelectors: []string{`model-response message-content`, `message-content`, `.model-response-text`},
	SourceSelectors:   []string{`sources-list a[href]`, `.source-chip a[href]`},
	OwnDomains:        []string{"{gemini.google.com,accounts.google.com,support.google.com,gstatic.com,*.gstatic.com}"},
	RewriteCitation:   unwrapGoogleRedirect,
}

// unwrapGoogleRedirect replaces google.com/url?q=<target> with the target.
func unwrapGoogleRedirect(u *url.URL) bool {
	if u.Path != "/url" || registrableDomain(u.Hostname()) != "google.com" {
		return true
	}
	target := u.Query().Get("q")
	if target == "" {
		target = u.Query().Get("url")
	}
	inner, err := url.Parse(target)
	if err != nil || (inner.Scheme != "http" && inner.Scheme != "https") {
		return false
	}
	*u = *inner
	return true
}

// NewGemini builds the Gemini adapter.
func NewGemini(d Deps) Adapter { return NewBase(geminiProfile, d) }

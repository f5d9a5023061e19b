package engine

import "net/url"

var copilotProfile = Profile{
	ID:              Copilot,
	EntryURL:        "https://copilot.microsoft.com/",
	LoginURLMarkers: []string{"login.live.com", "login.microsoftonline.com"},
	LoginSelectors:  []string{`button[title="Sign in"]`},
	InputSelectors: []string{
		`textarea#userInput`,
		`textarea[placeholder*="Message Copilot"]`,
		`textarea`,
	},
	SubmitSelector:    `button[title="Submit message"]`,
	LoadingSelectors:  []string{`button[title="Stop responding"]`, `[data-testid="typing-indicator"]`},
	ResponseSelectors: []string{`div[data-content="ai-message"]`, `.ac-textBlock`},
	SourceSelectors:   []string{`div[data-testid="citation-list"] a[href]`, `a[data-citation]`},
	OwnDomains:        []string{"{copilot.microsoft.com,*.bing.com,bing.com,microsoft.com,*.microsoft.com}"},
	RewriteCitation: func(u *url.URL) bool {
		stripQueryParams(u, "utm_source", "form", "ocid")
		return true
	},
}

// NewCopilot builds the Copilot adapter.
func NewCopilot(d Deps) Adapter { return NewBase(copilotProfile, d) }

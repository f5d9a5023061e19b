package engine

var perplexityProfile = Profile{
	ID:              Perplexity,
	EntryURL:        "https://www.perplexity.ai/",
	LoginURLMarkers: []string{"/auth/signin"},
	LoginSelectors:  []string{`div[data-testid="login-modal"]`},
	InputSelectors: []string{
		`textarea[placeholder*="Ask"]`,
		`#ask-input`,
		`div[contenteditable="true"]`,
		`textarea`,
	},
	SubmitSelector:    `button[aria-label="Submit"]`,
	LoadingSelectors:  []string{`[data-testid="answer-loading"]`, `button[aria-label="Stop"]`},
	ResponseSelectors: []string{`div[id^="markdown-content"]`, `.prose`},
	SourceSelectors: []string{
		`div[data-testid="sources"] a[href]`,
		`.citation a[href]`,
	},
	OwnDomains: []string{"{perplexity.ai,*.perplexity.ai,pplx.ai,*.pplx.ai}"},
}

// NewPerplexity builds the Perplexity adapter.
func NewPerplexity(d Deps) Adapter { return NewBase(perplexityProfile, d) }

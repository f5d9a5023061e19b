package engine

var claudeProfile = Profile{
	ID:              Claude,
	EntryURL:        "https://claude.ai/new",
	LoginURLMarkers: []string{"/login", "/magic-link"},
	LoginSelectors:  []string{`button[data-testid="login-with-google"]`, `input[type="email"]`},
	InputSelectors: []string{
		`div[contenteditable="true"].ProseMirror`,
		`div[contenteditable="true"]`,
		`textarea`,
	},
	SubmitSelector:    `button[aria-label="Send message"]`,
	LoadingSelectors:  []string{`button[aria-label="Stop response"]`, `[data-is-streaming="true"]`},
	ResponseSelectors: []string{`div.font-claude-message`, `[data-testid="assistant-message"]`},
	SourceSelectors:   []string{`div[data-testid="citation-list"] a[href]`},
	OwnDomains:        []string{"{claude.ai,*.claude.ai,anthropic.com,*.anthropic.com}"},
}

// NewClaude builds the Claude adapter.
func NewClaude(d Deps) Adapter { return NewBase(claudeProfile, d) }

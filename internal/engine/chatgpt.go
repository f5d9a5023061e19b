package engine

import "net/url"

var chatGPTProfile = Profile{
	ID:              ChatGPT,
	EntryURL:        "https://chatgpt.com/",
	LoginURLMarkers: []string{"/auth/login", "auth.openai.com"},
	LoginSelectors:  []string{`[data-testid="login-button"]`, `button[data-testid="welcome-login-button"]`},
	InputSelectors: []string{
		`#prompt-textarea`,
		`div[contenteditable="true"][id="prompt-textarea"]`,
		`textarea[data-id="root"]`,
		`textarea`,
	},
	SubmitSelector:    `button[data-testid="send-button"]`,
	LoadingSelectors:  []string{`button[data-testid="stop-button"]`, `.result-streaming`},
	ResponseSelectors: []string{`div[data-message-author-role="assistant"] .markdown`, `div[data-message-author-role="assistant"]`},
	SourceSelectors:   []string{`div[data-testid="sources-panel"] a[href]`},
	OwnDomains:        []string{"{openai.com,*.openai.com,chatgpt.com,*.chatgpt.com,oaiusercontent.com,*.oaiusercontent.com}"},
	RewriteCitation: func(u *url.URL) bool {
		stripQueryParams(u, "utm_source")
		return true
	},
}

// NewChatGPT builds the ChatGPT adapter.
func NewChatGPT(d Deps) Adapter { return NewBase(chatGPTProfile, d) }

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponsePrefersSourcePanel(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<div id="markdown-content-1"><p>Old answer</p></div>
<div id="markdown-content-2"><p>Acme makes the <b>best</b> widgets.</p>
  <a href="https://inline.example.org/">inline</a></div>
<div data-testid="sources">
  <div><a href="https://www.reviews.example.com/acme" title="Acme review">1</a> Independent review of Acme widgets</div>
  <div><a href="/search/related">related</a></div>
  <div><a href="https://blog.example.co.uk/widgets#comments">Widget roundup</a></div>
  <div><a href="https://www.reviews.example.com/acme">again</a></div>
</div>
</body></html>`

	parsed, err := NewPerplexity(Deps{}).ParseResponse(html)
	require.NoError(t, err)
	assert.Equal(t, "Acme makes the best widgets. inline", parsed.ResponseText)
	require.Len(t, parsed.Citations, 2)

	first := parsed.Citations[0]
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, "https://www.reviews.example.com/acme", first.URL)
	assert.Equal(t, "Acme review", first.Title)
	assert.Equal(t, "example.com", first.Domain)
	assert.Equal(t, "1 Independent review of Acme widgets", first.Snippet)

	second := parsed.Citations[1]
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, "https://blog.example.co.uk/widgets", second.URL)
	assert.Equal(t, "example.co.uk", second.Domain)
}

func TestParseResponseInlineFallback(t *testing.T) {
	t.Parallel()

	html := `<div data-message-author-role="assistant"><div class="markdown">
<p>See <a href="https://www.example.com/review?utm_source=chatgpt.com">this review</a>
and <a href="/c/abc123">a previous chat</a>
or <a href="https://www.example.com/review?utm_source=chatgpt.com#top">the same review</a>
and <a href="https://news.example.net/story?id=7&utm_source=chatgpt.com">a story</a>.</p>
</div></div>`

	parsed, err := NewChatGPT(Deps{}).ParseResponse(html)
	require.NoError(t, err)
	require.Len(t, parsed.Citations, 2)
	assert.Equal(t, "https://www.example.com/review", parsed.Citations[0].URL)
	assert.Equal(t, "this review", parsed.Citations[0].Title)
	assert.Empty(t, parsed.Citations[0].Snippet)
	assert.Equal(t, "https://news.example.net/story?id=7", parsed.Citations[1].URL)
	assert.Equal(t, 2, parsed.Citations[1].Position)
}

func TestParseResponseUnwrapsGoogleRedirects(t *testing.T) {
	t.Parallel()

	html := `<model-response><message-content>Answer text
<a href="https://www.google.com/url?q=https://acme.example.com/pricing&sa=D">pricing</a>
<a href="https://www.google.com/url?q=javascript:alert(1)">bad</a>
<a href="https://support.google.com/gemini">help</a>
</message-content></model-response>`

	parsed, err := NewGemini(Deps{}).ParseResponse(html)
	require.NoError(t, err)
	require.Len(t, parsed.Citations, 1)
	assert.Equal(t, "https://acme.example.com/pricing", parsed.Citations[0].URL)
	assert.Equal(t, "example.com", parsed.Citations[0].Domain)
}

func TestParseResponseWithoutContainer(t *testing.T) {
	t.Parallel()

	_, err := NewClaude(Deps{}).ParseResponse(`<html><body><p>Loading…</p></body></html>`)
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestConfidence(t *testing.T) {
	t.Parallel()

	long := make([]byte, 250)
	for i := range long {
		long[i] = 'a'
	}
	cases := []struct {
		name      string
		complete  bool
		text      string
		citations int
		want      float64
	}{
		{"empty", false, "", 0, 0},
		{"short partial", false, "yes", 0, 0.1},
		{"medium complete", true, "Acme is a widget maker based in Springfield.", 0, 0.7},
		{"full", true, string(long), 3, 1},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, Confidence(tc.complete, tc.text, tc.citations), 1e-9, tc.name)
	}
}

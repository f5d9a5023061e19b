package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answer-engine-crawler/internal/behavior"
	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/challenge"
	"github.com/JakeFAU/answer-engine-crawler/internal/clock/manual"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

const chatGPTAnswer = `<div data-message-author-role="assistant"><div class="markdown">
<p>Acme Widgets is frequently recommended for durability and price, according to several reviews.</p>
<a href="https://www.example.com/review?utm_source=chatgpt.com">Example review</a>
<a href="https://news.example.co.uk/story">Story</a>
</div></div>`

type recordingBlobs struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *recordingBlobs) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.paths = append(r.paths, path)
	return "mem://" + path, nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testDeps(policy challenge.Policy, blobs crawler.BlobStore) Deps {
	sim := behavior.New(behavior.Options{
		Rand:  rand.New(rand.NewPCG(3, 4)),
		Sleep: behavior.SleepFunc(noSleep),
	})
	return Deps{
		Simulator:    sim,
		Challenge:    policy,
		Blobs:        blobs,
		Clock:        manual.New(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)),
		Timeouts:     Timeouts{Navigation: time.Second, Input: 3 * time.Second, Response: 10 * time.Second},
		PollInterval: time.Second,
		Sleep:        noSleep,
	}
}

func chatGPTPage() *browser.FakePage {
	page := browser.NewFakePage()
	page.SetBox("#prompt-textarea", browser.Box{X: 200, Y: 640, Width: 700, Height: 48})
	page.SetPresent(true, `button[data-testid="send-button"]`)
	page.OnClick = func(p *browser.FakePage, selector string) {
		if selector == `button[data-testid="send-button"]` {
			p.SetContent(chatGPTAnswer)
		}
	}
	return page
}

func TestCrawlSuccess(t *testing.T) {
	t.Parallel()

	blobs := &recordingBlobs{}
	adapter := NewChatGPT(testDeps(challenge.Policy{Strategy: challenge.StrategySmart}, blobs))
	page := chatGPTPage()

	res := adapter.Crawl(context.Background(), page, Request{TaskID: "task-1", QueryID: "q1", Query: "best widgets", TakeScreenshot: true})

	require.Empty(t, res.Error)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "chatgpt", res.Engine)
	assert.Equal(t, "q1", res.QueryID)
	assert.Equal(t, "best widgets", res.Query)
	assert.True(t, res.IsComplete)
	assert.Contains(t, res.ResponseText, "Acme Widgets is frequently recommended")
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "https://www.example.com/review", res.Citations[0].URL)
	assert.Equal(t, 2, res.Citations[1].Position)
	assert.Equal(t, chatGPTAnswer, res.RawHTML)
	assert.InDelta(t, 0.9, res.ConfidenceScore, 1e-9)
	assert.Equal(t, "mem://chatgpt/task-1/q1.png", res.ScreenshotPath)
	assert.Equal(t, []string{"chatgpt/task-1/q1.html", "chatgpt/task-1/q1.png"}, blobs.paths)

	assert.Equal(t, []string{"https://chatgpt.com/"}, page.Visits())
	assert.Equal(t, []string{`button[data-testid="send-button"]`}, page.Clicks())
	typed := ""
	for _, k := range page.Keys() {
		typed += k
	}
	assert.Equal(t, "best widgets", typed)
	assert.NotEmpty(t, page.Moves())
	assert.NotEmpty(t, page.Scrolls())
}

func TestCrawlSubmitsWithEnterWithoutButton(t *testing.T) {
	t.Parallel()

	adapter := NewChatGPT(testDeps(challenge.Policy{}, nil))
	page := browser.NewFakePage()
	page.SetPresent(true, "textarea")
	page.OnKey = func(p *browser.FakePage, key string) {
		if key == browser.KeyEnter {
			p.SetContent(chatGPTAnswer)
		}
	}

	res := adapter.Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hi"})
	require.Empty(t, res.Error)
	assert.Empty(t, res.ScreenshotPath)
	assert.Equal(t, browser.KeyEnter, page.Keys()[len(page.Keys())-1])
}

func TestCrawlLoginRequired(t *testing.T) {
	t.Parallel()

	adapter := NewClaude(testDeps(challenge.Policy{Strategy: challenge.StrategySmart}, nil))
	page := browser.NewFakePage()
	page.SetPresent(true, `input[type="email"]`)

	res := adapter.Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hello"})
	assert.True(t, res.LoginRequired)
	assert.Equal(t, crawler.ErrorKindAccess, res.ErrorKind)
	assert.Contains(t, res.Error, "login required")
	assert.Empty(t, page.Keys())
}

func TestCrawlChallengeEscalates(t *testing.T) {
	t.Parallel()

	adapter := NewPerplexity(testDeps(challenge.Policy{Strategy: challenge.StrategyAPI, Timeout: time.Minute}, nil))
	page := browser.NewFakePage()
	page.SetPresent(true, ".cf-turnstile", "textarea")

	res := adapter.Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hello"})
	assert.Equal(t, crawler.ErrorKindAccess, res.ErrorKind)
	assert.Equal(t, string(challenge.Turnstile), res.Challenge)
	assert.False(t, res.LoginRequired)
	assert.Zero(t, res.ConfidenceScore)
}

func TestCrawlChallengeClearsWithinBudget(t *testing.T) {
	t.Parallel()

	page := browser.NewFakePage()
	page.SetPresent(true, ".cf-turnstile", "textarea")
	polls := 0
	deps := testDeps(challenge.Policy{Strategy: challenge.StrategyManual, Timeout: time.Minute}, nil)
	deps.Simulator = behavior.New(behavior.Options{
		Rand: rand.New(rand.NewPCG(5, 6)),
		Sleep: func(ctx context.Context, d time.Duration) error {
			polls++
			if polls == 3 {
				page.SetPresent(false, ".cf-turnstile")
			}
			return ctx.Err()
		},
	})
	page.OnKey = func(p *browser.FakePage, key string) {
		if key == browser.KeyEnter {
			p.SetContent(`<div id="markdown-content-0">Widgets are great.</div>`)
		}
	}

	res := NewPerplexity(deps).Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "w"})
	require.Empty(t, res.Error)
	assert.Equal(t, string(challenge.Turnstile), res.Challenge)
}

func TestCrawlNoInputIsStructural(t *testing.T) {
	t.Parallel()

	adapter := NewGemini(testDeps(challenge.Policy{}, nil))
	res := adapter.Crawl(context.Background(), browser.NewFakePage(), Request{TaskID: "t", QueryID: "q", Query: "hello"})
	assert.Equal(t, crawler.ErrorKindStructural, res.ErrorKind)
	assert.Contains(t, res.Error, "no input field")
}

func TestCrawlNavigationFailureIsTransient(t *testing.T) {
	t.Parallel()

	page := browser.NewFakePage()
	page.NavigateErr = errors.New("net::ERR_TUNNEL_CONNECTION_FAILED")
	res := NewCopilot(testDeps(challenge.Policy{}, nil)).Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hello"})
	assert.Equal(t, crawler.ErrorKindTransient, res.ErrorKind)
	assert.Contains(t, res.Error, "ERR_TUNNEL_CONNECTION_FAILED")
}

func TestCrawlResponseTimeout(t *testing.T) {
	t.Parallel()

	t.Run("no text", func(t *testing.T) {
		t.Parallel()
		page := browser.NewFakePage()
		page.SetPresent(true, "textarea")
		res := NewCopilot(testDeps(challenge.Policy{}, nil)).Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hello"})
		assert.Equal(t, crawler.ErrorKindTransient, res.ErrorKind)
		assert.Contains(t, res.Error, "no response")
	})

	t.Run("still streaming", func(t *testing.T) {
		t.Parallel()
		page := browser.NewFakePage()
		page.SetPresent(true, "textarea", `button[title="Stop responding"]`)
		page.SetContent(`<div data-content="ai-message">Partial answer about widgets</div>`)
		res := NewCopilot(testDeps(challenge.Policy{}, nil)).Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hello"})
		require.Empty(t, res.Error)
		assert.False(t, res.IsComplete)
		assert.Equal(t, "Partial answer about widgets", res.ResponseText)
		assert.InDelta(t, 0.1, res.ConfidenceScore, 1e-9)
	})
}

func TestCrawlEmptyAnswerIsTransient(t *testing.T) {
	t.Parallel()

	page := browser.NewFakePage()
	page.SetPresent(true, "textarea")
	page.SetContent(`<div class="font-claude-message"></div>`)
	res := NewClaude(testDeps(challenge.Policy{}, nil)).Crawl(context.Background(), page, Request{TaskID: "t", QueryID: "q", Query: "hello"})
	assert.Equal(t, crawler.ErrorKindTransient, res.ErrorKind)
	assert.False(t, res.LoginRequired)
}

func TestArtifactStemHashesMissingQueryID(t *testing.T) {
	t.Parallel()

	stem := artifactStem(Perplexity, Request{TaskID: "task-9", Query: "best widgets"})
	assert.Regexp(t, `^perplexity/task-9/[0-9a-f]{16}$`, stem)
	assert.Equal(t, stem, artifactStem(Perplexity, Request{TaskID: "task-9", Query: "best widgets"}))
}

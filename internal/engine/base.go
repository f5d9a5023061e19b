package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	"github.com/kennygrant/sanitize"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/behavior"
	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/challenge"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/metrics"
)

const resultSource = "browser"

// Base implements Adapter for any engine described by a Profile.
type Base struct {
	profile Profile
	own     []glob.Glob
	deps    Deps
	logger  *zap.Logger
}

// NewBase builds an adapter from profile. It panics on an invalid own-domain
// glob, which only happens with a broken built-in profile.
func NewBase(profile Profile, deps Deps) *Base {
	own, err := profile.compileOwnDomains()
	if err != nil {
		panic(err)
	}
	deps = deps.withDefaults()
	return &Base{
		profile: profile,
		own:     own,
		deps:    deps,
		logger:  deps.Logger.Named("engine").With(zap.String("engine", string(profile.ID))),
	}
}

// ID implements Adapter.
func (b *Base) ID() ID { return b.profile.ID }

// Profile returns the engine description.
func (b *Base) Profile() Profile { return b.profile }

// ParseResponse implements Adapter.
func (b *Base) ParseResponse(html string) (Parsed, error) {
	parsed, err := parseDocument(html, b.profile, b.own)
	if err != nil {
		return Parsed{}, fmt.Errorf("parse %s response: %w", b.profile.ID, err)
	}
	return parsed, nil
}

// crawlError is a classified failure inside one crawl.
type crawlError struct {
	kind crawler.ErrorKind
	err  error
}

func (e *crawlError) Error() string { return e.err.Error() }
func (e *crawlError) Unwrap() error { return e.err }

func classify(kind crawler.ErrorKind, format string, args ...any) error {
	return &crawlError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Crawl implements Adapter.
func (b *Base) Crawl(ctx context.Context, page browser.Page, req Request) crawler.CrawlResult {
	start := b.deps.Clock.Now()
	result := crawler.CrawlResult{
		TaskID:    req.TaskID,
		QueryID:   req.QueryID,
		Query:     req.Query,
		Engine:    string(b.profile.ID),
		Source:    resultSource,
		CrawledAt: start,
	}
	logger := b.logger.With(zap.String("task_id", req.TaskID), zap.String("query_id", req.QueryID))

	err := b.crawl(ctx, page, req, &result)
	elapsed := b.deps.Clock.Now().Sub(start)
	result.ResponseTimeMs = elapsed.Milliseconds()

	outcome := "success"
	if err != nil {
		var ce *crawlError
		kind := crawler.ErrorKindTransient
		if errors.As(err, &ce) {
			kind = ce.kind
		}
		result.Error = err.Error()
		result.ErrorKind = kind
		outcome = string(kind)
		logger.Warn("query failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		logger.Info("query crawled",
			zap.Int("citations", len(result.Citations)),
			zap.Bool("complete", result.IsComplete),
			zap.Duration("elapsed", elapsed))
	}
	result.ConfidenceScore = Confidence(result.IsComplete, result.ResponseText, len(result.Citations))
	metrics.ObserveQuery(string(b.profile.ID), outcome, elapsed)
	return result
}

func (b *Base) crawl(ctx context.Context, page browser.Page, req Request, result *crawler.CrawlResult) error {
	sim := b.deps.Simulator

	navCtx, cancel := context.WithTimeout(ctx, b.deps.Timeouts.Navigation)
	err := page.Navigate(navCtx, b.profile.EntryURL)
	cancel()
	if err != nil {
		return classify(crawler.ErrorKindTransient, "open %s: %w", b.profile.EntryURL, err)
	}
	if err := sim.RandomDelay(ctx, 800, 2000); err != nil {
		return classify(crawler.ErrorKindTransient, "settle: %w", err)
	}

	if err := b.handleChallenge(ctx, page, result); err != nil {
		return err
	}
	if b.loginRequired(ctx, page) {
		result.LoginRequired = true
		return classify(crawler.ErrorKindAccess, "login required")
	}

	input, err := b.findInput(ctx, page)
	if err != nil {
		return err
	}
	if err := sim.BezierMouseMove(ctx, page, input); err != nil && !errors.Is(err, behavior.ErrTargetNotFound) {
		return classify(crawler.ErrorKindTransient, "move to input: %w", err)
	}
	if err := sim.TypeText(ctx, page, input, req.Query); err != nil {
		return classify(crawler.ErrorKindTransient, "type query: %w", err)
	}
	if err := sim.RandomDelay(ctx, 300, 900); err != nil {
		return classify(crawler.ErrorKindTransient, "pause before submit: %w", err)
	}
	if err := b.submit(ctx, page); err != nil {
		return err
	}

	complete, err := b.waitForResponse(ctx, page)
	if err != nil {
		return err
	}
	result.IsComplete = complete
	if err := sim.NaturalScroll(ctx, page, behavior.Down); err != nil {
		return classify(crawler.ErrorKindTransient, "scroll: %w", err)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return classify(crawler.ErrorKindTransient, "read page: %w", err)
	}
	result.RawHTML = html
	parsed, err := b.ParseResponse(html)
	if err != nil {
		return classify(crawler.ErrorKindStructural, "%w", err)
	}
	result.ResponseText = parsed.ResponseText
	result.Citations = parsed.Citations
	if result.ResponseText == "" {
		return classify(crawler.ErrorKindStructural, "empty response")
	}

	b.storeArtifacts(ctx, page, req, html, result)
	return nil
}

func (b *Base) handleChallenge(ctx context.Context, page browser.Page, result *crawler.CrawlResult) error {
	kind, cleared := b.deps.Simulator.WaitForHumanVerification(ctx, page, b.deps.Challenge.WaitBudget())
	if kind == challenge.None {
		return nil
	}
	result.Challenge = string(kind)
	metrics.ObserveChallenge(string(b.profile.ID), string(kind), cleared)
	if !cleared {
		return classify(crawler.ErrorKindAccess, "%s challenge unresolved (strategy %s)", kind, b.deps.Challenge.Strategy)
	}
	return nil
}

func (b *Base) loginRequired(ctx context.Context, page browser.Page) bool {
	if current, err := page.URL(ctx); err == nil {
		for _, marker := range b.profile.LoginURLMarkers {
			if strings.Contains(current, marker) {
				return true
			}
		}
	}
	return b.firstPresent(ctx, page, b.profile.LoginSelectors) != ""
}

func (b *Base) firstPresent(ctx context.Context, page browser.Page, selectors []string) string {
	for _, sel := range selectors {
		if ok, err := page.Exists(ctx, sel); err == nil && ok {
			return sel
		}
	}
	return ""
}

// findInput polls the ordered input candidates until one appears.
func (b *Base) findInput(ctx context.Context, page browser.Page) (string, error) {
	var waited time.Duration
	for {
		if sel := b.firstPresent(ctx, page, b.profile.InputSelectors); sel != "" {
			return sel, nil
		}
		if waited >= b.deps.Timeouts.Input {
			return "", classify(crawler.ErrorKindStructural, "no input field matched after %s", waited)
		}
		if err := b.deps.Sleep(ctx, b.deps.PollInterval); err != nil {
			return "", classify(crawler.ErrorKindTransient, "wait for input: %w", err)
		}
		waited += b.deps.PollInterval
	}
}

func (b *Base) submit(ctx context.Context, page browser.Page) error {
	if sel := b.profile.SubmitSelector; sel != "" {
		if ok, err := page.Exists(ctx, sel); err == nil && ok {
			if err := page.Click(ctx, sel); err != nil {
				return classify(crawler.ErrorKindTransient, "click submit: %w", err)
			}
			return nil
		}
	}
	if err := page.TypeKey(ctx, browser.KeyEnter); err != nil {
		return classify(crawler.ErrorKindTransient, "press enter: %w", err)
	}
	return nil
}

// waitForResponse polls until no loading indicator is shown and the answer
// text is unchanged between two polls. It reports false when the response
// budget ran out with partial text.
func (b *Base) waitForResponse(ctx context.Context, page browser.Page) (bool, error) {
	var (
		waited time.Duration
		last   string
	)
	for waited < b.deps.Timeouts.Response {
		if err := b.deps.Sleep(ctx, b.deps.PollInterval); err != nil {
			return false, classify(crawler.ErrorKindTransient, "wait for response: %w", err)
		}
		waited += b.deps.PollInterval

		busy := b.firstPresent(ctx, page, b.profile.LoadingSelectors) != ""
		html, err := page.HTML(ctx)
		if err != nil {
			return false, classify(crawler.ErrorKindTransient, "read page: %w", err)
		}
		text := responseText(html, b.profile.ResponseSelectors)
		if !busy && text != "" && text == last {
			return true, nil
		}
		last = text
	}
	if last == "" {
		return false, classify(crawler.ErrorKindTransient, "no response within %s", b.deps.Timeouts.Response)
	}
	b.logger.Warn("response still streaming at timeout", zap.Duration("timeout", b.deps.Timeouts.Response))
	return false, nil
}

// storeArtifacts uploads the screenshot and raw HTML. Upload failures are
// logged and do not fail the query.
func (b *Base) storeArtifacts(ctx context.Context, page browser.Page, req Request, html string, result *crawler.CrawlResult) {
	if b.deps.Blobs == nil {
		return
	}
	stem := artifactStem(b.profile.ID, req)
	if _, err := b.deps.Blobs.PutObject(ctx, stem+".html", "text/html; charset=utf-8", []byte(html)); err != nil {
		b.logger.Warn("upload raw html failed", zap.String("path", stem+".html"), zap.Error(err))
	}
	if !req.TakeScreenshot {
		return
	}
	shot, err := page.Screenshot(ctx)
	if err != nil {
		b.logger.Warn("screenshot failed", zap.Error(err))
		return
	}
	uri, err := b.deps.Blobs.PutObject(ctx, stem+".png", "image/png", shot)
	if err != nil {
		b.logger.Warn("upload screenshot failed", zap.String("path", stem+".png"), zap.Error(err))
		return
	}
	result.ScreenshotPath = uri
}

func artifactStem(id ID, req Request) string {
	query := req.QueryID
	if query == "" {
		query = fmt.Sprintf("%016x", xxhash.Sum64String(req.Query))
	}
	return fmt.Sprintf("%s/%s/%s", id, sanitize.BaseName(req.TaskID), sanitize.BaseName(query))
}

// Package engine holds the answer-engine adapters. Every adapter is a Base
// driven by an engine-specific Profile; the Registry maps the closed set of
// engine IDs to adapters and rejects anything else.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/behavior"
	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/challenge"
	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

// ID names one supported answer engine.
type ID string

// Supported engines.
const (
	ChatGPT    ID = "chatgpt"
	Perplexity ID = "perplexity"
	Gemini     ID = "gemini"
	Copilot    ID = "copilot"
	Claude     ID = "claude"
)

var knownIDs = []ID{ChatGPT, Perplexity, Gemini, Copilot, Claude}

var (
	// ErrUnknownEngine is returned for names outside the supported set.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrDuplicateEngine is returned when an engine is registered twice.
	ErrDuplicateEngine = errors.New("engine already registered")
	// ErrNoResponse is returned by ParseResponse when no answer container is present.
	ErrNoResponse = errors.New("no response container found")
)

// Valid reports whether id is one of the supported engines.
func (id ID) Valid() bool {
	for _, known := range knownIDs {
		if id == known {
			return true
		}
	}
	return false
}

// ParseID validates an engine name.
func ParseID(name string) (ID, error) {
	id := ID(name)
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return id, nil
}

// Request is one query to run on an already opened page.
type Request struct {
	TaskID         string
	QueryID        string
	Query          string
	TakeScreenshot bool
}

// Parsed is the text and citations extracted from a rendered answer.
type Parsed struct {
	ResponseText string
	Citations    []crawler.Citation
}

// Adapter runs queries against one engine. Crawl never returns an error: any
// failure is reported on the result.
type Adapter interface {
	ID() ID
	Crawl(ctx context.Context, page browser.Page, req Request) crawler.CrawlResult
	ParseResponse(html string) (Parsed, error)
}

// Timeouts bounds each phase of a crawl independently.
type Timeouts struct {
	Navigation time.Duration
	Input      time.Duration
	Response   time.Duration
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Deps are shared by every adapter built by a registry.
type Deps struct {
	Simulator *behavior.Simulator
	Challenge challenge.Policy
	// Blobs receives screenshots and raw HTML. Nil disables artifact upload.
	Blobs        crawler.BlobStore
	Clock        crawler.Clock
	Timeouts     Timeouts
	PollInterval time.Duration
	Sleep        SleepFunc
	Logger       *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Simulator == nil {
		d.Simulator = behavior.New(behavior.Options{})
	}
	if d.Challenge.Strategy == "" {
		d.Challenge.Strategy = challenge.StrategySmart
	}
	if d.Clock == nil {
		d.Clock = system.New()
	}
	if d.Timeouts.Navigation <= 0 {
		d.Timeouts.Navigation = 30 * time.Second
	}
	if d.Timeouts.Input <= 0 {
		d.Timeouts.Input = 15 * time.Second
	}
	if d.Timeouts.Response <= 0 {
		d.Timeouts.Response = 2 * time.Minute
	}
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	if d.Sleep == nil {
		d.Sleep = system.Clock{}.Sleep
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

package challenge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// Type names a kind of bot challenge. The zero value means none.
type Type string

// Known challenge types.
const (
	None       Type = ""
	ReCaptcha  Type = "recaptcha"
	HCaptcha   Type = "hcaptcha"
	Turnstile  Type = "turnstile"
	Cloudflare Type = "cloudflare"
	Arkose     Type = "arkose"
	Generic    Type = "generic"
)

// Inspector is the slice of a browser page a detector needs.
type Inspector interface {
	Exists(ctx context.Context, selector string) (bool, error)
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Detector reports the challenge currently shown on a page, if any.
type Detector interface {
	Detect(ctx context.Context, page Inspector) (Type, error)
}

// Marker ties a CSS selector to the challenge it indicates.
type Marker struct {
	Selector string
	Type     Type
}

// DefaultMarkers is the fixed selector set checked by SelectorDetector.
var DefaultMarkers = []Marker{
	{Selector: `iframe[src*="recaptcha"]`, Type: ReCaptcha},
	{Selector: `.g-recaptcha`, Type: ReCaptcha},
	{Selector: `iframe[src*="hcaptcha"]`, Type: HCaptcha},
	{Selector: `.h-captcha`, Type: HCaptcha},
	{Selector: `iframe[src*="challenges.cloudflare.com"]`, Type: Turnstile},
	{Selector: `.cf-turnstile`, Type: Turnstile},
	{Selector: `#challenge-form`, Type: Cloudflare},
	{Selector: `#cf-challenge-running`, Type: Cloudflare},
	{Selector: `iframe[src*="arkoselabs"]`, Type: Arkose},
	{Selector: `#FunCaptcha`, Type: Arkose},
	{Selector: `[id*="captcha"]`, Type: Generic},
}

// SelectorDetector checks a fixed list of marker selectors in order.
type SelectorDetector struct {
	Markers []Marker
}

// NewSelectorDetector builds a detector over markers, or DefaultMarkers when empty.
func NewSelectorDetector(markers []Marker) *SelectorDetector {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return &SelectorDetector{Markers: markers}
}

// Detect returns the first marker found on the page.
func (d *SelectorDetector) Detect(ctx context.Context, page Inspector) (Type, error) {
	for _, m := range d.Markers {
		ok, err := page.Exists(ctx, m.Selector)
		if err != nil {
			return None, fmt.Errorf("check %s: %w", m.Selector, err)
		}
		if ok {
			return m.Type, nil
		}
	}
	return None, nil
}

var htmlMarkers = []struct {
	needle []byte
	kind   Type
}{
	{[]byte("cf-chl-"), Cloudflare},
	{[]byte("just a moment..."), Cloudflare},
	{[]byte("challenge-platform"), Cloudflare},
	{[]byte("verify you are human"), Generic},
	{[]byte("unusual traffic"), Generic},
	{[]byte("are you a robot"), Generic},
}

// HeuristicDetector scans page HTML and URL for interstitial markers.
type HeuristicDetector struct{}

// Detect inspects the lowercased document and the current URL.
func (HeuristicDetector) Detect(ctx context.Context, page Inspector) (Type, error) {
	u, err := page.URL(ctx)
	if err != nil {
		return None, fmt.Errorf("read url: %w", err)
	}
	if strings.Contains(u, "/cdn-cgi/challenge-platform") || strings.Contains(u, "__cf_chl") {
		return Cloudflare, nil
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return None, fmt.Errorf("read html: %w", err)
	}
	body := bytes.ToLower([]byte(html))
	for _, m := range htmlMarkers {
		if bytes.Contains(body, m.needle) {
			return m.kind, nil
		}
	}
	return None, nil
}

// Chain runs detectors in order and returns the first hit.
type Chain []Detector

// Detect implements Detector.
func (c Chain) Detect(ctx context.Context, page Inspector) (Type, error) {
	for _, d := range c {
		kind, err := d.Detect(ctx, page)
		if err != nil {
			return None, err
		}
		if kind != None {
			return kind, nil
		}
	}
	return None, nil
}

// Default returns the selector detector followed by the HTML heuristic.
func Default() Detector {
	return Chain{NewSelectorDetector(nil), HeuristicDetector{}}
}

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"

	"github.com/JakeFAU/answer-engine-crawler/internal/session"
)

// StealthLevel selects how much fingerprint hardening a page gets.
type StealthLevel string

// Supported stealth levels.
const (
	StealthLow    StealthLevel = "low"
	StealthMedium StealthLevel = "medium"
	StealthHigh   StealthLevel = "high"
)

// ParseStealthLevel validates a configured level.
func ParseStealthLevel(s string) (StealthLevel, error) {
	switch StealthLevel(s) {
	case StealthLow, StealthMedium, StealthHigh:
		return StealthLevel(s), nil
	default:
		return "", fmt.Errorf("unknown stealth level %q", s)
	}
}

// allocatorFlags returns extra Chrome flags for the level.
func (l StealthLevel) allocatorFlags() []chromedp.ExecAllocatorOption {
	if l == StealthLow {
		return nil
	}
	return []chromedp.ExecAllocatorOption{
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	}
}

// setupAction applies per-tab emulation and init scripts for the level.
func (l StealthLevel) setupAction(userAgent string, width, height int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if l == StealthLow {
			return nil
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).
				WithAcceptLanguage("en-US,en;q=0.9").
				WithPlatform(platformFor(userAgent)).
				Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if width > 0 && height > 0 {
			if err := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if l == StealthHigh {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
		}
		return nil
	})
}

func platformFor(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Macintosh"):
		return "MacIntel"
	case strings.Contains(userAgent, "Linux"):
		return "Linux x86_64"
	default:
		return "Win32"
	}
}

// localStorageScript builds an init script that seeds localStorage for one
// origin before the page's own scripts run.
func localStorageScript(origin session.Origin) (string, error) {
	pairs := make([][2]string, 0, len(origin.LocalStorage))
	for _, item := range origin.LocalStorage {
		pairs = append(pairs, [2]string{item.Name, item.Value})
	}
	items, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("encode local storage: %w", err)
	}
	target, err := json.Marshal(origin.Origin)
	if err != nil {
		return "", fmt.Errorf("encode origin: %w", err)
	}
	return fmt.Sprintf(`(() => {
  if (window.location.origin !== %s) return;
  for (const [k, v] of %s) {
    try { window.localStorage.setItem(k, v); } catch (e) {}
  }
})();`, target, items), nil
}

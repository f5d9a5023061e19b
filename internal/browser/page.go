// Package browser drives Chrome through chromedp on behalf of engine adapters
// and the behavior simulator. Everything above this package talks to a Page.
package browser

import (
	"context"
	"errors"

	"github.com/JakeFAU/answer-engine-crawler/internal/session"
)

// Key values accepted by Page.TypeKey besides printable characters.
const (
	KeyEnter     = "\r"
	KeyBackspace = "\b"
)

var (
	// ErrInsufficientMemory is returned when the host is below the free memory floor.
	ErrInsufficientMemory = errors.New("insufficient free memory for a browser")
	// ErrNavigationStatus is returned when the main document answers 429 or 5xx.
	ErrNavigationStatus = errors.New("navigation returned an error status")
)

// Box is an element's bounding rectangle in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Page is one browser tab bound to its own proxy and session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	// TypeKey sends one key: a printable character, KeyEnter or KeyBackspace.
	TypeKey(ctx context.Context, key string) error
	// BoundingBox reports false when the selector matches nothing.
	BoundingBox(ctx context.Context, selector string) (Box, bool, error)
	MouseMove(ctx context.Context, x, y float64) error
	MousePosition() (float64, float64)
	Scroll(ctx context.Context, deltaX, deltaY float64) error
	Viewport() (int, int)
	Evaluate(ctx context.Context, expression string, out any) error
	Screenshot(ctx context.Context) ([]byte, error)
	StorageState(ctx context.Context) (session.StorageState, error)
	RestoreState(ctx context.Context, state session.StorageState) error
	Close() error
}

// LaunchOptions binds a new page to an egress proxy and identity.
type LaunchOptions struct {
	ProxyServer   string
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
}

// Factory opens pages. The chromedp Manager is the production implementation.
type Factory interface {
	NewPage(ctx context.Context, opts LaunchOptions) (Page, error)
}

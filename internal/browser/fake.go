package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/answer-engine-crawler/internal/session"
)

// FakePage is an in-memory Page for tests of adapters and the simulator.
// Hooks run without the internal lock held and may call back into the page.
type FakePage struct {
	mu sync.Mutex

	currentURL string
	content    string
	present    map[string]bool
	boxes      map[string]Box
	evals      map[string]any
	mouseX     float64
	mouseY     float64
	width      int
	height     int

	keys       []string
	clicks     []string
	visits     []string
	scrolls    [][2]float64
	moves      [][2]float64
	restored   []session.StorageState
	closed     bool
	screenshot []byte

	// State is returned by StorageState.
	State session.StorageState
	// NavigateErr, when set, is returned by every Navigate call.
	NavigateErr error
	// OnNavigate runs after the URL changes.
	OnNavigate func(p *FakePage, url string)
	// OnKey runs after each key press.
	OnKey func(p *FakePage, key string)
	// OnClick runs after each click.
	OnClick func(p *FakePage, selector string)
}

// NewFakePage returns a blank page with a 1280x800 viewport.
func NewFakePage() *FakePage {
	return &FakePage{
		present:    make(map[string]bool),
		boxes:      make(map[string]Box),
		evals:      make(map[string]any),
		width:      1280,
		height:     800,
		screenshot: []byte("\x89PNG fake"),
	}
}

// SetContent replaces the HTML returned by HTML.
func (p *FakePage) SetContent(html string) {
	p.mu.Lock()
	p.content = html
	p.mu.Unlock()
}

// SetPresent marks selectors as present or absent.
func (p *FakePage) SetPresent(present bool, selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sel := range selectors {
		p.present[sel] = present
	}
}

// SetBox gives a selector a bounding box and marks it present.
func (p *FakePage) SetBox(selector string, box Box) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boxes[selector] = box
	p.present[selector] = true
}

// SetEval registers the value Evaluate decodes for an expression.
func (p *FakePage) SetEval(expression string, value any) {
	p.mu.Lock()
	p.evals[expression] = value
	p.mu.Unlock()
}

// Keys returns every key pressed so far.
func (p *FakePage) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Clicks returns every clicked selector.
func (p *FakePage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Visits returns every navigated URL.
func (p *FakePage) Visits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visits...)
}

// Scrolls returns every wheel delta.
func (p *FakePage) Scrolls() [][2]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]float64(nil), p.scrolls...)
}

// Moves returns every mouse position visited.
func (p *FakePage) Moves() [][2]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]float64(nil), p.moves...)
}

// Restored returns the states passed to RestoreState.
func (p *FakePage) Restored() []session.StorageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.StorageState(nil), p.restored...)
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Navigate implements Page.
func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.NavigateErr != nil {
		err := p.NavigateErr
		p.mu.Unlock()
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	p.currentURL = url
	p.visits = append(p.visits, url)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

// URL implements Page.
func (p *FakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentURL, nil
}

// HTML implements Page.
func (p *FakePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

// Exists implements Page.
func (p *FakePage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[selector], nil
}

// WaitVisible implements Page. It fails immediately for absent selectors.
func (p *FakePage) WaitVisible(ctx context.Context, selector string) error {
	ok, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wait visible %s: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

// Click implements Page.
func (p *FakePage) Click(ctx context.Context, selector string) error {
	ok, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("click %s: no such element", selector)
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p, selector)
	}
	return nil
}

// Focus implements Page.
func (p *FakePage) Focus(ctx context.Context, selector string) error {
	ok, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("focus %s: no such element", selector)
	}
	return nil
}

// TypeKey implements Page.
func (p *FakePage) TypeKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.keys = append(p.keys, key)
	hook := p.OnKey
	p.mu.Unlock()
	if hook != nil {
		hook(p, key)
	}
	return nil
}

// BoundingBox implements Page.
func (p *FakePage) BoundingBox(_ context.Context, selector string) (Box, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	box, ok := p.boxes[selector]
	return box, ok, nil
}

// MouseMove implements Page.
func (p *FakePage) MouseMove(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mouseX, p.mouseY = x, y
	p.moves = append(p.moves, [2]float64{x, y})
	return nil
}

// MousePosition implements Page.
func (p *FakePage) MousePosition() (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mouseX, p.mouseY
}

// Scroll implements Page.
func (p *FakePage) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls = append(p.scrolls, [2]float64{deltaX, deltaY})
	return nil
}

// Viewport implements Page.
func (p *FakePage) Viewport() (int, int) {
	return p.width, p.height
}

// Evaluate implements Page by round-tripping a registered value through JSON.
func (p *FakePage) Evaluate(_ context.Context, expression string, out any) error {
	p.mu.Lock()
	v, ok := p.evals[expression]
	p.mu.Unlock()
	if !ok || out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return json.Unmarshal(data, out)
}

// Screenshot implements Page.
func (p *FakePage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.screenshot...), nil
}

// StorageState implements Page.
func (p *FakePage) StorageState(context.Context) (session.StorageState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return session.StorageState{}, errors.New("page closed")
	}
	return p.State, nil
}

// RestoreState implements Page.
func (p *FakePage) RestoreState(_ context.Context, state session.StorageState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = append(p.restored, state)
	return nil
}

// Close implements Page.
func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FakeFactory hands out pages built by New and records launch options.
type FakeFactory struct {
	mu       sync.Mutex
	New      func(opts LaunchOptions) (Page, error)
	launches []LaunchOptions
}

// NewPage implements Factory.
func (f *FakeFactory) NewPage(ctx context.Context, opts LaunchOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.launches = append(f.launches, opts)
	f.mu.Unlock()
	if f.New == nil {
		return NewFakePage(), nil
	}
	return f.New(opts)
}

// Launches returns the options of every page opened.
func (f *FakeFactory) Launches() []LaunchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LaunchOptions(nil), f.launches...)
}

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/session"
)

// Options controls the chromedp-backed Manager.
type Options struct {
	Headless          bool
	ExecPath          string
	MaxParallel       int
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
	Stealth           StealthLevel
	Capacity          CapacityGuard
}

// Manager launches one Chrome process per page so each page owns its proxy.
type Manager struct {
	opts    Options
	limiter chan struct{}
	logger  *zap.Logger
}

// NewManager validates options and prepares the concurrency limiter.
func NewManager(opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.MaxParallel <= 0 {
		return nil, fmt.Errorf("max parallel must be > 0")
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.ViewportWidth <= 0 || opts.ViewportHeight <= 0 {
		opts.ViewportWidth, opts.ViewportHeight = 1366, 768
	}
	if opts.Stealth == "" {
		opts.Stealth = StealthMedium
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		limiter: make(chan struct{}, opts.MaxParallel),
		logger:  logger,
	}, nil
}

// NewPage starts a browser bound to opts and returns its single tab. The
// slot taken from the limiter is released by Page.Close.
func (m *Manager) NewPage(ctx context.Context, opts LaunchOptions) (Page, error) {
	if err := m.opts.Capacity.Check(ctx); err != nil {
		return nil, err
	}
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(m.opts.ViewportWidth, m.opts.ViewportHeight),
	)
	allocOpts = append(allocOpts, m.opts.Stealth.allocatorFlags()...)
	if m.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(m.opts.ExecPath))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	p := &chromePage{
		ctx:        tabCtx,
		navTimeout: m.opts.NavigationTimeout,
		width:      m.opts.ViewportWidth,
		height:     m.opts.ViewportHeight,
		meta:       newResponseMeta(),
		logger:     m.logger,
	}
	p.closeFn = func() {
		tabCancel()
		allocCancel()
		m.release()
	}
	chromedp.ListenTarget(tabCtx, p.meta.captureEvent)
	if opts.ProxyUsername != "" {
		chromedp.ListenTarget(tabCtx, proxyAuthListener(tabCtx, opts.ProxyUsername, opts.ProxyPassword))
	}

	setup := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if opts.ProxyUsername != "" {
				if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
					return fmt.Errorf("enable fetch domain: %w", err)
				}
			}
			return nil
		}),
		m.opts.Stealth.setupAction(opts.UserAgent, m.opts.ViewportWidth, m.opts.ViewportHeight),
	}
	first := func(runCtx context.Context) error { return chromedp.Run(runCtx, setup...) }
	if err := startTab(ctx, tabCtx, p.shutdown, first); err != nil {
		p.shutdown()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	m.logger.Debug("browser page opened",
		zap.Bool("proxied", opts.ProxyServer != ""),
		zap.String("stealth", string(m.opts.Stealth)),
	)
	return p, nil
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (m *Manager) release() {
	select {
	case <-m.limiter:
	default:
	}
}

// proxyAuthListener answers proxy auth challenges and resumes paused requests.
func proxyAuthListener(tabCtx context.Context, username, password string) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(tabCtx)
				execCtx := cdp.WithExecutor(tabCtx, c.Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}
				_ = fetch.ContinueWithAuth(e.RequestID, resp).Do(execCtx)
			}()
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(tabCtx)
				execCtx := cdp.WithExecutor(tabCtx, c.Target)
				_ = fetch.ContinueRequest(e.RequestID).Do(execCtx)
			}()
		}
	}
}

type chromePage struct {
	ctx        context.Context
	navTimeout time.Duration
	width      int
	height     int
	meta       *responseMeta
	logger     *zap.Logger

	mu     sync.Mutex
	mouseX float64
	mouseY float64

	closeOnce sync.Once
	closeFn   func()
}

func (p *chromePage) shutdown() {
	p.closeOnce.Do(p.closeFn)
}

// startTab runs the first action of a tab on the tab context itself. That
// call launches Chrome bound to the context it receives, so it must not be a
// per-call context that is canceled on return. A caller cancel during
// startup shuts the page down instead.
func startTab(ctx, tabCtx context.Context, shutdown func(), first func(context.Context) error) error {
	stop := context.AfterFunc(ctx, shutdown)
	err := first(tabCtx)
	if !stop() {
		return fmt.Errorf("browser startup canceled: %w", context.Cause(ctx))
	}
	return err
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	p.meta.reset()
	if err := p.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if status := p.meta.status(); status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("navigate %s: %w (%d)", url, ErrNavigationStatus, status)
	}
	return nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, fmt.Errorf("encode selector: %w", err)
	}
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, sel)
	if err := p.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return found, nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Focus(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) TypeKey(ctx context.Context, key string) error {
	if err := p.run(ctx, chromedp.KeyEvent(key)); err != nil {
		return fmt.Errorf("type key: %w", err)
	}
	return nil
}

func (p *chromePage) BoundingBox(ctx context.Context, selector string) (Box, bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return Box{}, false, fmt.Errorf("encode selector: %w", err)
	}
	expr := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return {found: false};
  const r = el.getBoundingClientRect();
  return {found: true, x: r.x, y: r.y, width: r.width, height: r.height};
})()`, sel)
	var out struct {
		Found  bool    `json:"found"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := p.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return Box{}, false, fmt.Errorf("bounding box %s: %w", selector, err)
	}
	return Box{X: out.X, Y: out.Y, Width: out.Width, Height: out.Height}, out.Found, nil
}

func (p *chromePage) MouseMove(ctx context.Context, x, y float64) error {
	if err := p.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y)); err != nil {
		return fmt.Errorf("mouse move: %w", err)
	}
	p.mu.Lock()
	p.mouseX, p.mouseY = x, y
	p.mu.Unlock()
	return nil
}

func (p *chromePage) MousePosition() (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mouseX, p.mouseY
}

func (p *chromePage) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	x, y := p.MousePosition()
	if x == 0 && y == 0 {
		x, y = float64(p.width)/2, float64(p.height)/2
	}
	wheel := chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(deltaX).
			WithDeltaY(deltaY).
			Do(ctx)
	})
	if err := p.run(ctx, wheel); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (p *chromePage) Viewport() (int, int) {
	return p.width, p.height
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (p *chromePage) StorageState(ctx context.Context) (session.StorageState, error) {
	var (
		cookies []*network.Cookie
		origin  string
		pairs   [][]string
	)
	err := p.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(`window.location.origin`, &origin),
		chromedp.Evaluate(`Object.entries(window.localStorage)`, &pairs),
	)
	if err != nil {
		return session.StorageState{}, fmt.Errorf("capture storage state: %w", err)
	}
	return toStorageState(cookies, origin, pairs), nil
}

func (p *chromePage) RestoreState(ctx context.Context, state session.StorageState) error {
	params := toCookieParams(state.Cookies)
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(params) == 0 {
				return nil
			}
			return network.SetCookies(params).Do(ctx)
		}),
	}
	for _, origin := range state.Origins {
		script, err := localStorageScript(origin)
		if err != nil {
			return err
		}
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("restore storage state: %w", err)
	}
	return nil
}

func (p *chromePage) Close() error {
	p.shutdown()
	return nil
}

func toStorageState(cookies []*network.Cookie, origin string, pairs [][]string) session.StorageState {
	state := session.StorageState{Cookies: make([]session.Cookie, 0, len(cookies))}
	for _, c := range cookies {
		if c == nil {
			continue
		}
		state.Cookies = append(state.Cookies, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	if origin != "" && origin != "null" && len(pairs) > 0 {
		o := session.Origin{Origin: origin}
		for _, kv := range pairs {
			if len(kv) != 2 {
				continue
			}
			o.LocalStorage = append(o.LocalStorage, session.StorageItem{Name: kv[0], Value: kv[1]})
		}
		state.Origins = append(state.Origins, o)
	}
	return state
}

func toCookieParams(cookies []session.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec := int64(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(sec, 0))
			param.Expires = &expires
		}
		params = append(params, param)
	}
	return params
}

// forwardCancel cancels a chromedp run context when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
	url  string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code, m.url = 0, ""
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

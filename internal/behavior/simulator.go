// Package behavior produces randomized, human-looking input timing and motion
// for browser pages: typing with occasional typos, pauses, wheel scrolling,
// curved mouse paths, warmup browsing and challenge waits.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/challenge"
)

// ErrTargetNotFound is returned when a mouse target has no bounding box.
var ErrTargetNotFound = errors.New("mouse target not found")

// Direction is a scroll direction.
type Direction int

// Scroll directions.
const (
	Down Direction = iota
	Up
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options tunes the simulator. Zero values fall back to defaults.
type Options struct {
	MinKeyDelay     time.Duration
	MaxKeyDelay     time.Duration
	TypoProbability float64
	// PollInterval is how often a challenge is re-checked while waiting.
	PollInterval time.Duration
	Rand         *rand.Rand
	Sleep        SleepFunc
	Detector     challenge.Detector
	WarmupURLs   []string
	Logger       *zap.Logger
}

// Simulator is safe for concurrent use; it holds no per-page state.
type Simulator struct {
	minKey   time.Duration
	maxKey   time.Duration
	typo     float64
	poll     time.Duration
	sleep    SleepFunc
	detector challenge.Detector
	warmup   []string
	logger   *zap.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// DefaultWarmupURLs are neutral pages visited before a target.
var DefaultWarmupURLs = []string{
	"https://en.wikipedia.org/wiki/Special:Random",
	"https://www.bbc.com/news",
	"https://news.ycombinator.com/",
	"https://www.reuters.com/",
}

// New builds a Simulator.
func New(opts Options) *Simulator {
	if opts.MinKeyDelay <= 0 {
		opts.MinKeyDelay = 50 * time.Millisecond
	}
	if opts.MaxKeyDelay < opts.MinKeyDelay {
		opts.MaxKeyDelay = opts.MinKeyDelay + 150*time.Millisecond
	}
	if opts.TypoProbability < 0 {
		opts.TypoProbability = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Detector == nil {
		opts.Detector = challenge.Default()
	}
	if len(opts.WarmupURLs) == 0 {
		opts.WarmupURLs = DefaultWarmupURLs
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Simulator{
		minKey:   opts.MinKeyDelay,
		maxKey:   opts.MaxKeyDelay,
		typo:     opts.TypoProbability,
		poll:     opts.PollInterval,
		sleep:    opts.Sleep,
		detector: opts.Detector,
		warmup:   opts.WarmupURLs,
		logger:   opts.Logger,
		rnd:      opts.Rand,
	}
}

// TypoProbability is the per-character chance of a corrected typo.
func (s *Simulator) TypoProbability() float64 { return s.typo }

// TypeText focuses selector and types text one character at a time.
func (s *Simulator) TypeText(ctx context.Context, page browser.Page, selector, text string) error {
	if err := page.Focus(ctx, selector); err != nil {
		return fmt.Errorf("focus input: %w", err)
	}
	for _, r := range text {
		if wrong, ok := neighborKey(r); ok && s.chance(s.typo) {
			if err := page.TypeKey(ctx, string(wrong)); err != nil {
				return err
			}
			if err := s.sleep(ctx, s.between(120*time.Millisecond, 350*time.Millisecond)); err != nil {
				return err
			}
			if err := page.TypeKey(ctx, browser.KeyBackspace); err != nil {
				return err
			}
			if err := s.sleep(ctx, s.between(s.minKey, s.maxKey)); err != nil {
				return err
			}
		}
		if err := page.TypeKey(ctx, string(r)); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.between(s.minKey, s.maxKey)); err != nil {
			return err
		}
	}
	return nil
}

// RandomDelay sleeps for a uniform duration in [minMs, maxMs] milliseconds.
func (s *Simulator) RandomDelay(ctx context.Context, minMs, maxMs int) error {
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
	}
	return s.sleep(ctx, s.between(time.Duration(minMs)*time.Millisecond, time.Duration(maxMs)*time.Millisecond))
}

// NaturalScroll scrolls a random distance in a few decelerating wheel steps.
func (s *Simulator) NaturalScroll(ctx context.Context, page browser.Page, dir Direction) error {
	total := 300 + s.float()*600
	steps := 3 + s.intN(5)
	sign := 1.0
	if dir == Up {
		sign = -1
	}
	// Weights fall off linearly so early ticks travel farther.
	weightSum := float64(steps*(steps+1)) / 2
	for i := 0; i < steps; i++ {
		delta := total * float64(steps-i) / weightSum
		if err := page.Scroll(ctx, 0, sign*math.Round(delta)); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.between(30*time.Millisecond, 120*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

// BezierMouseMove moves the pointer along a quadratic curve into selector's box.
func (s *Simulator) BezierMouseMove(ctx context.Context, page browser.Page, selector string) error {
	box, ok, err := page.BoundingBox(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, selector)
	}
	tx := box.X + box.Width*(0.2+0.6*s.float())
	ty := box.Y + box.Height*(0.2+0.6*s.float())
	return s.moveTo(ctx, page, tx, ty)
}

func (s *Simulator) moveTo(ctx context.Context, page browser.Page, tx, ty float64) error {
	sx, sy := page.MousePosition()
	path := bezierPath(sx, sy, tx, ty, s.controlPoint(sx, sy, tx, ty), 15+s.intN(16))
	for _, pt := range path {
		if err := page.MouseMove(ctx, pt[0], pt[1]); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.between(5*time.Millisecond, 20*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) controlPoint(sx, sy, tx, ty float64) [2]float64 {
	mx, my := (sx+tx)/2, (sy+ty)/2
	dist := math.Hypot(tx-sx, ty-sy)
	spread := math.Max(dist*0.3, 20)
	return [2]float64{
		mx + (s.float()*2-1)*spread,
		my + (s.float()*2-1)*spread,
	}
}

// bezierPath samples steps points of the quadratic curve, ending exactly on the target.
func bezierPath(sx, sy, tx, ty float64, c [2]float64, steps int) [][2]float64 {
	out := make([][2]float64, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		u := 1 - t
		x := u*u*sx + 2*u*t*c[0] + t*t*tx
		y := u*u*sy + 2*u*t*c[1] + t*t*ty
		out = append(out, [2]float64{x, y})
	}
	return out
}

// SessionWarmup browses one or two unrelated pages before the target. Page
// load failures are logged and skipped.
func (s *Simulator) SessionWarmup(ctx context.Context, page browser.Page, urls []string) error {
	if len(urls) == 0 {
		urls = s.warmup
	}
	visits := 1 + s.intN(2)
	width, height := page.Viewport()
	for i := 0; i < visits; i++ {
		target := urls[s.intN(len(urls))]
		if err := page.Navigate(ctx, target); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("warmup navigation failed", zap.String("url", target), zap.Error(err))
			continue
		}
		if err := s.RandomDelay(ctx, 800, 2500); err != nil {
			return err
		}
		if err := s.NaturalScroll(ctx, page, Down); err != nil {
			return err
		}
		x := float64(width) * (0.1 + 0.8*s.float())
		y := float64(height) * (0.1 + 0.8*s.float())
		if err := s.moveTo(ctx, page, x, y); err != nil {
			return err
		}
		if err := s.RandomDelay(ctx, 500, 1500); err != nil {
			return err
		}
	}
	return nil
}

// WaitForHumanVerification waits up to timeout for a detected challenge to
// clear. It returns the challenge seen (None if there was none) and whether
// the page is now clear. It never interacts with the challenge.
func (s *Simulator) WaitForHumanVerification(ctx context.Context, page browser.Page, timeout time.Duration) (challenge.Type, bool) {
	kind, err := s.detector.Detect(ctx, page)
	if err != nil {
		s.logger.Debug("challenge detection failed", zap.Error(err))
		return challenge.None, true
	}
	if kind == challenge.None {
		return challenge.None, true
	}
	s.logger.Info("challenge detected, waiting", zap.String("type", string(kind)), zap.Duration("timeout", timeout))
	var waited time.Duration
	for waited < timeout {
		step := s.poll
		if remaining := timeout - waited; remaining < step {
			step = remaining
		}
		if err := s.sleep(ctx, step); err != nil {
			return kind, false
		}
		waited += step
		current, err := s.detector.Detect(ctx, page)
		if err == nil && current == challenge.None {
			return kind, true
		}
	}
	return kind, false
}

func (s *Simulator) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	return s.float() < p
}

func (s *Simulator) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return lo + time.Duration(s.rnd.Int64N(int64(hi-lo)+1))
}

func (s *Simulator) float() float64 {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Float64()
}

func (s *Simulator) intN(n int) int {
	if n <= 1 {
		return 0
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.IntN(n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

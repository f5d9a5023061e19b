package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyProber fetches a small URL through the proxy with colly.
type CollyProber struct {
	URL     string
	Timeout time.Duration
}

// Probe succeeds when the probe URL answers below 400 through px.
func (c CollyProber) Probe(ctx context.Context, px Proxy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collector := newCollector(c.Timeout)
	if err := collector.SetProxy(px.URL()); err != nil {
		return fmt.Errorf("set proxy: %w", err)
	}
	status := 0
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	if err := collector.Visit(c.URL); err != nil {
		return fmt.Errorf("probe %s: %w", c.URL, err)
	}
	if status == 0 || status >= 400 {
		return fmt.Errorf("probe %s: status %d", c.URL, status)
	}
	return nil
}

// LoadSource downloads and parses a newline separated proxy list.
func LoadSource(ctx context.Context, sourceURL string, timeout time.Duration) ([]Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	collector := newCollector(timeout)
	var (
		body   []byte
		status int
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	if err := collector.Visit(sourceURL); err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("fetch proxy list: status %d", status)
	}
	proxies, errs := ParseList(string(body))
	if len(proxies) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("parse proxy list: %w", errors.Join(errs...))
	}
	return proxies, nil
}

func newCollector(timeout time.Duration) *colly.Collector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := colly.NewCollector(
		colly.ParseHTTPErrorResponse(),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)
	return c
}

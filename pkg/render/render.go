package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/utils"
)

// Result holds the outcome of rendering a single page.
type Result struct {
	HTML     string
	FinalURL string // Location after navigation (redirects applied)
	Status   int    // HTTP status of the main document response
}

// Renderer turns a page URL into its post-JavaScript DOM.
type Renderer interface {
	Render(ctx context.Context, u canon.CanonicalURL) (*Result, error)
	Close()
}

// Options configures the headless Chrome rendering pool.
type Options struct {
	Timeout      time.Duration
	SettleDelay  time.Duration
	UserAgent    string
	Headless     bool
	PoolSize     int
	MaxBodyBytes int64
}

// tab is one reusable browser context in the pool
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ChromedpRenderer runs a fixed pool of headless Chrome browser contexts
// over one shared exec allocator. A context that errors during a render is
// discarded and replaced with a fresh one, so one crashed page cannot
// poison later renders.
type ChromedpRenderer struct {
	opts        Options
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        chan *tab
	log         *logrus.Entry
}

// NewChromedpRenderer constructs a renderer with a bounded context pool.
func NewChromedpRenderer(opts Options, log *logrus.Entry) (*ChromedpRenderer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)

	r := &ChromedpRenderer{
		opts:        opts,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabs:        make(chan *tab, opts.PoolSize),
		log:         log,
	}

	for i := 0; i < opts.PoolSize; i++ {
		t, err := r.newTab()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("starting browser context %d: %w", i, err)
		}
		r.tabs <- t
	}
	return r, nil
}

// newTab creates a browser context and confirms the browser is reachable
func (r *ChromedpRenderer) newTab() (*tab, error) {
	ctx, cancel := chromedp.NewContext(r.allocCtx)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", utils.ErrRenderCrash, err)
	}
	return &tab{ctx: ctx, cancel: cancel}, nil
}

// Render navigates to the URL, waits for document.readyState to reach
// "complete" plus the settle delay, and captures the final DOM.
func (r *ChromedpRenderer) Render(parentCtx context.Context, u canon.CanonicalURL) (*Result, error) {
	var t *tab
	select {
	case t = <-r.tabs:
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	result, err := r.renderOnTab(parentCtx, t, u)
	if err != nil {
		// The context may be wedged after any error. Replace it rather
		// than risk reusing a dead browser target.
		t.cancel()
		fresh, tabErr := r.newTab()
		if tabErr != nil {
			r.log.WithError(tabErr).Error("Failed to replace crashed browser context")
			fresh = &tab{ctx: t.ctx, cancel: t.cancel} // keep pool full; next render will fail fast
		}
		r.tabs <- fresh
		return result, err
	}

	r.tabs <- t
	return result, nil
}

func (r *ChromedpRenderer) renderOnTab(parentCtx context.Context, t *tab, u canon.CanonicalURL) (*Result, error) {
	urlLog := r.log.WithField("url", u.String())

	ctx, cancel := context.WithTimeout(t.ctx, r.opts.Timeout)
	defer cancel()
	go func() { // propagate caller cancellation into the render deadline
		select {
		case <-parentCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()

	resp, err := chromedp.RunResponse(ctx, chromedp.Navigate(u.String()))
	if err != nil {
		return nil, classifyRenderError(ctx, err)
	}
	status := 200
	if resp != nil {
		status = int(resp.Status)
	}

	var html, finalURL string
	err = chromedp.Run(ctx,
		waitForDocumentReady(),
		chromedp.Sleep(r.opts.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return nil, classifyRenderError(ctx, err)
	}

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}
	if finalURL == "" {
		finalURL = u.String()
	}

	urlLog.WithFields(logrus.Fields{
		"status":     status,
		"html_bytes": len(html),
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("Render complete")

	result := &Result{HTML: html, FinalURL: finalURL, Status: status}
	if status >= 400 {
		return result, fmt.Errorf("%w: %d for %s", utils.ErrRenderBadStatus, status, u.String())
	}
	return result, nil
}

// Close shuts down all browser contexts and the underlying browser.
// Must not be called while renders are in flight.
func (r *ChromedpRenderer) Close() {
	close(r.tabs)
	for t := range r.tabs {
		t.cancel()
	}
	r.allocCancel()
}

// classifyRenderError maps chromedp failures onto the crawl error taxonomy
func classifyRenderError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", utils.ErrRenderTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", utils.ErrRenderCrash, err)
}

// waitForDocumentReady polls document.readyState until it reports "complete"
func waitForDocumentReady() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

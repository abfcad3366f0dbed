// Package browser backs the gateway RPC's `browser.request` method
// (operator.write scope): it renders a URL in a headless Chrome instance
// and returns the resulting page text, for operator tooling that needs a
// JS-rendered page rather than a raw HTTP fetch (link unfurling, page
// verification during channel login flows).
//
// No example repo in the corpus has a concrete go-rod call site — every
// occurrence was a go.mod entry only — so this is written directly against
// rod's documented API rather than adapted from a retrieved file.
package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/clawgate/clawgate/internal/gatewayerr"
)

// defaultTimeout bounds one render, independent of the RPC request timeout,
// so a hung page load can't wedge the shared browser instance.
const defaultTimeout = 20 * time.Second

// Renderer owns one lazily-launched headless Chrome instance, shared
// across every `browser.request` call.
type Renderer struct {
	browser *rod.Browser
}

// NewRenderer returns a Renderer without launching anything; the headless
// Chrome instance is launched and connected on the first Renderer.Request.
func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) ensure() (*rod.Browser, error) {
	if r.browser != nil {
		return r.browser, nil
	}
	url, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Unavailable, err, "launch headless browser")
	}
	r.browser = rod.New().ControlURL(url)
	if err := r.browser.Connect(); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Unavailable, err, "connect to headless browser")
	}
	return r.browser, nil
}

// Result is the rendered page handed back over the RPC response.
type Result struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Request navigates to target, waits for the page to settle, and extracts
// its title and visible text.
func (r *Renderer) Request(ctx context.Context, target string) (*Result, error) {
	b, err := r.ensure()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	page, err := b.Context(reqCtx).Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Transient, err, "open browser page at %s", target)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Transient, err, "wait for page load")
	}

	info, err := page.Info()
	title := ""
	if err == nil && info != nil {
		title = info.Title
	}

	el, err := page.Element("body")
	text := ""
	if err == nil {
		text, _ = el.Text()
	}

	return &Result{URL: target, Title: title, Text: text}, nil
}

// Close shuts down the underlying browser, if one was launched.
func (r *Renderer) Close() error {
	if r.browser == nil {
		return nil
	}
	return r.browser.Close()
}

package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodFetcher renders pages in a headless browser. It exists for
// JS-heavy pages the plain HTTP fetcher comes back empty from. The
// browser is launched lazily on first use and shared across fetches.
type RodFetcher struct {
	timeout time.Duration

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodFetcher creates a browser-backed fetcher with the given
// per-page timeout.
func NewRodFetcher(timeout time.Duration) *RodFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RodFetcher{timeout: timeout}
}

func (f *RodFetcher) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	f.browser = browser
	return f.browser, nil
}

// Fetch renders a page and extracts its text and links.
func (f *RodFetcher) Fetch(ctx context.Context, pageURL string) *Page {
	start := time.Now()
	result := &Page{URL: pageURL, Metadata: map[string]string{}}

	fail := func(format string, args ...any) *Page {
		result.Error = fmt.Sprintf(format, args...)
		result.FetchTime = time.Since(start)
		return result
	}

	if err := Fetchable(pageURL); err != nil {
		return fail("%v", err)
	}

	browser, err := f.ensureBrowser(context.WithoutCancel(ctx))
	if err != nil {
		return fail("%v", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return fail("create page: %v", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(f.timeout)
	if err := page.WaitLoad(); err != nil {
		return fail("load failed: %v", err)
	}

	if info, err := page.Info(); err == nil {
		result.Title = info.Title
	}

	if res, err := page.Eval(`() => document.body ? document.body.innerText : ""`); err == nil {
		result.Content = res.Value.Str()
	}

	if res, err := page.Eval(`() => Array.from(document.querySelectorAll("a[href]")).map(a => a.href)`); err == nil {
		seen := make(map[string]bool)
		for _, v := range res.Value.Arr() {
			link := v.Str()
			if link == "" || seen[link] || Fetchable(link) != nil {
				continue
			}
			seen[link] = true
			result.Links = append(result.Links, link)
		}
	}

	if res, err := page.Eval(`() => {
		const m = document.querySelector('meta[name="description"]');
		return m ? m.content : "";
	}`); err == nil {
		if desc := res.Value.Str(); desc != "" {
			result.Metadata["description"] = desc
		}
	}

	result.FetchTime = time.Since(start)
	result.Success = true
	return result
}

// Close shuts down the shared browser.
func (f *RodFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	return err
}

// Package scrape fetches and extracts web page content for the data
// gathering stage. Fetching never returns an error to the caller; a
// failed fetch produces a Page with Success=false so one bad URL cannot
// abort a gathering run.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	userAgent   = "Mozilla/5.0 (compatible; OdysseyResearch/1.0)"
	maxBodySize = 1 << 20
)

var blockedDomains = []string{
	"facebook.com",
	"twitter.com",
	"instagram.com",
	"tiktok.com",
}

var blockedExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".zip", ".rar", ".exe", ".dmg",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".mp3", ".mp4",
}

// Page is the result of fetching a single URL.
type Page struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Links     []string          `json:"links"`
	Metadata  map[string]string `json:"metadata"`
	FetchTime time.Duration     `json:"fetch_time"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

// Fetcher retrieves a single page. Implementations report failure via
// Page.Success rather than an error return.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) *Page
}

// HTTPFetcher fetches pages with plain HTTP and parses them with
// x/net/html. It is the default fetcher; RodFetcher covers pages that
// need a JS runtime.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetchable reports whether a URL is worth fetching at all: http(s)
// scheme, not a blocked domain, not a binary asset.
func Fetchable(pageURL string) error {
	u, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range blockedDomains {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("blocked domain %s", host)
		}
	}
	lower := strings.ToLower(u.Path)
	for _, ext := range blockedExtensions {
		if strings.HasSuffix(lower, ext) {
			return fmt.Errorf("blocked file type %s", ext)
		}
	}
	return nil
}

// Fetch retrieves and parses a page.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) *Page {
	start := time.Now()
	page := &Page{URL: pageURL, Metadata: map[string]string{}}

	fail := func(format string, args ...any) *Page {
		page.Error = fmt.Sprintf(format, args...)
		page.FetchTime = time.Since(start)
		return page
	}

	if err := Fetchable(pageURL); err != nil {
		return fail("%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return fail("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return fail("unsupported content type %s", ct)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fail("parse failed: %v", err)
	}

	extract(doc, page)
	page.FetchTime = time.Since(start)
	page.Success = true
	return page
}

// extract walks the parsed document filling title, metadata, visible
// text and outbound links.
func extract(doc *html.Node, page *Page) {
	base, _ := url.Parse(page.URL)
	var text strings.Builder
	seen := make(map[string]bool)

	var traverse func(n *html.Node, skip bool)
	traverse = func(n *html.Node, skip bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "nav", "header", "footer", "aside":
				skip = true
			case "title":
				if page.Title == "" && n.FirstChild != nil {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				name, contentAttr := attr(n, "name"), attr(n, "content")
				if name == "" {
					name = attr(n, "property")
				}
				if name != "" && contentAttr != "" {
					switch name {
					case "description", "author", "keywords", "og:title", "og:description":
						page.Metadata[name] = contentAttr
					}
				}
			case "a":
				href := attr(n, "href")
				if href != "" && base != nil {
					if resolved, err := base.Parse(href); err == nil {
						resolved.Fragment = ""
						link := resolved.String()
						if Fetchable(link) == nil && !seen[link] {
							seen[link] = true
							page.Links = append(page.Links, link)
						}
					}
				}
			}
		case html.TextNode:
			if !skip {
				if t := strings.TrimSpace(n.Data); t != "" {
					text.WriteString(t)
					text.WriteString(" ")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c, skip)
		}
	}
	traverse(doc, false)

	page.Content = strings.TrimSpace(text.String())
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

package scrape

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const linksPerPage = 5

// WalkError records a single URL that could not be scraped, with the
// depth it was attempted at.
type WalkError struct {
	URL     string `json:"url"`
	Depth   int    `json:"depth"`
	Message string `json:"message"`
}

// WalkResult is the outcome of a bounded breadth-first crawl.
type WalkResult struct {
	Pages    []*Page     `json:"pages"`
	Errors   []WalkError `json:"errors"`
	Duration time.Duration
}

// Walker crawls outward from seed URLs breadth-first, following at most
// linksPerPage links per page and never exceeding maxDepth hops from a
// seed. Fetches within a depth level run concurrently, bounded by the
// semaphore, and results keep request order.
type Walker struct {
	fetcher     Fetcher
	maxDepth    int
	maxSeeds    int
	concurrency int64
	logger      *zap.Logger
}

// NewWalker creates a walker. maxDepth 0 means seeds only.
func NewWalker(fetcher Fetcher, maxDepth, maxSeeds, concurrency int, logger *zap.Logger) *Walker {
	if maxSeeds <= 0 {
		maxSeeds = 10
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{
		fetcher:     fetcher,
		maxDepth:    maxDepth,
		maxSeeds:    maxSeeds,
		concurrency: int64(concurrency),
		logger:      logger,
	}
}

// Walk runs the crawl.
func (w *Walker) Walk(ctx context.Context, seeds []string) *WalkResult {
	start := time.Now()
	result := &WalkResult{}

	if len(seeds) > w.maxSeeds {
		seeds = seeds[:w.maxSeeds]
	}

	// depth holds the hop count each URL was first reached at. A URL
	// already present is never re-fetched.
	depth := make(map[string]int)
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := depth[s]; ok {
			continue
		}
		depth[s] = 0
		frontier = append(frontier, s)
	}

	sem := semaphore.NewWeighted(w.concurrency)

	for level := 0; len(frontier) > 0 && level <= w.maxDepth; level++ {
		pages := w.fetchLevel(ctx, frontier, sem)

		var next []string
		for i, page := range pages {
			url := frontier[i]
			if page == nil {
				continue
			}
			if !page.Success {
				result.Errors = append(result.Errors, WalkError{URL: url, Depth: level, Message: page.Error})
				continue
			}
			result.Pages = append(result.Pages, page)

			if level == w.maxDepth {
				continue
			}
			followed := 0
			for _, link := range page.Links {
				if followed >= linksPerPage {
					break
				}
				if _, ok := depth[link]; ok {
					continue
				}
				depth[link] = level + 1
				next = append(next, link)
				followed++
			}
		}

		w.logger.Debug("crawl level complete",
			zap.Int("depth", level),
			zap.Int("fetched", len(frontier)),
			zap.Int("next", len(next)))
		frontier = next
	}

	result.Duration = time.Since(start)
	return result
}

// fetchLevel fetches one frontier concurrently, returning pages in the
// same order as urls. A context failure yields nil entries for the
// remaining URLs.
func (w *Walker) fetchLevel(ctx context.Context, urls []string, sem *semaphore.Weighted) []*Page {
	pages := make([]*Page, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer sem.Release(1)
			pages[i] = w.fetcher.Fetch(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return pages
}

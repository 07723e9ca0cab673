package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/config"
	"site-mirror/pkg/fetch"
)

// Gate manages fetching, parsing, caching, and checking robots.txt data.
// Rules are cached per origin; a failed fetch or parse is cached as nil,
// which the gate treats as "everything allowed" (fail open).
type Gate struct {
	fetcher     *fetch.Fetcher
	rateLimiter *fetch.RateLimiter
	cache       map[string]*robotstxt.RobotsData // origin -> parsed data (or nil)
	cacheMu     sync.Mutex
	cfg         *config.MirrorConfig
	log         *logrus.Entry
}

// NewGate creates a Gate
func NewGate(fetcher *fetch.Fetcher, rateLimiter *fetch.RateLimiter, cfg *config.MirrorConfig, log *logrus.Entry) *Gate {
	return &Gate{
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		cache:       make(map[string]*robotstxt.RobotsData),
		cfg:         cfg,
		log:         log,
	}
}

// rulesFor retrieves robots.txt data for the URL's origin, using cache or fetching.
// Returns parsed data or nil on any error/4xx/missing file.
func (g *Gate) rulesFor(u canon.CanonicalURL, ctx context.Context) *robotstxt.RobotsData {
	origin := u.Origin()
	originLog := g.log.WithField("origin", origin)

	g.cacheMu.Lock()
	data, found := g.cache[origin]
	g.cacheMu.Unlock()
	if found {
		return data // could be nil (cached failure)
	}

	robotsURL := &url.URL{Scheme: u.URL().Scheme, Host: u.URL().Host, Path: "/robots.txt"}
	robotsURLStr := robotsURL.String()
	robotsLog := originLog.WithField("robots_url", robotsURLStr)
	robotsLog.Info("Fetching robots.txt...") // Log only on cache miss

	g.rateLimiter.ApplyDelay(u.Host(), g.cfg.DelayPerHost)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURLStr, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return g.cacheResult(origin, nil)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, fetchErr := g.fetcher.FetchWithRetry(req, ctx)
	g.rateLimiter.UpdateLastRequestTime(u.Host())

	if fetchErr != nil {
		robotsLog.Warnf("Fetching robots.txt failed: %v", fetchErr)
		if resp != nil {
			resp.Body.Close()
		}
		return g.cacheResult(origin, nil)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return g.cacheResult(origin, nil)
	}

	data, err = robotstxt.FromBytes(bodyBytes)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return g.cacheResult(origin, nil)
	}

	robotsLog.Info("Successfully fetched and parsed robots.txt")
	return g.cacheResult(origin, data)
}

func (g *Gate) cacheResult(origin string, data *robotstxt.RobotsData) *robotstxt.RobotsData {
	g.cacheMu.Lock()
	g.cache[origin] = data
	g.cacheMu.Unlock()
	return data
}

// Allowed reports whether the configured user agent may fetch the URL.
// Always true when robots checking is disabled or rules could not be obtained.
func (g *Gate) Allowed(u canon.CanonicalURL, ctx context.Context) bool {
	if !g.cfg.RespectRobotsEnabled() {
		return true
	}

	data := g.rulesFor(u, ctx)
	if data == nil {
		return true
	}

	return data.TestAgent(u.URL().RequestURI(), g.cfg.UserAgent)
}

// CrawlDelay returns the per-host delay for the URL's origin: the larger of
// the configured delay and any Crawl-delay directive in robots.txt.
func (g *Gate) CrawlDelay(u canon.CanonicalURL, ctx context.Context) time.Duration {
	delay := g.cfg.DelayPerHost
	if !g.cfg.RespectRobotsEnabled() {
		return delay
	}

	data := g.rulesFor(u, ctx)
	if data == nil {
		return delay
	}

	group := data.FindGroup(g.cfg.UserAgent)
	if group != nil && group.CrawlDelay > delay {
		return group.CrawlDelay
	}
	return delay
}

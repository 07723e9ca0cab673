package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/config"
	"site-mirror/pkg/models"
	"site-mirror/pkg/render"
	"site-mirror/pkg/utils"
)

// mockPage is one canned render outcome, keyed by URL path.
type mockPage struct {
	html     string
	status   int    // 0 means 200
	finalURL string // empty means no redirect
	err      error  // returned alongside the result
}

// mockRenderer replaces the browser pool with a path-keyed fixture map and
// counts render attempts per path.
type mockRenderer struct {
	mu       sync.Mutex
	pages    map[string]mockPage
	attempts map[string]int
}

func newMockRenderer(pages map[string]mockPage) *mockRenderer {
	return &mockRenderer{pages: pages, attempts: make(map[string]int)}
}

func (m *mockRenderer) Render(_ context.Context, u canon.CanonicalURL) (*render.Result, error) {
	m.mu.Lock()
	m.attempts[u.Path()]++
	page, ok := m.pages[u.Path()]
	m.mu.Unlock()

	if !ok {
		res := &render.Result{FinalURL: u.String(), Status: 404}
		return res, fmt.Errorf("%w: 404 for %s", utils.ErrRenderBadStatus, u.String())
	}
	status := page.status
	if status == 0 {
		status = 200
	}
	finalURL := page.finalURL
	if finalURL == "" {
		finalURL = u.String()
	}
	return &render.Result{HTML: page.html, FinalURL: finalURL, Status: status}, page.err
}

func (m *mockRenderer) Close() {}

func (m *mockRenderer) attemptCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[path]
}

// siteServer serves robots.txt and asset bodies, counting hits per path.
type siteServer struct {
	*httptest.Server
	robots string
	files  map[string]string

	mu   sync.Mutex
	hits map[string]int
}

func newSiteServer(t *testing.T, robots string, files map[string]string) *siteServer {
	t.Helper()
	s := &siteServer{robots: robots, files: files, hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()

		if r.URL.Path == "/robots.txt" {
			if s.robots == "" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, s.robots)
			return
		}
		body, ok := s.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *siteServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestConfig(t *testing.T, rootURL string) *config.MirrorConfig {
	t.Helper()
	cfg := &config.MirrorConfig{
		RootURL:           rootURL,
		OutputDir:         t.TempDir(),
		StateDir:          t.TempDir(),
		MaxPages:          50,
		MaxDepth:          5,
		NumWorkers:        2,
		DelayPerHost:      time.Millisecond,
		MaxRetries:        1,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     2 * time.Millisecond,
	}
	cfg.ApplyDefaults()
	return cfg
}

func runCrawl(t *testing.T, cfg *config.MirrorConfig, renderer render.Renderer) (*models.RunMetadata, error) {
	t.Helper()
	crawler, err := NewCrawler(cfg, renderer, newTestLogger())
	require.NoError(t, err)
	return crawler.Run(context.Background())
}

func readSitemap(t *testing.T, outputDir string) []models.SitemapEntry {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outputDir, "sitemap.json"))
	require.NoError(t, err)
	var entries []models.SitemapEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

func readErrors(t *testing.T, outputDir string) []models.ErrorRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outputDir, "errors.json"))
	require.NoError(t, err)
	var entries []models.ErrorRecord
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

// globOne returns the single file matching pattern under outputDir.
func globOne(t *testing.T, outputDir, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(outputDir, pattern))
	require.NoError(t, err)
	require.Len(t, matches, 1, "expected exactly one match for %s", pattern)
	return matches[0]
}

func TestCrawlerMirrorsSite(t *testing.T) {
	server := newSiteServer(t, "User-agent: *\nDisallow: /admin/\n", map[string]string{
		"/static/main.css": `body { background: url("/static/bg.png"); }`,
		"/static/logo.png": "PNGDATA",
		"/static/bg.png":   "PNGDATA2",
	})
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><head><link rel="stylesheet" href="/static/main.css"></head>` +
			`<body><a href="/about">About</a><a href="/admin/secret">Admin</a>` +
			`<img src="/static/logo.png"></body></html>`},
		"/about": {html: `<html><body><a href="/">Home</a>` +
			`<img src="/static/logo.png"></body></html>`},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 2, meta.PagesRendered)
	assert.Equal(t, 0, meta.PagesFailed)
	assert.Equal(t, 3, meta.AssetsFetched, "stylesheet, logo and second-wave background")
	assert.Equal(t, 0, meta.AssetsFailed)
	assert.Equal(t, 1, meta.RobotsSkipped)

	// Rendered pages land at their mapped paths with links rewritten.
	indexHTML, err := os.ReadFile(filepath.Join(cfg.OutputDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(indexHTML), `href="about.html"`)
	assert.Contains(t, string(indexHTML), `href="assets/css/main_`)
	assert.Contains(t, string(indexHTML), `src="assets/images/logo_`)
	// The robots-denied page was never mirrored, so its link stays absolute.
	assert.Contains(t, string(indexHTML), server.URL+"/admin/secret")

	aboutHTML, err := os.ReadFile(filepath.Join(cfg.OutputDir, "about.html"))
	require.NoError(t, err)
	assert.Contains(t, string(aboutHTML), `href="index.html"`)

	// The stylesheet is rewritten relative to its own output location.
	cssPath := globOne(t, cfg.OutputDir, "assets/css/main_*.css")
	cssBody, err := os.ReadFile(cssPath)
	require.NoError(t, err)
	assert.Contains(t, string(cssBody), `url("../images/bg_`)
	globOne(t, cfg.OutputDir, "assets/images/bg_*.png")

	// Shared asset: referenced by both pages, fetched once.
	assert.Equal(t, 1, server.hitCount("/static/logo.png"))

	sitemap := readSitemap(t, cfg.OutputDir)
	require.Len(t, sitemap, 2)
	assert.Equal(t, 0, sitemap[0].Depth)
	assert.Equal(t, "index.html", sitemap[0].OutputPath)
	assert.Equal(t, 1, sitemap[1].Depth)
	assert.Equal(t, "about.html", sitemap[1].OutputPath)

	// Robots-denied URL appears in neither manifest.
	assert.Empty(t, readErrors(t, cfg.OutputDir))
	for _, entry := range sitemap {
		assert.NotContains(t, entry.URL, "/admin/")
	}

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "metadata.yaml"))
	assert.NoError(t, err)
}

func TestCrawlerMaxPages(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body><a href="/p1">1</a><a href="/p2">2</a>` +
			`<a href="/p3">3</a></body></html>`},
		"/p1": {html: `<html><body>p1</body></html>`},
		"/p2": {html: `<html><body>p2</body></html>`},
		"/p3": {html: `<html><body>p3</body></html>`},
	})
	cfg := newTestConfig(t, server.URL)
	cfg.MaxPages = 2
	cfg.NumWorkers = 1

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 2, meta.PagesRendered)
	sitemap := readSitemap(t, cfg.OutputDir)
	require.Len(t, sitemap, 2)
	assert.Equal(t, "index.html", sitemap[0].OutputPath)

	// Quota rejections are silent, not failures.
	assert.Empty(t, readErrors(t, cfg.OutputDir))
	assert.Equal(t, 0, meta.PagesFailed)
}

func TestCrawlerMaxDepth(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/":  {html: `<html><body><a href="/a">a</a></body></html>`},
		"/a": {html: `<html><body><a href="/b">b</a></body></html>`},
		"/b": {html: `<html><body>too deep</body></html>`},
	})
	cfg := newTestConfig(t, server.URL)
	cfg.MaxDepth = 1

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 2, meta.PagesRendered)
	sitemap := readSitemap(t, cfg.OutputDir)
	require.Len(t, sitemap, 2)
	assert.Equal(t, 0, sitemap[0].Depth)
	assert.Equal(t, 1, sitemap[1].Depth)
	assert.Equal(t, 0, renderer.attemptCount("/b"))
	assert.Empty(t, readErrors(t, cfg.OutputDir))
}

func TestCrawlerFailedPageInErrorManifest(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body><a href="/broken">broken</a>` +
			`<a href="/ok">ok</a></body></html>`},
		"/broken": {err: fmt.Errorf("%w: tab gone", utils.ErrRenderCrash)},
		"/ok":     {html: `<html><body>fine</body></html>`},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 2, meta.PagesRendered)
	assert.Equal(t, 1, meta.PagesFailed)

	errs := readErrors(t, cfg.OutputDir)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].URL, "/broken")
	assert.Equal(t, "Render_Crash", errs[0].ErrorKind)

	// A crash gets exactly one retry.
	assert.Equal(t, 2, renderer.attemptCount("/broken"))

	// Every accepted page lands in exactly one manifest.
	sitemap := readSitemap(t, cfg.OutputDir)
	seen := make(map[string]bool)
	for _, entry := range sitemap {
		seen[entry.URL] = true
	}
	for _, rec := range errs {
		assert.False(t, seen[rec.URL], "URL in both manifests: %s", rec.URL)
	}
	assert.Len(t, sitemap, 2)
}

func TestCrawlerBadStatusPage(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body><a href="/missing">gone</a></body></html>`},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.PagesFailed)
	errs := readErrors(t, cfg.OutputDir)
	require.Len(t, errs, 1)
	assert.Equal(t, "HTTP_404", errs[0].ErrorKind)

	// Bad status is permanent, no retry.
	assert.Equal(t, 1, renderer.attemptCount("/missing"))
}

func TestCrawlerRedirectOutOfScope(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body><a href="/exit">exit</a></body></html>`},
		"/exit": {
			html:     `<html><body>elsewhere</body></html>`,
			finalURL: "https://other.example.com/landing",
		},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.PagesRendered)
	errs := readErrors(t, cfg.OutputDir)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].URL, "/exit")
	assert.Equal(t, "Policy_Scope", errs[0].ErrorKind)

	sitemap := readSitemap(t, cfg.OutputDir)
	require.Len(t, sitemap, 1)
}

func TestCrawlerSameOriginRedirectAliased(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body><a href="/old">old</a></body></html>`},
		"/old": {
			html:     `<html><body><a href="/new">self</a></body></html>`,
			finalURL: server.URL + "/new",
		},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	// The redirect target is marked visited; it is never rendered itself.
	assert.Equal(t, 2, meta.PagesRendered)
	assert.Equal(t, 0, renderer.attemptCount("/new"))

	// Links to the target resolve to the captured page's file.
	oldHTML, err := os.ReadFile(filepath.Join(cfg.OutputDir, "old.html"))
	require.NoError(t, err)
	assert.Contains(t, string(oldHTML), `href="old.html"`)
}

func TestCrawlerRobotsDeniedSeed(t *testing.T) {
	server := newSiteServer(t, "User-agent: *\nDisallow: /\n", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body>never rendered</body></html>`},
	})
	cfg := newTestConfig(t, server.URL)

	done := make(chan struct{})
	var meta *models.RunMetadata
	var runErr error
	go func() {
		defer close(done)
		meta, runErr = runCrawl(t, cfg, renderer)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("crawl deadlocked on a rejected seed")
	}

	require.NoError(t, runErr)
	assert.Equal(t, 0, meta.PagesRendered)
	assert.Equal(t, 1, meta.RobotsSkipped)
	assert.Equal(t, 0, renderer.attemptCount("/"))
	assert.Empty(t, readSitemap(t, cfg.OutputDir))
	assert.Empty(t, readErrors(t, cfg.OutputDir))
}

func TestCrawlerFailedAssetInErrorManifest(t *testing.T) {
	server := newSiteServer(t, "", map[string]string{
		"/static/logo.png": "PNGDATA",
	})
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body><img src="/static/logo.png">` +
			`<img src="/static/gone.png"></body></html>`},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.AssetsFetched)
	assert.Equal(t, 1, meta.AssetsFailed)

	errs := readErrors(t, cfg.OutputDir)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].URL, "/static/gone.png")
	assert.Equal(t, "HTTP_404", errs[0].ErrorKind)

	// The unresolved reference stays an absolute URL.
	indexHTML, err := os.ReadFile(filepath.Join(cfg.OutputDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(indexHTML), server.URL+"/static/gone.png")
}

func TestCrawlerCrossOriginAssetLeftAbsolute(t *testing.T) {
	server := newSiteServer(t, "", nil)
	renderer := newMockRenderer(map[string]mockPage{
		"/": {html: `<html><body>` +
			`<img src="https://cdn.example.com/art.png"></body></html>`},
	})
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, renderer)
	require.NoError(t, err)

	assert.Equal(t, 0, meta.AssetsFetched)
	assert.Equal(t, 0, meta.AssetsFailed)
	indexHTML, err := os.ReadFile(filepath.Join(cfg.OutputDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(indexHTML), "https://cdn.example.com/art.png")
	assert.Empty(t, readErrors(t, cfg.OutputDir))
}

func TestCrawlerResumeSkipsRenderAndDownloads(t *testing.T) {
	server := newSiteServer(t, "", map[string]string{
		"/static/main.css": `h1 { color: red; }`,
		"/static/logo.png": "PNGDATA",
	})
	pages := map[string]mockPage{
		"/": {html: `<html><head><link rel="stylesheet" href="/static/main.css"></head>` +
			`<body><a href="/about">About</a><img src="/static/logo.png"></body></html>`},
		"/about": {html: `<html><body><a href="/">Home</a></body></html>`},
	}
	cfg := newTestConfig(t, server.URL)

	meta, err := runCrawl(t, cfg, newMockRenderer(pages))
	require.NoError(t, err)
	require.Equal(t, 2, meta.PagesRendered)
	logoHits := server.hitCount("/static/logo.png")
	require.Equal(t, 1, logoHits)

	// Second run: same state and output dirs, no renders allowed.
	cfg.Resume = true
	second := newMockRenderer(pages)
	meta, err = runCrawl(t, cfg, second)
	require.NoError(t, err)

	assert.Equal(t, 2, meta.PagesRendered)
	assert.Equal(t, 0, second.attemptCount("/"), "journaled pages must not re-render")
	assert.Equal(t, 0, second.attemptCount("/about"))

	// Binary assets with surviving files are not re-fetched; stylesheets
	// are, because the rewrite pass needs their body.
	assert.Equal(t, logoHits, server.hitCount("/static/logo.png"))
	assert.Equal(t, 2, server.hitCount("/static/main.css"))
	assert.Equal(t, 2, meta.AssetsFetched)

	sitemap := readSitemap(t, cfg.OutputDir)
	require.Len(t, sitemap, 2)
}

func TestCrawlerCancellation(t *testing.T) {
	server := newSiteServer(t, "", nil)
	blocker := make(chan struct{})
	renderer := newBlockingRenderer(blocker)
	cfg := newTestConfig(t, server.URL)
	cfg.NumWorkers = 1

	crawler, err := NewCrawler(cfg, renderer, newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, runErr := crawler.Run(ctx)
		done <- runErr
	}()

	<-renderer.started()
	cancel()
	close(blocker)

	select {
	case runErr := <-done:
		require.Error(t, runErr)
		assert.ErrorIs(t, runErr, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("crawl did not stop after cancellation")
	}
}

// blockingRenderer holds every render until released, so tests can cancel a
// run mid-flight.
type blockingRenderer struct {
	release   chan struct{}
	startedCh chan struct{}
	startOnce sync.Once
}

func newBlockingRenderer(release chan struct{}) *blockingRenderer {
	return &blockingRenderer{release: release, startedCh: make(chan struct{})}
}

func (b *blockingRenderer) started() <-chan struct{} { return b.startedCh }

func (b *blockingRenderer) Render(ctx context.Context, u canon.CanonicalURL) (*render.Result, error) {
	b.startOnce.Do(func() { close(b.startedCh) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &render.Result{HTML: "<html></html>", FinalURL: u.String(), Status: 200}, nil
}

func (b *blockingRenderer) Close() {}

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"site-mirror/pkg/assets"
	"site-mirror/pkg/canon"
	"site-mirror/pkg/config"
	"site-mirror/pkg/extract"
	"site-mirror/pkg/fetch"
	"site-mirror/pkg/frontier"
	"site-mirror/pkg/models"
	"site-mirror/pkg/pathmap"
	"site-mirror/pkg/render"
	"site-mirror/pkg/rewrite"
	"site-mirror/pkg/robots"
	"site-mirror/pkg/storage"
	"site-mirror/pkg/utils"
)

// PageEvent is emitted once per successfully mirrored page, after its
// rewritten body has been written. Consumers hang off the Events channel;
// a slow consumer loses events rather than stalling the run.
type PageEvent struct {
	Record     *models.PageRecord
	OutputPath string
}

// Crawler drives the crawl-render-extract-download-rewrite pipeline for
// one site and writes the offline mirror plus its manifests.
type Crawler struct {
	cfg  *config.MirrorConfig
	log  *logrus.Logger
	root canon.CanonicalURL

	allowedOrigins map[string]struct{}

	renderer    render.Renderer
	fetcher     *fetch.Fetcher
	rateLimiter *fetch.RateLimiter
	gate        *robots.Gate
	frontier    *frontier.Frontier
	extractor   *extract.Extractor
	mapper      *pathmap.Mapper
	manager     *assets.Manager
	journal     *storage.Journal

	pending atomic.Int64 // accepted frontier entries not yet finished

	mu            sync.Mutex
	pages         []*models.PageRecord
	sitemap       []models.SitemapEntry
	errs          []models.ErrorRecord
	resumedAssets map[string]string // canonical URL -> path, skipped re-download
	robotsSkipped int
	pagesFailed   int

	events chan PageEvent
}

// NewCrawler wires a Crawler for the configured root. The renderer is
// injected so tests can substitute the browser pool.
func NewCrawler(cfg *config.MirrorConfig, renderer render.Renderer, logger *logrus.Logger) (*Crawler, error) {
	root, err := canon.Canonicalize(cfg.RootURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: root_url: %v", utils.ErrConfigValidation, err)
	}

	allowed := map[string]struct{}{root.Origin(): {}}
	for _, raw := range cfg.AllowedOrigins {
		o, err := canon.Canonicalize(raw, nil)
		if err != nil {
			logger.Warnf("Ignoring unparseable allowed origin %q: %v", raw, err)
			continue
		}
		allowed[o.Origin()] = struct{}{}
	}

	client := fetch.NewClient(cfg.HTTPClientSettings, logger)
	fetcher := fetch.NewFetcher(client, cfg, logger)
	rateLimiter := fetch.NewRateLimiter(cfg.DelayPerHost, logger)
	gateLog := logger.WithField("component", "robots")

	c := &Crawler{
		cfg:            cfg,
		log:            logger,
		root:           root,
		allowedOrigins: allowed,
		renderer:       renderer,
		fetcher:        fetcher,
		rateLimiter:    rateLimiter,
		gate:           robots.NewGate(fetcher, rateLimiter, cfg, gateLog),
		frontier:       frontier.New(cfg.MaxDepth, cfg.MaxPages, logger),
		extractor:      extract.NewExtractor(logger.WithField("component", "extract")),
		mapper:         pathmap.NewMapper(),
		sitemap:        []models.SitemapEntry{},
		errs:           []models.ErrorRecord{},
		resumedAssets:  make(map[string]string),
		events:         make(chan PageEvent, cfg.EventBuffer),
	}
	return c, nil
}

// Events returns the analyzer hook channel. Closed when Run finishes.
func (c *Crawler) Events() <-chan PageEvent {
	return c.events
}

// Run executes the full mirror pipeline and blocks until the output tree
// and manifests are written or ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) (*models.RunMetadata, error) {
	startTime := time.Now()
	meta := &models.RunMetadata{
		RunID:     uuid.NewString(),
		RootURL:   c.root.String(),
		OutputDir: c.cfg.OutputDir,
		StartTime: startTime,
	}
	runLog := c.log.WithField("run_id", meta.RunID)
	runLog.Infof("Starting mirror of %s", c.root.String())

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	journal, err := storage.NewJournal(c.cfg.StateDir, c.root.Host(), c.cfg.Resume, runLog.WithField("component", "journal"))
	if err != nil {
		return nil, err
	}
	defer journal.Close()
	c.journal = journal
	go journal.RunGC(runCtx, 10*time.Minute)

	if c.cfg.Resume {
		resumable := 0
		if err := journal.CompletedPages(runCtx, func(string, *models.PageJournalEntry) { resumable++ }); err != nil {
			runLog.Warnf("Resume scan failed, continuing without: %v", err)
		} else {
			runLog.Infof("Resume: %d completed pages available in journal", resumable)
		}
	}

	globalSem := semaphore.NewWeighted(int64(c.cfg.MaxRequests))
	c.manager = assets.NewManager(runCtx, c.fetcher, c.rateLimiter, globalSem,
		func(u canon.CanonicalURL) time.Duration { return c.gate.CrawlDelay(u, runCtx) },
		c.cfg, c.log.WithField("component", "assets"))
	c.manager.SetCSSHandler(func(rec *models.AssetRecord) { c.onStylesheet(rec) })

	// Seed. A rejected seed (robots-denied root) ends the crawl immediately.
	c.offer(runCtx, c.root, 0, "")
	if c.pending.Load() == 0 {
		runLog.Warn("Seed URL was not accepted, nothing to crawl")
		c.frontier.Close()
	}

	// Cancellation stops dequeues; queued entries are dropped.
	go func() {
		<-runCtx.Done()
		c.frontier.Close()
	}()

	var workerWg sync.WaitGroup
	for i := 0; i < c.cfg.NumWorkers; i++ {
		workerWg.Add(1)
		go func(workerID int) {
			defer workerWg.Done()
			workerLog := runLog.WithField("worker_id", workerID)
			for {
				entry, ok := c.frontier.Take()
				if !ok {
					workerLog.Debug("Frontier closed, worker exiting")
					return
				}
				c.processPage(runCtx, entry)
				if c.pending.Add(-1) == 0 {
					c.frontier.Close()
				}
			}
		}(i)
	}

	workerWg.Wait()
	runLog.Infof("Crawl finished: %d pages rendered, waiting for asset downloads...", len(c.pages))
	c.manager.Wait()

	if err := c.finalize(meta); err != nil {
		close(c.events)
		return meta, err
	}
	close(c.events)

	meta.EndTime = time.Now()
	meta.Duration = meta.EndTime.Sub(startTime)
	runLog.WithFields(logrus.Fields{
		"pages_rendered": meta.PagesRendered,
		"pages_failed":   meta.PagesFailed,
		"assets_fetched": meta.AssetsFetched,
		"assets_failed":  meta.AssetsFailed,
		"duration":       meta.Duration.Round(time.Millisecond),
	}).Info("Mirror complete")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return meta, fmt.Errorf("crawl interrupted: %w", ctxErr)
	}
	return meta, nil
}

// originAllowed reports whether the URL's origin is the root's or one of
// the configured extra origins.
func (c *Crawler) originAllowed(u canon.CanonicalURL) bool {
	_, ok := c.allowedOrigins[u.Origin()]
	return ok
}

// offer is the single admission point for page URLs: scope, robots, then
// frontier (visited set, depth, quota). A robots denial is a silent skip,
// recorded in neither manifest.
func (c *Crawler) offer(ctx context.Context, u canon.CanonicalURL, depth int, from string) {
	if !c.originAllowed(u) {
		return
	}
	if !c.gate.Allowed(u, ctx) {
		c.mu.Lock()
		c.robotsSkipped++
		c.mu.Unlock()
		c.log.WithField("url", u.String()).Debug("Robots disallowed, skipping")
		return
	}

	accepted, reason := c.frontier.Offer(&models.FrontierEntry{URL: u, Depth: depth, DiscoveredFrom: from})
	if accepted {
		c.pending.Add(1)
		return
	}
	if reason != frontier.RejectDuplicate && reason != frontier.RejectClosed {
		c.log.WithFields(logrus.Fields{"url": u.String(), "reason": reason}).Debug("Frontier rejected URL")
	}
}

// processPage renders one accepted page, extracts its references, and
// stages it for the rewrite pass.
func (c *Crawler) processPage(ctx context.Context, entry *models.FrontierEntry) {
	u := entry.URL
	pageLog := c.log.WithFields(logrus.Fields{"url": u.String(), "depth": entry.Depth})

	result, rendered, err := c.renderPage(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			pageLog.Debugf("Render abandoned: %v", err)
			return
		}
		kind := utils.CategorizeError(err)
		if errors.Is(err, utils.ErrRenderBadStatus) && result != nil {
			kind = fmt.Sprintf("HTTP_%d", result.Status)
		}
		pageLog.Warnf("Page failed (%s): %v", kind, err)
		c.recordPageFailure(u, entry.Depth, kind, err.Error())
		return
	}
	if rendered {
		pageLog.Debug("Rendered")
	} else {
		pageLog.Debug("Reused journaled render")
	}

	finalURL := u
	if result.FinalURL != "" && result.FinalURL != u.String() {
		fu, ferr := canon.Canonicalize(result.FinalURL, nil)
		if ferr == nil {
			finalURL = fu
		}
	}
	if !c.originAllowed(finalURL) {
		pageLog.Warnf("Redirected out of scope to %s", finalURL.String())
		c.recordPageFailure(u, entry.Depth, utils.CategorizeError(utils.ErrScopeViolation),
			fmt.Sprintf("redirected to %s", finalURL.String()))
		return
	}
	if finalURL.String() != u.String() {
		// The redirect target is this page; never crawl it separately.
		c.frontier.MarkVisited(finalURL.String())
	}

	pagePath := c.mapper.Assign(u, models.ClassPage)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
	if err != nil {
		c.recordPageFailure(u, entry.Depth, utils.CategorizeError(utils.ErrParsing), err.Error())
		return
	}
	refs := c.extractor.FromDocument(doc, finalURL)
	if refs.Malformed > 0 {
		pageLog.Debugf("Skipped %d malformed references", refs.Malformed)
	}

	for _, link := range refs.Links {
		c.offer(ctx, link.URL, entry.Depth+1, u.String())
	}
	for _, asset := range refs.Assets {
		c.submitAsset(asset)
	}

	record := &models.PageRecord{
		URL:      u,
		FinalURL: finalURL,
		Status:   result.Status,
		HTML:     result.HTML,
		Depth:    entry.Depth,
	}
	if err := c.journal.SetPage(u.String(), &models.PageJournalEntry{
		Status:      models.PageStatusSuccess,
		OutputPath:  pagePath,
		Depth:       entry.Depth,
		FinalURL:    finalURL.String(),
		RawHTML:     result.HTML,
		LastAttempt: time.Now().UTC(),
	}); err != nil {
		pageLog.Warnf("Journal write failed: %v", err)
	}

	c.mu.Lock()
	c.pages = append(c.pages, record)
	c.sitemap = append(c.sitemap, models.SitemapEntry{
		URL:        u.String(),
		OutputPath: pagePath,
		Depth:      entry.Depth,
	})
	c.mu.Unlock()
}

// renderPage returns the page DOM, from the journal on resume or from the
// renderer otherwise. Transient render failures get one retry. The bool
// reports whether a live render happened.
func (c *Crawler) renderPage(ctx context.Context, u canon.CanonicalURL) (*render.Result, bool, error) {
	if c.cfg.Resume {
		status, jentry, jerr := c.journal.GetPage(u.String())
		if jerr == nil && status == models.PageStatusSuccess && jentry.RawHTML != "" {
			finalURL := jentry.FinalURL
			if finalURL == "" {
				finalURL = u.String()
			}
			return &render.Result{HTML: jentry.RawHTML, FinalURL: finalURL, Status: 200}, false, nil
		}
	}

	c.rateLimiter.ApplyDelay(u.Host(), c.gate.CrawlDelay(u, ctx))
	result, err := c.renderer.Render(ctx, u)
	c.rateLimiter.UpdateLastRequestTime(u.Host())

	if err != nil && ctx.Err() == nil &&
		(errors.Is(err, utils.ErrRenderTimeout) || errors.Is(err, utils.ErrRenderCrash)) {
		c.log.WithField("url", u.String()).Warnf("Retrying render after transient failure: %v", err)
		c.rateLimiter.ApplyDelay(u.Host(), c.gate.CrawlDelay(u, ctx))
		result, err = c.renderer.Render(ctx, u)
		c.rateLimiter.UpdateLastRequestTime(u.Host())
	}
	return result, true, err
}

func (c *Crawler) recordPageFailure(u canon.CanonicalURL, depth int, kind, message string) {
	if err := c.journal.SetPage(u.String(), &models.PageJournalEntry{
		Status:      models.PageStatusFailure,
		ErrorKind:   kind,
		Depth:       depth,
		LastAttempt: time.Now().UTC(),
	}); err != nil {
		c.log.Warnf("Journal write failed: %v", err)
	}

	c.mu.Lock()
	c.pagesFailed++
	c.errs = append(c.errs, models.ErrorRecord{URL: u.String(), ErrorKind: kind, Message: message})
	c.mu.Unlock()
}

// submitAsset routes an asset reference to the download manager. Out of
// scope assets are skipped (the rewriter leaves them absolute). On resume,
// non-CSS assets whose output file survives are not re-downloaded.
func (c *Crawler) submitAsset(ref models.Reference) {
	if !c.originAllowed(ref.URL) {
		return
	}
	key := ref.URL.String()

	if c.cfg.Resume && ref.Class != models.ClassCSS {
		jentry, found, jerr := c.journal.GetAsset(key)
		if jerr == nil && found && jentry.Status == models.PageStatusSuccess && jentry.OutputPath != "" {
			if _, statErr := os.Stat(filepath.Join(c.cfg.OutputDir, filepath.FromSlash(jentry.OutputPath))); statErr == nil {
				c.mapper.Restore(ref.URL, jentry.OutputPath)
				c.mu.Lock()
				c.resumedAssets[key] = jentry.OutputPath
				c.mu.Unlock()
				return
			}
		}
	}

	c.mapper.Assign(ref.URL, ref.Class)
	c.manager.Submit(ref)
}

// onStylesheet is the CSS second wave: references inside a fetched
// stylesheet join the same download run.
func (c *Crawler) onStylesheet(rec *models.AssetRecord) {
	refs, malformed := c.extractor.FromCSS(string(rec.Body), rec.URL)
	if malformed > 0 {
		c.log.WithField("css", rec.URL.String()).Debugf("Skipped %d malformed CSS references", malformed)
	}
	for _, ref := range refs {
		c.submitAsset(ref)
	}
}

// finalize runs the rewrite pass over every captured body and writes the
// output tree, the manifests, and the run metadata.
func (c *Crawler) finalize(meta *models.RunMetadata) error {
	results := c.manager.Results()

	// Local copies only: anything absent here stays an absolute URL.
	resolved := make(map[string]string, len(results)+len(c.pages))
	for key, path := range c.resumedAssets {
		resolved[key] = path
	}
	for key, rec := range results {
		if rec.Err != nil {
			kind := utils.CategorizeError(rec.Err)
			c.errs = append(c.errs, models.ErrorRecord{URL: key, ErrorKind: kind, Message: rec.Err.Error()})
			if err := c.journal.SetAsset(key, &models.AssetJournalEntry{
				Status:      models.PageStatusFailure,
				Class:       string(rec.Class),
				ErrorKind:   kind,
				LastAttempt: time.Now().UTC(),
			}); err != nil {
				c.log.Warnf("Journal write failed: %v", err)
			}
			continue
		}
		if path, ok := c.mapper.Lookup(rec.URL); ok {
			resolved[key] = path
		}
	}
	for _, page := range c.pages {
		if path, ok := c.mapper.Lookup(page.URL); ok {
			resolved[page.URL.String()] = path
			// References to the redirect target resolve to the same file.
			resolved[page.FinalURL.String()] = path
		}
	}

	rewriter := rewrite.NewRewriter(func(u canon.CanonicalURL) (string, bool) {
		p, ok := resolved[u.String()]
		return p, ok
	}, c.log.WithField("component", "rewrite"))

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, page := range c.pages {
		path := resolved[page.URL.String()]
		html, err := rewriter.HTML(page.HTML, page.FinalURL, path)
		if err != nil {
			c.log.WithField("url", page.URL.String()).Errorf("Rewrite failed: %v", err)
			keep(err)
			continue
		}
		if err := c.writeOutput(path, []byte(html)); err != nil {
			keep(err)
			continue
		}
		meta.PagesRendered++
		c.emit(PageEvent{Record: page, OutputPath: path})
	}

	for key, rec := range results {
		if rec.Err != nil {
			meta.AssetsFailed++
			continue
		}
		path, ok := c.mapper.Lookup(rec.URL)
		if !ok {
			continue
		}
		body := rec.Body
		if rec.Class == models.ClassCSS {
			body = []byte(rewriter.CSS(string(rec.Body), rec.URL, path))
		}
		if err := c.writeOutput(path, body); err != nil {
			keep(err)
			continue
		}
		meta.AssetsFetched++
		if err := c.journal.SetAsset(key, &models.AssetJournalEntry{
			Status:      models.PageStatusSuccess,
			Class:       string(rec.Class),
			OutputPath:  path,
			LastAttempt: time.Now().UTC(),
		}); err != nil {
			c.log.Warnf("Journal write failed: %v", err)
		}
	}
	meta.AssetsFetched += len(c.resumedAssets)
	meta.PagesFailed = c.pagesFailed
	meta.RobotsSkipped = c.robotsSkipped

	keep(c.writeManifests(meta))
	return firstErr
}

// emit delivers a page event without ever blocking the pipeline
func (c *Crawler) emit(ev PageEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.WithField("url", ev.Record.URL.String()).Warn("Event buffer full, dropping page event")
	}
}

// writeManifests writes sitemap.json, errors.json and metadata.yaml
func (c *Crawler) writeManifests(meta *models.RunMetadata) error {
	sort.Slice(c.sitemap, func(i, j int) bool {
		if c.sitemap[i].Depth != c.sitemap[j].Depth {
			return c.sitemap[i].Depth < c.sitemap[j].Depth
		}
		return c.sitemap[i].URL < c.sitemap[j].URL
	})
	sort.Slice(c.errs, func(i, j int) bool { return c.errs[i].URL < c.errs[j].URL })

	sitemapJSON, err := json.MarshalIndent(c.sitemap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling sitemap: %w", utils.ErrParsing, err)
	}
	if err := c.writeOutput("sitemap.json", sitemapJSON); err != nil {
		return err
	}

	errorsJSON, err := json.MarshalIndent(c.errs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling error manifest: %w", utils.ErrParsing, err)
	}
	if err := c.writeOutput("errors.json", errorsJSON); err != nil {
		return err
	}

	metaYAML, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: marshaling run metadata: %w", utils.ErrParsing, err)
	}
	return c.writeOutput("metadata.yaml", metaYAML)
}

// writeOutput writes one file under the output root, creating parents.
func (c *Crawler) writeOutput(relPath string, data []byte) error {
	full := filepath.Join(c.cfg.OutputDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", utils.ErrFilesystem, filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", utils.ErrFilesystem, full, err)
	}
	return nil
}

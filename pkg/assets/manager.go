package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/config"
	"site-mirror/pkg/fetch"
	"site-mirror/pkg/models"
	"site-mirror/pkg/utils"
)

// DelayFunc returns the effective pacing delay for a URL's host.
type DelayFunc func(u canon.CanonicalURL) time.Duration

// CSSHandler receives each successfully fetched stylesheet so its own
// references can be discovered and submitted while the run is still open.
type CSSHandler func(rec *models.AssetRecord)

// Manager downloads asset bodies with bounded concurrency. Exactly one
// fetch happens per canonical URL: completed results are cached, and
// concurrent submissions of the same URL join the in-flight fetch.
type Manager struct {
	fetcher     *fetch.Fetcher
	rateLimiter *fetch.RateLimiter
	workerSem   *semaphore.Weighted // bounds concurrent downloads
	globalSem   *semaphore.Weighted // shared cap on outbound requests, may be nil
	group       singleflight.Group
	delayFor    DelayFunc
	cssHandler  CSSHandler

	mu      sync.Mutex
	results map[string]*models.AssetRecord

	wg  sync.WaitGroup
	ctx context.Context
	cfg *config.MirrorConfig
	log *logrus.Entry
}

// NewManager creates a Manager. globalSem may be nil when no shared
// request cap is configured.
func NewManager(
	ctx context.Context,
	fetcher *fetch.Fetcher,
	rateLimiter *fetch.RateLimiter,
	globalSem *semaphore.Weighted,
	delayFor DelayFunc,
	cfg *config.MirrorConfig,
	log *logrus.Entry,
) *Manager {
	workers := cfg.DownloadWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		workerSem:   semaphore.NewWeighted(int64(workers)),
		globalSem:   globalSem,
		delayFor:    delayFor,
		results:     make(map[string]*models.AssetRecord),
		ctx:         ctx,
		cfg:         cfg,
		log:         log,
	}
}

// SetCSSHandler installs the stylesheet callback. Must be called before
// the first Submit.
func (m *Manager) SetCSSHandler(fn CSSHandler) {
	m.cssHandler = fn
}

// Submit schedules an asset for download. Duplicate submissions of the
// same canonical URL are joined, never re-fetched. Safe to call from the
// CSS handler, so stylesheet-discovered assets land in the same run.
func (m *Manager) Submit(ref models.Reference) {
	key := ref.URL.String()

	m.mu.Lock()
	if _, done := m.results[key]; done {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// The result is stored inside the flight, before singleflight
		// forgets the key. A later Submit therefore either joins this
		// flight or sees the stored record on its recheck; the URL can
		// never be fetched twice.
		m.group.Do(key, func() (any, error) {
			m.mu.Lock()
			if _, done := m.results[key]; done {
				m.mu.Unlock()
				return nil, nil
			}
			m.mu.Unlock()

			rec := m.download(ref)

			m.mu.Lock()
			m.results[key] = rec
			m.mu.Unlock()

			if rec.Err == nil && rec.Class == models.ClassCSS && m.cssHandler != nil {
				m.cssHandler(rec)
			}
			return rec, nil
		})
	}()
}

// download performs the actual bounded, paced, retried fetch
func (m *Manager) download(ref models.Reference) *models.AssetRecord {
	rec := &models.AssetRecord{URL: ref.URL, Class: ref.Class}
	urlLog := m.log.WithFields(logrus.Fields{"asset": ref.URL.String(), "class": ref.Class})

	if err := m.workerSem.Acquire(m.ctx, 1); err != nil {
		rec.Err = err
		return rec
	}
	defer m.workerSem.Release(1)

	if m.globalSem != nil {
		if err := m.globalSem.Acquire(m.ctx, 1); err != nil {
			rec.Err = err
			return rec
		}
		defer m.globalSem.Release(1)
	}

	host := ref.URL.Host()
	m.rateLimiter.ApplyDelay(host, m.delayFor(ref.URL))

	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, ref.URL.String(), nil)
	if err != nil {
		rec.Err = fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
		return rec
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	resp, err := m.fetcher.FetchWithRetry(req, m.ctx)
	m.rateLimiter.UpdateLastRequestTime(host)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		urlLog.Debugf("Asset fetch failed: %v", err)
		rec.Err = err
		return rec
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if m.cfg.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, m.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		rec.Err = fmt.Errorf("%w: %v", utils.ErrResponseBodyRead, err)
		return rec
	}

	rec.Body = body
	rec.ContentType = resp.Header.Get("Content-Type")
	rec.Size = int64(len(body))
	urlLog.WithField("bytes", rec.Size).Debug("Asset downloaded")
	return rec
}

// Wait blocks until every submitted download (including ones added by the
// CSS handler mid-flight) has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Results returns the outcome for every submitted canonical URL.
// Call after Wait.
func (m *Manager) Results() map[string]*models.AssetRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.AssetRecord, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

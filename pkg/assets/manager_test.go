package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/config"
	"site-mirror/pkg/fetch"
	"site-mirror/pkg/models"
	"site-mirror/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig() *config.MirrorConfig {
	return &config.MirrorConfig{
		UserAgent:         "mirror-test",
		DownloadWorkers:   4,
		MaxRetries:        3,
		InitialRetryDelay: 5 * time.Millisecond,
		MaxRetryDelay:     20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, server *httptest.Server) *Manager {
	t.Helper()
	cfg := testConfig()
	log := testLogger()
	fetcher := fetch.NewFetcher(server.Client(), cfg, log.Logger)
	rl := fetch.NewRateLimiter(0, log.Logger)
	noDelay := func(canon.CanonicalURL) time.Duration { return 0 }
	return NewManager(context.Background(), fetcher, rl, nil, noDelay, cfg, log)
}

func ref(t *testing.T, raw string, class models.ResourceClass) models.Reference {
	t.Helper()
	u, err := canon.Canonicalize(raw, nil)
	require.NoError(t, err)
	return models.Reference{Raw: raw, URL: u, Class: class}
}

func TestManager_DownloadsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, "body { color: red; }")
	}))
	defer server.Close()

	m := newTestManager(t, server)
	m.Submit(ref(t, server.URL+"/main.css", models.ClassCSS))
	m.Wait()

	results := m.Results()
	require.Len(t, results, 1)
	for _, rec := range results {
		require.NoError(t, rec.Err)
		assert.Equal(t, "body { color: red; }", string(rec.Body))
		assert.Equal(t, "text/css", rec.ContentType)
		assert.Equal(t, int64(len(rec.Body)), rec.Size)
	}
}

func TestManager_SharedAssetFetchedOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		io.WriteString(w, "png-bytes")
	}))
	defer server.Close()

	m := newTestManager(t, server)
	shared := ref(t, server.URL+"/logo.png", models.ClassImage)

	// Many pages referencing the same asset concurrently
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Submit(shared)
		}()
	}
	wg.Wait()
	m.Wait()

	assert.Equal(t, int32(1), hits.Load(), "shared asset must be fetched exactly once")
	require.Len(t, m.Results(), 1)
}

func TestManager_ResubmitAfterFlightNeverRefetches(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "png-bytes")
	}))
	defer server.Close()

	m := newTestManager(t, server)
	shared := ref(t, server.URL+"/logo.png", models.ClassImage)

	// Submitting in waves lands submissions both during a flight and in
	// the moments right after one completes. The result must be cached
	// before the flight ends so no wave can start a second fetch.
	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Submit(shared)
			}()
		}
		wg.Wait()
	}
	m.Wait()

	assert.Equal(t, int32(1), hits.Load(), "re-submission after a completed flight must hit the cache")
	require.Len(t, m.Results(), 1)
}

func TestManager_TransientFailureRecovered(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	m := newTestManager(t, server)
	m.Submit(ref(t, server.URL+"/flaky.js", models.ClassJS))
	m.Wait()

	for _, rec := range m.Results() {
		require.NoError(t, rec.Err, "503,503,200 should succeed via retries")
		assert.Equal(t, "ok", string(rec.Body))
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestManager_PermanentFailureNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	m := newTestManager(t, server)
	m.Submit(ref(t, server.URL+"/gone.png", models.ClassImage))
	m.Wait()

	for _, rec := range m.Results() {
		require.Error(t, rec.Err)
		assert.True(t, errors.Is(rec.Err, utils.ErrClientHTTPError), "404 should surface as client error, got %v", rec.Err)
	}
	assert.Equal(t, int32(1), hits.Load(), "404 must not be retried")
}

func TestManager_CSSSecondWave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/main.css":
			w.Header().Set("Content-Type", "text/css")
			io.WriteString(w, `body { background: url("/bg.png"); }`)
		case "/bg.png":
			io.WriteString(w, "png-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	m := newTestManager(t, server)
	m.SetCSSHandler(func(rec *models.AssetRecord) {
		// Orchestrator hook: discover stylesheet references and submit them
		m.Submit(ref(t, server.URL+"/bg.png", models.ClassImage))
	})

	m.Submit(ref(t, server.URL+"/main.css", models.ClassCSS))
	m.Wait()

	results := m.Results()
	require.Len(t, results, 2, "stylesheet-discovered image should download in the same run")

	bg, ok := results[canon.MustCanonicalize(server.URL+"/bg.png").String()]
	require.True(t, ok)
	require.NoError(t, bg.Err)
	assert.Equal(t, "png-bytes", string(bg.Body))
}

func TestManager_BodyTruncatedAtLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "0123456789")
	}))
	defer server.Close()

	m := newTestManager(t, server)
	m.cfg.MaxBodyBytes = 4
	m.Submit(ref(t, server.URL+"/big.bin", models.ClassOther))
	m.Wait()

	for _, rec := range m.Results() {
		require.NoError(t, rec.Err)
		assert.Equal(t, "0123", string(rec.Body))
		assert.Equal(t, int64(4), rec.Size)
	}
}

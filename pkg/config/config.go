package config

import "time"

// MirrorConfig holds the full configuration for one mirror run.
type MirrorConfig struct {
	RootURL   string `yaml:"root_url"`
	OutputDir string `yaml:"output_dir"`
	StateDir  string `yaml:"state_dir,omitempty"` // crawl journal location; defaults under OutputDir

	MaxPages int `yaml:"max_pages"`
	MaxDepth int `yaml:"max_depth"`

	// AllowedOrigins extends the same-origin rule: page links whose origin is
	// listed here are crawled even though they differ from the root's origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	UserAgent     string        `yaml:"user_agent,omitempty"`
	RespectRobots *bool         `yaml:"respect_robots,omitempty"` // nil = true
	DelayPerHost  time.Duration `yaml:"delay_per_host,omitempty"`

	NumWorkers         int           `yaml:"num_workers,omitempty"`          // page workers
	RenderContexts     int           `yaml:"render_contexts,omitempty"`      // browser pool size
	DownloadWorkers    int           `yaml:"download_workers,omitempty"`     // asset fetch concurrency
	MaxRequests        int           `yaml:"max_requests,omitempty"`         // global in-flight HTTP bound
	RenderTimeout      time.Duration `yaml:"render_timeout,omitempty"`
	SettleDelay        time.Duration `yaml:"settle_delay,omitempty"` // quiet window after readyState complete
	FetchTimeout       time.Duration `yaml:"fetch_timeout,omitempty"`
	MaxRetries         int           `yaml:"max_retries,omitempty"`
	InitialRetryDelay  time.Duration `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay,omitempty"`
	GlobalCrawlTimeout time.Duration `yaml:"global_crawl_timeout,omitempty"`

	Headless     *bool `yaml:"headless,omitempty"` // nil = true
	Resume       bool  `yaml:"resume,omitempty"`
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty"`

	EventBuffer int `yaml:"event_buffer,omitempty"` // analyzer hook channel capacity

	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client used by the
// download manager and robots gate.
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// RespectRobotsEnabled resolves the tri-state robots flag (default true).
func (c *MirrorConfig) RespectRobotsEnabled() bool {
	if c.RespectRobots == nil {
		return true
	}
	return *c.RespectRobots
}

// HeadlessEnabled resolves the tri-state headless flag (default true).
func (c *MirrorConfig) HeadlessEnabled() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// Defaults matching the original tool's behavior.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultMaxPages        = 200
	DefaultMaxDepth        = 10
	DefaultNumWorkers      = 4
	DefaultRenderContexts  = 2
	DefaultDownloadWorkers = 10
	DefaultMaxRequests     = 20
	DefaultMaxBodyBytes    = 10 << 20
	DefaultEventBuffer     = 16

	DefaultDelayPerHost      = 500 * time.Millisecond
	DefaultRenderTimeout     = 30 * time.Second
	DefaultSettleDelay       = 1 * time.Second
	DefaultFetchTimeout      = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultInitialRetryDelay = 500 * time.Millisecond
	DefaultMaxRetryDelay     = 10 * time.Second
)

// ApplyDefaults fills zero-valued tunables with their defaults.
func (c *MirrorConfig) ApplyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.RenderContexts <= 0 {
		c.RenderContexts = DefaultRenderContexts
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = DefaultDownloadWorkers
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.DelayPerHost <= 0 {
		c.DelayPerHost = DefaultDelayPerHost
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = DefaultRenderTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

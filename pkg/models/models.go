package models

import (
	"time"

	"site-mirror/pkg/canon"
)

// ResourceClass categorizes a discovered reference. Page links feed the
// frontier; everything else feeds the download manager and determines the
// assets/<class> output subtree.
type ResourceClass string

const (
	ClassPage  ResourceClass = "page"
	ClassCSS   ResourceClass = "css"
	ClassJS    ResourceClass = "js"
	ClassImage ResourceClass = "images"
	ClassFont  ResourceClass = "fonts"
	ClassMedia ResourceClass = "media"
	ClassOther ResourceClass = "other"
)

// Reference is a single resource reference discovered in a document,
// resolved to its canonical identity but retaining the raw string as it
// appeared so the rewriter can locate it.
type Reference struct {
	Raw   string
	URL   canon.CanonicalURL
	Class ResourceClass
}

// FrontierEntry is one unit of pending crawl work.
type FrontierEntry struct {
	URL            canon.CanonicalURL
	Depth          int
	DiscoveredFrom string // canonical URL of the referring page, empty for the seed
}

// PageRecord is the result of rendering one page: the realized DOM after
// JavaScript execution plus the final (post-redirect) identity.
type PageRecord struct {
	URL      canon.CanonicalURL // URL as requested
	FinalURL canon.CanonicalURL // URL after redirects
	Status   int                // final HTTP status
	HTML     string             // serialized DOM
	Depth    int
}

// AssetRecord is the outcome of fetching one asset body. Exactly one record
// exists per canonical asset URL regardless of how many pages reference it.
type AssetRecord struct {
	URL         canon.CanonicalURL
	Class       ResourceClass
	Body        []byte
	ContentType string
	Size        int64
	Err         error // nil on success
}

// SitemapEntry records one successfully rendered page in the sitemap artifact.
type SitemapEntry struct {
	URL        string `json:"url"`
	OutputPath string `json:"outputPath"`
	Depth      int    `json:"depth"`
}

// ErrorRecord records one permanently failed URL in the error manifest.
type ErrorRecord struct {
	URL       string `json:"url"`
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

// PageStatus is the journal state of a page URL.
type PageStatus string

const (
	PageStatusUnset    PageStatus = ""          // Zero value = unset/unknown
	PageStatusPending  PageStatus = "pending"   // Accepted by the frontier, not yet written
	PageStatusSuccess  PageStatus = "success"   // Rendered and written
	PageStatusFailure  PageStatus = "failure"   // Permanently failed
	PageStatusNotFound PageStatus = "not_found" // Not in the journal
)

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// PageJournalEntry is the persisted outcome of one page URL. RawHTML holds
// the pre-rewrite DOM of successful pages so a resumed run can re-extract
// links and re-write output without rendering again.
type PageJournalEntry struct {
	Status      PageStatus `json:"status"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	Depth       int        `json:"depth"`
	FinalURL    string     `json:"final_url,omitempty"`
	RawHTML     string     `json:"raw_html,omitempty"`
	LastAttempt time.Time  `json:"last_attempt"`
}

// AssetJournalEntry is the persisted outcome of one asset URL.
type AssetJournalEntry struct {
	Status      PageStatus `json:"status"`
	Class       string     `json:"class,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	LastAttempt time.Time  `json:"last_attempt"`
}

// RunMetadata holds summary metadata written as metadata.yaml at the end of
// a mirror run.
type RunMetadata struct {
	RunID         string        `yaml:"run_id"`
	RootURL       string        `yaml:"root_url"`
	OutputDir     string        `yaml:"output_dir"`
	StartTime     time.Time     `yaml:"start_time"`
	EndTime       time.Time     `yaml:"end_time"`
	Duration      time.Duration `yaml:"duration"`
	PagesRendered int           `yaml:"pages_rendered"`
	PagesFailed   int           `yaml:"pages_failed"`
	AssetsFetched int           `yaml:"assets_fetched"`
	AssetsFailed  int           `yaml:"assets_failed"`
	RobotsSkipped int           `yaml:"robots_skipped"`
}

package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/models"
)

var (
	// Matches url(...) tokens in CSS, with optional single/double quotes
	cssURLRe = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)
	// Matches @import "..." / @import '...' (the url(...) form is caught by cssURLRe)
	cssImportRe = regexp.MustCompile(`@import\s+['"]([^'"]+)['"]`)
)

// PageRefs is everything extracted from one rendered page: same-document
// navigation links and the asset references the mirror must download.
type PageRefs struct {
	Links     []models.Reference // candidate page URLs (anchors)
	Assets    []models.Reference // stylesheets, scripts, images, media, fonts
	Malformed int                // references that failed to parse against the base
}

// Extractor pulls links and asset references out of rendered HTML and
// fetched CSS. It never filters by scope; admission decisions belong to
// the frontier.
type Extractor struct {
	log *logrus.Entry
}

// NewExtractor creates an Extractor
func NewExtractor(log *logrus.Entry) *Extractor {
	return &Extractor{log: log}
}

// FromDocument walks a parsed page and collects every reference the mirror
// cares about. base is the page's final URL; relative references resolve
// against it (a <base> tag, if present, has already influenced rendering
// and is intentionally ignored here).
func (e *Extractor) FromDocument(doc *goquery.Document, base canon.CanonicalURL) *PageRefs {
	refs := &PageRefs{}
	baseURL := base.URL()

	add := func(raw string, class models.ResourceClass) {
		raw = strings.TrimSpace(raw)
		if raw == "" || canon.Skippable(raw) {
			return
		}
		u, err := canon.Canonicalize(raw, baseURL)
		if err != nil {
			refs.Malformed++
			e.log.WithField("ref", raw).Debugf("Skipping malformed reference: %v", err)
			return
		}
		ref := models.Reference{Raw: raw, URL: u, Class: class}
		if class == models.ClassPage {
			refs.Links = append(refs.Links, ref)
		} else {
			refs.Assets = append(refs.Assets, ref)
		}
	}

	// Navigation links
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			add(href, models.ClassPage)
		}
	})

	// Stylesheets and icons
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		rel, _ := s.Attr("rel")
		if as, _ := s.Attr("as"); strings.Contains(strings.ToLower(rel), "preload") && strings.EqualFold(as, "style") {
			add(href, models.ClassCSS)
			return
		}
		switch classifyLinkRel(rel) {
		case models.ClassCSS:
			add(href, models.ClassCSS)
		case models.ClassImage:
			add(href, models.ClassImage)
		case models.ClassOther:
			add(href, models.ClassOther)
		}
	})

	// Scripts
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.ClassJS)
	})

	// Images
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			add(src, models.ClassImage)
		}
		if src, ok := s.Attr("data-src"); ok { // lazy-load convention
			add(src, models.ClassImage)
		}
		if srcset, ok := s.Attr("srcset"); ok {
			for _, entry := range ParseSrcset(srcset) {
				add(entry.URL, models.ClassImage)
			}
		}
	})
	doc.Find("input[type='image'][src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.ClassImage)
	})

	// Audio, video, and their children
	doc.Find("video, audio").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			add(src, models.ClassMedia)
		}
		if poster, ok := s.Attr("poster"); ok {
			add(poster, models.ClassImage)
		}
	})
	doc.Find("source").Each(func(_ int, s *goquery.Selection) {
		insideMedia := s.ParentsFiltered("video, audio").Length() > 0
		class := models.ClassImage // <picture><source> entries are images
		if insideMedia {
			class = models.ClassMedia
		}
		if src, ok := s.Attr("src"); ok {
			add(src, class)
		}
		if srcset, ok := s.Attr("srcset"); ok {
			for _, entry := range ParseSrcset(srcset) {
				add(entry.URL, class)
			}
		}
	})
	doc.Find("track[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.ClassMedia)
	})
	doc.Find("embed[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.ClassOther)
	})
	doc.Find("object[data]").Each(func(_ int, s *goquery.Selection) {
		data, _ := s.Attr("data")
		add(data, models.ClassOther)
	})

	// Inline <style> blocks and style="" attributes
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, raw := range CSSReferences(s.Text()) {
			add(raw, ClassifyByExtension(raw))
		}
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, raw := range CSSReferences(style) {
			add(raw, ClassifyByExtension(raw))
		}
	})

	return refs
}

// FromCSS collects the references inside a fetched stylesheet: url(...)
// tokens and @import targets. base is the stylesheet's own URL. Imported
// stylesheets come back classified as CSS so the caller can recurse.
func (e *Extractor) FromCSS(css string, base canon.CanonicalURL) ([]models.Reference, int) {
	var refs []models.Reference
	malformed := 0
	baseURL := base.URL()
	seen := make(map[string]struct{})

	for _, raw := range CSSReferences(css) {
		if canon.Skippable(raw) {
			continue
		}
		u, err := canon.Canonicalize(raw, baseURL)
		if err != nil {
			malformed++
			continue
		}
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		refs = append(refs, models.Reference{Raw: raw, URL: u, Class: ClassifyByExtension(raw)})
	}
	return refs, malformed
}

// CSSReferences returns the raw reference strings inside a CSS fragment
func CSSReferences(css string) []string {
	var out []string
	for _, m := range cssURLRe.FindAllStringSubmatch(css, -1) {
		out = append(out, m[1])
	}
	for _, m := range cssImportRe.FindAllStringSubmatch(css, -1) {
		out = append(out, m[1])
	}
	return out
}

// SrcsetEntry is one candidate in a srcset attribute.
type SrcsetEntry struct {
	URL        string
	Descriptor string // width/density descriptor, e.g. "2x" or "640w"; may be empty
}

// ParseSrcset splits a srcset attribute into its candidates.
func ParseSrcset(srcset string) []SrcsetEntry {
	var entries []SrcsetEntry
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		entry := SrcsetEntry{URL: fields[0]}
		if len(fields) > 1 {
			entry.Descriptor = strings.Join(fields[1:], " ")
		}
		entries = append(entries, entry)
	}
	return entries
}

// classifyLinkRel maps a <link rel> value to the asset class it references.
// Returns ClassPage for rel values the mirror does not download (preconnect,
// canonical, alternate and the like).
func classifyLinkRel(rel string) models.ResourceClass {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		switch token {
		case "stylesheet":
			return models.ClassCSS
		case "icon", "apple-touch-icon", "mask-icon", "shortcut":
			return models.ClassImage
		case "manifest":
			return models.ClassOther
		}
	}
	return models.ClassPage
}

// ClassifyByExtension guesses a resource class from the URL's file extension.
// Used for references found in CSS, where element context is unavailable.
func ClassifyByExtension(ref string) models.ResourceClass {
	path := ref
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	dot := strings.LastIndex(path, ".")
	if dot < 0 || dot == len(path)-1 {
		return models.ClassOther
	}
	switch strings.ToLower(path[dot+1:]) {
	case "css":
		return models.ClassCSS
	case "js", "mjs":
		return models.ClassJS
	case "png", "jpg", "jpeg", "gif", "webp", "svg", "ico", "bmp", "avif":
		return models.ClassImage
	case "woff", "woff2", "ttf", "otf", "eot":
		return models.ClassFont
	case "mp4", "webm", "ogg", "ogv", "mp3", "wav", "m4a", "flac", "vtt":
		return models.ClassMedia
	default:
		return models.ClassOther
	}
}

package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/extract"
	"site-mirror/pkg/pathmap"
)

var (
	cssURLRe    = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)
	cssImportRe = regexp.MustCompile(`@import\s+['"]([^'"]+)['"]`)
)

// Resolver reports the mapped output path for a canonical URL, if the
// mirror holds a local copy.
type Resolver func(u canon.CanonicalURL) (string, bool)

// Rewriter patches references in captured HTML and CSS so they point at
// mapped local paths. References without a local copy are rewritten to
// their absolute canonical URL, keeping the document valid rather than
// leaving a relative link that now points nowhere.
type Rewriter struct {
	resolve Resolver
	log     *logrus.Entry
}

// NewRewriter creates a Rewriter
func NewRewriter(resolve Resolver, log *logrus.Entry) *Rewriter {
	return &Rewriter{resolve: resolve, log: log}
}

// ref rewrites one raw reference found in a document at docPath whose
// base URL is base. Unparseable and skippable references pass through.
func (rw *Rewriter) ref(raw string, base canon.CanonicalURL, docPath string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || canon.Skippable(trimmed) {
		return raw
	}
	u, err := canon.Canonicalize(trimmed, base.URL())
	if err != nil {
		return raw
	}
	if local, ok := rw.resolve(u); ok {
		return pathmap.Relative(docPath, local)
	}
	return u.String()
}

// HTML rewrites a rendered page. pageURL is the page's final URL (the
// base for relative references) and pagePath its mapped output path.
// Any <base> tag is removed so the rewritten relative references resolve
// against the document's own location.
func (rw *Rewriter) HTML(html string, pageURL canon.CanonicalURL, pagePath string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing page for rewrite: %w", err)
	}

	doc.Find("base").Remove()

	rewriteAttr := func(sel, attr string) {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if val, ok := s.Attr(attr); ok {
				s.SetAttr(attr, rw.ref(val, pageURL, pagePath))
			}
		})
	}

	rewriteAttr("a[href]", "href")
	rewriteAttr("area[href]", "href")
	rewriteAttr("link[href]", "href")
	rewriteAttr("script[src]", "src")
	rewriteAttr("img[src]", "src")
	rewriteAttr("img[data-src]", "data-src")
	rewriteAttr("source[src]", "src")
	rewriteAttr("video[src]", "src")
	rewriteAttr("video[poster]", "poster")
	rewriteAttr("audio[src]", "src")
	rewriteAttr("track[src]", "src")
	rewriteAttr("embed[src]", "src")
	rewriteAttr("object[data]", "data")
	rewriteAttr("input[type='image'][src]", "src")

	doc.Find("img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		if srcset, ok := s.Attr("srcset"); ok {
			s.SetAttr("srcset", rw.srcset(srcset, pageURL, pagePath))
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		setStyleText(s, rw.css(s.Text(), pageURL, pagePath))
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		if style, ok := s.Attr("style"); ok {
			s.SetAttr("style", rw.css(style, pageURL, pagePath))
		}
	})

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serializing rewritten page: %w", err)
	}
	return out, nil
}

// CSS rewrites a downloaded stylesheet body. cssURL is the stylesheet's
// own URL and cssPath its mapped output path.
func (rw *Rewriter) CSS(body string, cssURL canon.CanonicalURL, cssPath string) string {
	return rw.css(body, cssURL, cssPath)
}

func (rw *Rewriter) css(body string, base canon.CanonicalURL, docPath string) string {
	out := cssURLRe.ReplaceAllStringFunc(body, func(match string) string {
		sub := cssURLRe.FindStringSubmatch(match)
		return `url("` + rw.ref(sub[1], base, docPath) + `")`
	})
	out = cssImportRe.ReplaceAllStringFunc(out, func(match string) string {
		sub := cssImportRe.FindStringSubmatch(match)
		return `@import "` + rw.ref(sub[1], base, docPath) + `"`
	})
	return out
}

// setStyleText replaces a style element's content with a raw text node.
// Selection.SetText entity-escapes its input, and entities are never
// decoded inside <style>, so an escaped url(...) reference would be
// garbage in the written page.
func setStyleText(s *goquery.Selection, css string) {
	for _, node := range s.Nodes {
		for node.FirstChild != nil {
			node.RemoveChild(node.FirstChild)
		}
		node.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	}
}

// srcset rewrites each candidate URL while preserving its descriptor
func (rw *Rewriter) srcset(value string, base canon.CanonicalURL, docPath string) string {
	entries := extract.ParseSrcset(value)
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		rewritten := rw.ref(e.URL, base, docPath)
		if e.Descriptor != "" {
			rewritten += " " + e.Descriptor
		}
		parts = append(parts, rewritten)
	}
	return strings.Join(parts, ", ")
}

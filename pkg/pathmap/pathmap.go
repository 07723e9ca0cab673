package pathmap

import (
	gopath "path"
	"strings"
	"sync"

	"site-mirror/pkg/canon"
	"site-mirror/pkg/models"
	"site-mirror/pkg/utils"
)

// Mapper assigns every canonical URL a relative output path. The mapping
// is injective and monotonic: no two URLs share a path, and once assigned
// a path never changes within a run.
//
// Pages mirror their URL path with ".html" appended to non-HTML segments;
// a URL with a query string always carries an 8-hex hash of the full
// canonical URL, since the query is what distinguishes it. Assets always
// carry the hash (assets/<class>/<name>_<hash8><ext>), so their names do
// not depend on discovery order.
type Mapper struct {
	mu     sync.Mutex
	byURL  map[string]string // canonical URL -> assigned path
	byPath map[string]string // assigned path -> canonical URL
}

// NewMapper creates a Mapper
func NewMapper() *Mapper {
	return &Mapper{
		byURL:  make(map[string]string),
		byPath: make(map[string]string),
	}
}

// Assign returns the output path for the URL, computing and caching it on
// first call. class selects the page layout or the asset subtree.
func (m *Mapper) Assign(u canon.CanonicalURL, class models.ResourceClass) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := u.String()
	if p, ok := m.byURL[key]; ok {
		return p
	}

	var natural, hashed string
	if class == models.ClassPage {
		natural, hashed = pagePaths(u)
	} else {
		// Assets use only the hashed form; natural form never exists.
		natural = assetPath(u, class)
		hashed = natural
	}

	chosen := natural
	if owner, taken := m.byPath[chosen]; taken && owner != key {
		chosen = hashed
	}

	m.byURL[key] = chosen
	m.byPath[chosen] = key
	return chosen
}

// Restore registers an assignment recovered from a previous run, keeping
// it stable across resumes. No-op if the URL already has a path.
func (m *Mapper) Restore(u canon.CanonicalURL, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := u.String()
	if _, ok := m.byURL[key]; ok {
		return
	}
	m.byURL[key] = path
	m.byPath[path] = key
}

// Lookup returns the assigned path for a URL, if one exists.
func (m *Mapper) Lookup(u canon.CanonicalURL) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byURL[u.String()]
	return p, ok
}

// Relative converts a mapped path into a reference usable from inside the
// document written at fromPath. Both arguments are slash-separated paths
// relative to the output root.
func Relative(fromPath, toPath string) string {
	fromDir := gopath.Dir(fromPath)
	if fromDir == "." {
		return toPath
	}

	fromParts := strings.Split(fromDir, "/")
	toParts := strings.Split(toPath, "/")

	common := 0
	for common < len(fromParts) && common < len(toParts)-1 && fromParts[common] == toParts[common] {
		common++
	}

	var b strings.Builder
	for i := common; i < len(fromParts); i++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(toParts[common:], "/"))
	return b.String()
}

// pagePaths returns the natural and hash-disambiguated output paths for a
// page URL. URLs with a query string skip straight to the hashed form.
func pagePaths(u canon.CanonicalURL) (natural, hashed string) {
	segments := cleanSegments(u.Path())

	var dir, file string
	if len(segments) == 0 {
		file = "index.html"
	} else {
		dir = strings.Join(segments[:len(segments)-1], "/")
		last := segments[len(segments)-1]
		ext := strings.ToLower(gopath.Ext(last))
		if ext != ".html" && ext != ".htm" {
			last += ".html"
		}
		file = last
	}

	hash := utils.ShortHash(u.String())
	hashedFile := insertSuffix(file, "_"+hash)

	natural = gopath.Join(dir, file)
	hashed = gopath.Join(dir, hashedFile)
	if u.Query() != "" {
		return hashed, hashed
	}
	return natural, hashed
}

// assetPath builds assets/<class>/<name>_<hash8><ext> for an asset URL
func assetPath(u canon.CanonicalURL, class models.ResourceClass) string {
	segments := cleanSegments(u.Path())

	name := "asset"
	if len(segments) > 0 {
		name = segments[len(segments)-1]
	}

	ext := gopath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem = "asset"
	}

	return gopath.Join("assets", string(class), stem+"_"+utils.ShortHash(u.String())+ext)
}

// cleanSegments splits a URL path into sanitized segments, dropping empty,
// ".", and ".." entries so a hostile path cannot escape the output root.
// The drop check runs before sanitization: SanitizeFilename maps an empty
// segment to "untitled", which would inject a spurious directory level.
func cleanSegments(urlPath string) []string {
	var out []string
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		out = append(out, utils.SanitizeFilename(seg))
	}
	return out
}

// insertSuffix places suffix before the filename's extension
func insertSuffix(file, suffix string) string {
	ext := gopath.Ext(file)
	return strings.TrimSuffix(file, ext) + suffix + ext
}

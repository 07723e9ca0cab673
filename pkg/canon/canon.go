package canon

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"site-mirror/pkg/utils"
)

// CanonicalURL is the normalized, deduplication-safe identity of a URL:
// lowercase scheme/host, default port stripped, fragment removed, dot
// segments collapsed, trailing slash dropped (except root), query kept
// verbatim. Two raw URLs that differ only in those respects compare equal.
type CanonicalURL struct {
	raw    string // normalized absolute URL string
	origin string // scheme://host[:port]
	parsed *url.URL
}

// String returns the normalized absolute URL.
func (c CanonicalURL) String() string { return c.raw }

// Origin returns the scheme://host[:port] tuple defining the same-site boundary.
func (c CanonicalURL) Origin() string { return c.origin }

// URL returns a copy of the parsed normalized URL.
func (c CanonicalURL) URL() *url.URL {
	u := *c.parsed
	return &u
}

// Host returns the lowercase hostname without port.
func (c CanonicalURL) Host() string { return c.parsed.Hostname() }

// Path returns the URL path ("/" for the root).
func (c CanonicalURL) Path() string { return c.parsed.Path }

// Query returns the raw query string (may be empty).
func (c CanonicalURL) Query() string { return c.parsed.RawQuery }

// IsZero reports whether c is the zero value.
func (c CanonicalURL) IsZero() bool { return c.parsed == nil }

// skippedSchemes are reference schemes that never name a fetchable resource.
var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "about:"}

// Skippable reports whether a raw reference string should be ignored
// entirely (pseudo-scheme links and bare fragments).
func Skippable(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, s := range skippedSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// Canonicalize resolves raw against base (base may be nil for absolute URLs)
// and normalizes the result. It is a pure function: the same inputs always
// produce the same CanonicalURL, and normalization is idempotent.
func Canonicalize(raw string, base *url.URL) (CanonicalURL, error) {
	trimmed := strings.TrimSpace(raw)
	if Skippable(trimmed) {
		return CanonicalURL{}, fmt.Errorf("%w: unresolvable reference %q", utils.ErrParsing, raw)
	}

	ref, err := url.Parse(trimmed)
	if err != nil {
		return CanonicalURL{}, fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, raw, err)
	}

	var resolved *url.URL
	if base != nil {
		resolved = base.ResolveReference(ref) // collapses ./ and ../ segments
	} else {
		// An absolute URL parsed on its own keeps dot segments; resolving it
		// against an empty reference runs the same path cleanup, so the URL
		// maps to one CanonicalURL however it was reached.
		resolved = ref.ResolveReference(&url.URL{})
	}

	if !resolved.IsAbs() {
		return CanonicalURL{}, fmt.Errorf("%w: URL %q is not absolute and no base given", utils.ErrParsing, raw)
	}
	scheme := strings.ToLower(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return CanonicalURL{}, fmt.Errorf("%w: scheme %q", utils.ErrUnsupportedScheme, resolved.Scheme)
	}
	if resolved.Hostname() == "" {
		return CanonicalURL{}, fmt.Errorf("%w: URL %q has no host", utils.ErrParsing, raw)
	}

	normalized := *resolved
	normalized.Scheme = scheme
	normalized.Host = strings.ToLower(normalized.Host)
	normalized.Fragment = ""
	normalized.User = nil

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	// Trailing-slash policy: drop trailing slash except for the root path
	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = strings.TrimRight(normalized.Path, "/")
		if normalized.Path == "" {
			normalized.Path = "/"
		}
	}

	return CanonicalURL{
		raw:    normalized.String(),
		origin: normalized.Scheme + "://" + normalized.Host,
		parsed: &normalized,
	}, nil
}

// MustCanonicalize is a test/seed helper that panics on invalid input.
func MustCanonicalize(raw string) CanonicalURL {
	c, err := Canonicalize(raw, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// SameOrigin reports whether two canonical URLs share scheme, host and port.
func SameOrigin(a, b CanonicalURL) bool {
	return a.origin == b.origin
}

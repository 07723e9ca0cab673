package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"site-mirror/pkg/utils"
)

// Validate checks MirrorConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *MirrorConfig) Validate() (warnings []string, err error) {
	// RootURL is the one fatal requirement: an invalid root aborts the run.
	if strings.TrimSpace(c.RootURL) == "" {
		return warnings, fmt.Errorf("%w: root_url is required", utils.ErrConfigValidation)
	}
	parsed, parseErr := url.ParseRequestURI(c.RootURL)
	if parseErr != nil {
		return warnings, fmt.Errorf("%w: root_url %q: %v", utils.ErrConfigValidation, c.RootURL, parseErr)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return warnings, fmt.Errorf("%w: root_url scheme must be http or https, got %q",
			utils.ErrConfigValidation, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return warnings, fmt.Errorf("%w: root_url %q has no host", utils.ErrConfigValidation, c.RootURL)
	}

	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './mirror'")
		c.OutputDir = "./mirror"
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.OutputDir, ".state")
	}

	for _, origin := range c.AllowedOrigins {
		o, oErr := url.Parse(origin)
		if oErr != nil || o.Scheme == "" || o.Host == "" || o.Path != "" {
			warnings = append(warnings, fmt.Sprintf(
				"allowed_origins entry %q is not a bare scheme://host origin, it will be ignored", origin))
		}
	}

	if c.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, using default")
		c.MaxPages = 0
	}
	if c.MaxDepth < 0 {
		warnings = append(warnings, "max_depth cannot be negative, using default")
		c.MaxDepth = 0
	}
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}

	c.ApplyDefaults()

	// InitialRetryDelay > MaxRetryDelay check
	if c.InitialRetryDelay > c.MaxRetryDelay {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SettleDelay >= c.RenderTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"settle_delay (%v) >= render_timeout (%v), pages will always hit the render timeout",
			c.SettleDelay, c.RenderTimeout))
	}

	return warnings, nil
}

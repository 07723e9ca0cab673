package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed     = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError = errors.New("client HTTP error (4xx)")          // Wraps original error/status
	ErrServerHTTPError = errors.New("server HTTP error (5xx)")          // Wraps original error/status
	ErrOtherHTTPError  = errors.New("other HTTP error (non-2xx)")       // Wraps original error/status

	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrScopeViolation   = errors.New("URL out of scope (cross-origin)")
	ErrQuotaExceeded    = errors.New("crawl quota reached (max pages/depth)")

	ErrRenderTimeout   = errors.New("render navigation timeout")
	ErrRenderCrash     = errors.New("browser context crashed")
	ErrRenderBadStatus = errors.New("render returned error status with no usable body")

	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrParsing           = errors.New("parsing error")    // Wraps specific parsing error (URL, HTML, CSS)
	ErrFilesystem        = errors.New("filesystem error") // Wraps os errors
	ErrDatabase          = errors.New("database error")   // Wraps badger errors
	ErrRequestCreation   = errors.New("failed to create HTTP request")
	ErrResponseBodyRead  = errors.New("failed to read response body")
	ErrConfigValidation  = errors.New("configuration validation error")
)

// CategorizeError maps an error to the error-kind string used in the error
// manifest and in logs.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRenderTimeout):
		return "Render_Timeout"
	case errors.Is(err, ErrRenderCrash):
		return "Render_Crash"
	case errors.Is(err, ErrRenderBadStatus):
		return "Render_BadStatus"
	case errors.Is(err, ErrRetryFailed):
		// The fetcher wraps the last failure with a second %w, so inspect
		// the whole chain rather than a single Unwrap.
		if errors.Is(err, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "RetryFailed_HTTPClient"
		}
		if err.Error() == ErrRetryFailed.Error() {
			return "RetryFailed_Unknown"
		}
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "RetryFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404 ") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403 ") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 429 ") {
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrScopeViolation):
		return "Policy_Scope"
	case errors.Is(err, ErrQuotaExceeded):
		return "Policy_Quota"
	case errors.Is(err, ErrUnsupportedScheme):
		return "Policy_Scheme"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "CSS") {
			return "Content_ParsingCSS"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// Context errors
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	// Network errors not wrapped by custom sentinels
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

// IsTransientDownload reports whether a download failure is worth retrying:
// network timeouts, connection resets, and 5xx/429 responses. Other 4xx
// responses and unsupported schemes are permanent.
func IsTransientDownload(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServerHTTPError) {
		return true
	}
	if errors.Is(err, ErrClientHTTPError) {
		// 429 is the one retryable client status
		return strings.Contains(err.Error(), " 429 ")
	}
	if errors.Is(err, ErrUnsupportedScheme) || errors.Is(err, ErrOtherHTTPError) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "reset by peer") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "broken pipe")
}

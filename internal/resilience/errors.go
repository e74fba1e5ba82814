package resilience

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// Error classes recorded on dead-lettered sync units. A transient failure
// is expected to clear on a later pass; a permanent one needs a human.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// TransientError marks an error as safe to retry, optionally carrying the
// HTTP status that produced it.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient. statusCode may be 0 when the
// failure was not an HTTP response.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// statusSuffix picks the status code out of wrapped client errors shaped
// like "zoko: status 503: ..." after the original response is long gone.
var statusSuffix = regexp.MustCompile(`status (\d{3})`)

// IsTransient reports whether err looks safe to retry: an explicit
// TransientError anywhere in the chain, a network timeout, a dropped
// connection, or a retryable HTTP status embedded in a wrapped client
// error message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if m := statusSuffix.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && IsTransientHTTPStatus(code) {
			return true
		}
	}

	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"no such host",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
// 529 is the vision provider's overloaded signal.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// ClassifyError buckets an error for a dead-letter record.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}

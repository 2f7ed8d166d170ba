package transport

import (
	"net/http"
	"strconv"

	"github.com/rakunlabs/connectgate/internal/errtax"
)

// classifyStatus maps an HTTP response's status code to the closed error
// taxonomy, per spec §7's status-code table.
func classifyStatus(status int, headers http.Header, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &errtax.RateLimitError{Op: "transport.Do", RetryAfter: parseRetryAfter(headers)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &errtax.AuthError{Op: "transport.Do", Message: http.StatusText(status)}
	case status >= 400 && status < 500:
		return &errtax.ValidationError{Op: "transport.Do", Message: http.StatusText(status)}
	case status >= 500:
		return &errtax.ServerError{Op: "transport.Do", StatusCode: status, Body: string(body)}
	default:
		return nil
	}
}

// parseRetryAfter reads the Retry-After header, which per RFC 9110 may be
// either a number of seconds or an HTTP-date; only the seconds form is
// honored here since identity providers and REST APIs in practice send it.
func parseRetryAfter(headers http.Header) int {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

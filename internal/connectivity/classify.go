package connectivity

import "net/http"

// IsFailureStatus reports whether an HTTP status means the backend could
// not serve the request right now, as opposed to rejecting it.
func IsFailureStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

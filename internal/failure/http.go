package failure

import (
	"net/http"
	"strconv"
	"time"
)

// FromResponse classifies an HTTP response. It returns nil for 2xx.
func FromResponse(resp *http.Response, op string) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return Limited(op, time.Duration(secs)*time.Second)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Newf(Auth, op, "server answered %s", resp.Status)
	case code == http.StatusNotFound:
		return Newf(NotFound, op, "server answered %s", resp.Status)
	case code == http.StatusRequestTimeout || code >= 500:
		return Newf(Transient, op, "server answered %s", resp.Status)
	default:
		return Newf(Protocol, op, "server answered %s", resp.Status)
	}
}

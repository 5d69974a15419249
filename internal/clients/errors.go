// internal/clients/errors.go
package clients

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRateLimited = errors.New("client rate limit exceeded")
	ErrCircuitOpen = errors.New("source circuit open")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// IsClientError reports whether err is a 4xx rejection from the server.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

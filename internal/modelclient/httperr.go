package modelclient

import "fmt"

// providerHTTPError wraps a non-2xx provider response with its status code
// so Classify (via httpx.HTTPStatusCoder) can route it.
type providerHTTPError struct {
	status int
	body   string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("modelclient: provider returned status %d: %s", e.status, e.body)
}

func (e *providerHTTPError) HTTPStatusCode() int { return e.status }

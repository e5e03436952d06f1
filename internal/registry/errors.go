package registry

import "fmt"

// APIError is any non-2xx registry response that is not a validation or
// rate-limit outcome. Callers classify by status code.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry returned %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// ValidationError carries the registry's per-item rejection payload from an
// HTTP 422 response. Indexes are 0-based against submission order.
type ValidationError struct {
	Items []ItemError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry rejected %d item(s)", len(e.Items))
}

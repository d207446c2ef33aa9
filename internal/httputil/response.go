// Package httputil provides shared HTTP response helpers.
package httputil

import "github.com/gin-gonic/gin"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError writes a standardized JSON error response and aborts the request.
func RespondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: c.GetString("request_id"),
	})
}

// Page wraps a list response with its continuation flag.
type Page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// NewPage returns a Page, substituting an empty slice for nil so clients
// always see a JSON array.
func NewPage[T any](items []T, hasMore bool) Page[T] {
	if items == nil {
		items = []T{}
	}

	return Page[T]{Items: items, HasMore: hasMore}
}

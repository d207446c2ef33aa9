package httputil

import (
	"context"

	"github.com/sirupsen/logrus"
)

type requestIDKey struct{}

// WithRequestID returns ctx carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LogFields adds the request ID from ctx, when present, to fields.
func LogFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}

	return fields
}

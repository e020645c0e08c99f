package requestid

import (
	"context"

	"github.com/gofrs/uuid"
)

// Header carries the request id between services.
const Header = "X-Request-Id"

type ctxKeyRequestID struct{}

var requestIDKey = ctxKeyRequestID{}

func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// From extracts the request ID from the context.
// It returns the request ID as a string if present, otherwise returns an empty string.
func From(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// New returns a fresh random request id.
func New() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Shorten truncates a string to 6 characters if it is longer than 6, appends '...' at the end,
// otherwise it returns the string unchanged.
func Shorten(s string) string {
	if len(s) > 6 {
		return s[:6] + "..."
	}
	return s
}

package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithServiceID adds a consumer service account ID to the context.
func WithServiceID(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, ContextKeyServiceID, serviceID)
}

// WithBotID adds a bot account ID to the context.
func WithBotID(ctx context.Context, botID string) context.Context {
	return context.WithValue(ctx, ContextKeyBotID, botID)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	requestID := uuid.New()
	return requestID.String()
}

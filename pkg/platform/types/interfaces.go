package types

import (
	"context"

	"postrelay/internal/models"
)

// Client publishes on behalf of one account. Publish performs exactly one
// call and never retries.
type Client interface {
	AccountID() int
	Publish(ctx context.Context, text, replyToID string) models.PublishResult
	VerifyCredentials(ctx context.Context) error
}

package service

import (
	"context"

	"postrelay/internal/models"
	"postrelay/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}

// itemFields describes a queue item for logging. Post text only appears as a
// short preview, and only in verbose mode.
func itemFields(ctx context.Context, item *models.QueueItem) logrus.Fields {
	fields := logrus.Fields{
		LogFieldItemID:   item.ID,
		LogFieldItemKind: string(item.Kind),
		LogFieldPriority: item.Priority,
	}
	if item.ChainID != "" {
		fields[LogFieldChainID] = item.ChainID
		fields[LogFieldChainSeq] = item.ChainSeq
	}
	if item.Kind == models.ItemKindThread {
		fields[LogFieldCount] = len(item.Replies) + 1
	}
	if IsVerboseLogging(ctx) {
		text := item.Text
		if item.Kind == models.ItemKindThread {
			text = item.Lead
		}
		fields[LogFieldTextPreview] = privacy.PreviewText(text)
	}
	return fields
}

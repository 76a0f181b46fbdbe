package service

import (
	"context"
	"testing"
	"time"

	"postrelay/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestIsVerboseLogging(t *testing.T) {
	tests := []struct {
		name     string
		verbose  bool
		expected bool
	}{
		{
			name:     "verbose enabled",
			verbose:  true,
			expected: true,
		},
		{
			name:     "verbose disabled",
			verbose:  false,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.WithValue(context.Background(), VerboseContextKey, tt.verbose)
			result := IsVerboseLogging(ctx)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("no verbose in context", func(t *testing.T) {
		assert.False(t, IsVerboseLogging(context.Background()))
	})

	t.Run("untyped key is ignored", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), "verbose", true) //nolint:staticcheck
		assert.False(t, IsVerboseLogging(ctx))
	})
}

func TestLogWithContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), VerboseContextKey, true)
	entry := LogWithContext(ctx, quietLogger())
	assert.Equal(t, true, entry.Data["verbose"])
}

func TestItemFields(t *testing.T) {
	post := models.NewPostItem("Quarterly numbers are finally in and they look great", "", 3, time.Now())
	post.ChainID = "chain-1"
	post.ChainSeq = 2
	thread := models.NewThreadItem("Market update", []string{"a", "b"}, 10, time.Now())

	t.Run("quiet mode hides text", func(t *testing.T) {
		fields := itemFields(context.Background(), post)
		assert.Equal(t, post.ID, fields[LogFieldItemID])
		assert.Equal(t, "post", fields[LogFieldItemKind])
		assert.Equal(t, 3, fields[LogFieldPriority])
		assert.Equal(t, "chain-1", fields[LogFieldChainID])
		assert.Equal(t, 2, fields[LogFieldChainSeq])
		assert.NotContains(t, fields, LogFieldTextPreview)
	})

	t.Run("verbose mode shows a preview", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), VerboseContextKey, true)
		fields := itemFields(ctx, post)
		preview, ok := fields[LogFieldTextPreview].(string)
		assert.True(t, ok)
		assert.NotEqual(t, post.Text, preview)
		assert.Contains(t, preview, "Quarterly")
	})

	t.Run("thread counts every post", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), VerboseContextKey, true)
		fields := itemFields(ctx, thread)
		assert.Equal(t, 3, fields[LogFieldCount])
		assert.Equal(t, "Market update", fields[LogFieldTextPreview])
		assert.NotContains(t, fields, LogFieldChainID)
	})
}

package ragerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindAuthentication, false},
		{KindValidation, false},
		{KindQuotaExceeded, false},
		{KindNotFound, false},
		{KindIsolationViolation, false},
		{KindEmbedding, true},
		{KindGeneration, true},
		{KindRetrieval, true},
		{KindIngestion, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retryable())
		})
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := QuotaExceeded("AddDocument", "document_count", errors.New("limit 20"))
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, KindQuotaExceeded, KindOf(wrapped))
	assert.Equal(t, "document_count", DimensionOf(wrapped))
	assert.True(t, Is(wrapped, KindQuotaExceeded))
	assert.False(t, Is(nil, KindQuotaExceeded))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestError_Message(t *testing.T) {
	err := QuotaExceeded("AddDocument", "vector_count", nil)
	assert.Equal(t, "AddDocument: quota_exceeded: quota exceeded (dimension=vector_count)", err.Error())

	cause := errors.New("dial tcp: refused")
	err = Retrieval("Query", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
}

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "chatgpt/t-1/q1.html", "text/html", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://chatgpt/t-1/q1.html", uri)

	payload[0] = 'C'
	stored, ok := store.Get("chatgpt/t-1/q1.html")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))

	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
}

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/ragerr"
)

func TestNewEmbedderRejectsAnthropic(t *testing.T) {
	_, err := NewEmbedder(Config{Provider: "anthropic", APIKey: "k"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support embeddings")
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	_, err := NewEmbedder(Config{Provider: "watson"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model provider")
}

func TestNewChatModelUnknownProvider(t *testing.T) {
	_, err := NewChatModel(Config{Provider: ""}, zap.NewNop())
	require.Error(t, err)
}

func TestProviderTagsCaseInsensitive(t *testing.T) {
	m, err := NewChatModel(Config{Provider: "Mistral", APIKey: "k"}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestClassifyStatus(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		err := classifyStatus("chat", status, "bad request")
		assert.Equal(t, ragerr.KindUpstreamModelInvalid, ragerr.KindOf(err), "status %d", status)
	}
	for _, status := range []int{429, 500, 502, 503} {
		err := classifyStatus("chat", status, "upstream broke")
		assert.Equal(t, ragerr.KindUpstreamModelError, ragerr.KindOf(err), "status %d", status)
	}
}

func TestClassifyErr(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, classifyErr("embed", ctx, nil))

	err := classifyErr("embed", ctx, context.DeadlineExceeded)
	assert.Equal(t, ragerr.KindUpstreamTimeout, ragerr.KindOf(err))

	err = classifyErr("embed", ctx, errors.New("connection refused"))
	assert.Equal(t, ragerr.KindUpstreamModelError, ragerr.KindOf(err))

	// Already-classified errors pass through unchanged.
	invalid := classifyStatus("embed", 401, "bad key")
	assert.Equal(t, invalid, classifyErr("embed", ctx, invalid))

	// Caller cancellation is not re-labelled as an upstream failure.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err = classifyErr("embed", cancelled, context.Canceled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, ragerr.KindUnknown, ragerr.KindOf(err))
}

func TestCheckDimension(t *testing.T) {
	assert.NoError(t, checkDimension("embed", []float32{1, 2, 3}, 3))
	assert.NoError(t, checkDimension("embed", []float32{1}, 0))

	err := checkDimension("embed", []float32{1, 2}, 3)
	require.Error(t, err)
	assert.Equal(t, ragerr.KindUpstreamModelInvalid, ragerr.KindOf(err))
}

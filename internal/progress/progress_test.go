package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "run_42_progress", key(42))
}

func TestEncodeStampsUpdateTime(t *testing.T) {
	p := &domain.Progress{RunID: 7, Generation: 3, Of: 10, Best: 1.5, Mean: 0.75}

	data, err := encode(p)
	require.NoError(t, err)
	assert.False(t, p.UpdatedAt.IsZero())

	decoded, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, p.RunID, decoded.RunID)
	assert.Equal(t, p.Generation, decoded.Generation)
	assert.True(t, p.UpdatedAt.Equal(decoded.UpdatedAt))
}

func TestEncodeKeepsGivenTime(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	p := &domain.Progress{RunID: 1, UpdatedAt: at}

	_, err := encode(p)
	require.NoError(t, err)
	assert.Equal(t, at, p.UpdatedAt)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decode([]byte("not json"))
	assert.Error(t, err)
}

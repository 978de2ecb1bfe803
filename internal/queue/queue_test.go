package queue

import (
	"encoding/json"
	"math"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
)

func TestNewPublishing(t *testing.T) {
	a, err := NewPublishing(domain.JobMessage{RunID: 3, Kind: domain.RunKindRescue})
	require.NoError(t, err)
	b, err := NewPublishing(domain.JobMessage{RunID: 3, Kind: domain.RunKindRescue})
	require.NoError(t, err)

	assert.Equal(t, "application/json", a.ContentType)
	assert.Equal(t, amqp.Persistent, a.DeliveryMode)
	assert.NotEmpty(t, a.MessageId)
	assert.NotEqual(t, a.MessageId, b.MessageId)

	var msg domain.JobMessage
	require.NoError(t, json.Unmarshal(a.Body, &msg))
	assert.Equal(t, int64(3), msg.RunID)
}

func TestNewPublishingRejectsUnencodable(t *testing.T) {
	_, err := NewPublishing(map[string]float64{"best": math.Inf(-1)})
	assert.Error(t, err)
}

package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fileconv/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	exchange string
	key      string
	msgs     []amqp.Publishing
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func TestNotifier_JobCompleted(t *testing.T) {
	ch := &recordingChannel{}
	n := &Notifier{ch: ch, exchange: "conversion.events"}

	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &models.ConversionJob{JobID: "job-9", UserID: "u-1", IsPremium: true}
	result := &models.ConversionResult{
		JobID:       "job-9",
		Status:      models.StatusCompleted,
		ResultURL:   "http://localhost/download?file=f1",
		CompletedAt: completed,
		Payload:     map[string]interface{}{"targetFormat": "pdf"},
	}

	require.NoError(t, n.JobCompleted(context.Background(), job, result))
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "conversion.events", ch.exchange)
	assert.Equal(t, CompletedRoutingKey, ch.key)

	var event completionEvent
	require.NoError(t, json.Unmarshal(ch.msgs[0].Body, &event))
	assert.Equal(t, "u-1", event.UserID)
	assert.True(t, event.IsPremium)
	assert.Equal(t, "pdf", event.Payload["targetFormat"])
	assert.Equal(t, "job-9", ch.msgs[0].MessageId)
}

func TestNotifier_DisabledIsNoop(t *testing.T) {
	n, err := NewNotifier("", "conversion.events")
	require.NoError(t, err)
	defer n.Close()

	err = n.JobCompleted(context.Background(), &models.ConversionJob{}, &models.ConversionResult{JobID: "x"})
	assert.NoError(t, err)
}

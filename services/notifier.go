package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fileconv/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CompletedRoutingKey is the routing key gamification consumers bind to.
const CompletedRoutingKey = "conversion.completed"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Notifier publishes completion events for the points/badges collaborator.
// A Notifier without a channel drops events silently.
type Notifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

func NewNotifier(url, exchange string) (*Notifier, error) {
	if url == "" {
		return &Notifier{exchange: exchange}, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Notifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// JobCompleted publishes the result payload. Channels are not safe for
// concurrent publishing, hence the lock.
func (n *Notifier) JobCompleted(ctx context.Context, job *models.ConversionJob, result *models.ConversionResult) error {
	if n.ch == nil {
		return nil
	}

	body, err := json.Marshal(completionEvent{
		JobID:       result.JobID,
		UserID:      job.UserID,
		IsPremium:   job.IsPremium,
		ResultURL:   result.ResultURL,
		CompletedAt: result.CompletedAt,
		Payload:     result.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch.PublishWithContext(ctx,
		n.exchange,          // exchange
		CompletedRoutingKey, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    result.JobID,
			Timestamp:    result.CompletedAt,
			Body:         body,
		})
}

func (n *Notifier) Close() {
	if n.ch != nil {
		n.ch.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}

type completionEvent struct {
	JobID       string                 `json:"jobId"`
	UserID      string                 `json:"userId"`
	IsPremium   bool                   `json:"isPremium"`
	ResultURL   string                 `json:"resultUrl"`
	CompletedAt time.Time              `json:"completedAt"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

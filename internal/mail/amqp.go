package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const envelopeContentType = "application/json"

// Publisher is the subset of *amqp.Channel used by AMQPMailer.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
}

// Envelope is the JSON body published for each message. A downstream worker delivers it.
type Envelope struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// AMQPMailer publishes envelopes to a queue on the default exchange.
type AMQPMailer struct {
	publisher Publisher
	queue     string
	from      string
	nowFn     func() time.Time
}

// NewAMQPMailer wraps an open publisher.
func NewAMQPMailer(publisher Publisher, queue string, from string) (*AMQPMailer, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher is nil", ErrInvalidMailerConfig)
	}
	if strings.TrimSpace(queue) == "" {
		return nil, fmt.Errorf("%w: queue is required", ErrInvalidMailerConfig)
	}
	return &AMQPMailer{publisher: publisher, queue: queue, from: from, nowFn: time.Now}, nil
}

// DialAMQP connects, declares the durable queue and returns a mailer plus a close function.
func DialAMQP(url string, queue string, from string) (*AMQPMailer, func() error, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		connection.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		connection.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	mailer, err := NewAMQPMailer(channel, queue, from)
	if err != nil {
		channel.Close()
		connection.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		_ = channel.Close()
		return connection.Close()
	}
	return mailer, closeFn, nil
}

// Send publishes one persistent envelope.
func (mailer *AMQPMailer) Send(ctx context.Context, recipient string, subject string, body string) error {
	envelope := Envelope{
		MessageID: uuid.NewString(),
		From:      mailer.from,
		To:        recipient,
		Subject:   subject,
		Body:      body,
		CreatedAt: mailer.nowFn().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	publishing := amqp.Publishing{
		ContentType:  envelopeContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.MessageID,
		Timestamp:    envelope.CreatedAt,
		Body:         payload,
	}
	if err := mailer.publisher.PublishWithContext(ctx, "", mailer.queue, false, false, publishing); err != nil {
		return fmt.Errorf("publish to %s: %w", mailer.queue, err)
	}
	return nil
}

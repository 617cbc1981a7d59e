package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitPublisher publishes events to durable queues on the default exchange.
type RabbitPublisher struct {
	mu       sync.Mutex
	url      string
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool

	queue          string
	queuePrefix    string
	specificEvents map[string]bool
}

// NewRabbitPublisher connects to url. Events listed in specificEvents get
// their own queue; everything else goes to prefix_queue.
func NewRabbitPublisher(url, queue, queuePrefix string, specificEvents []string) (*RabbitPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	if queue == "" {
		queue = "omnidesk_events"
	}
	if queuePrefix == "" {
		queuePrefix = "omnidesk"
	}

	r := &RabbitPublisher{
		url:            url,
		declared:       make(map[string]bool),
		queue:          queue,
		queuePrefix:    queuePrefix,
		specificEvents: make(map[string]bool),
	}
	for _, ev := range specificEvents {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		if !IsValidEventType(ev) {
			log.Warn().Str("eventType", ev).Msg("AMQP_SPECIFIC_EVENTS names an unknown event type")
		}
		r.specificEvents[ev] = true
	}
	if len(r.specificEvents) > 0 {
		log.Info().Interface("specificEvents", r.specificEvents).Msg("Specific RabbitMQ events configured")
	}

	r.mu.Lock()
	err := r.connectLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Info().Str("queue", queue).Str("prefix", queuePrefix).Msg("RabbitMQ connection established")
	return r, nil
}

func (r *RabbitPublisher) Name() string { return "rabbitmq" }

// QueueName returns the queue an event type is routed to.
func (r *RabbitPublisher) QueueName(eventType string) string {
	return queueName(r.queuePrefix, r.queue, r.specificEvents, eventType)
}

func queueName(prefix, queue string, specific map[string]bool, eventType string) string {
	if specific[eventType] {
		return prefix + "_" + strings.ToLower(strings.ReplaceAll(eventType, ".", "_"))
	}
	return prefix + "_" + queue
}

func (r *RabbitPublisher) connectLocked() error {
	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	r.conn, r.channel = conn, ch
	r.declared = make(map[string]bool)
	return nil
}

// Publish sends ev as JSON, reconnecting once if the channel was closed.
func (r *RabbitPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event for RabbitMQ: %w", err)
	}
	queue := r.QueueName(ev.Type)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel == nil || r.channel.IsClosed() {
		log.Warn().Msg("RabbitMQ channel closed, reconnecting")
		if r.conn != nil {
			r.conn.Close()
		}
		if err := r.connectLocked(); err != nil {
			return err
		}
	}

	if !r.declared[queue] {
		_, err = r.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return err
		}
		r.declared[queue] = true
	}

	err = r.channel.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ev.ID,
			Type:         ev.Type,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Str("eventType", ev.Type).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", queue).Str("eventType", ev.Type).Msg("Published event to RabbitMQ")
	return nil
}

func (r *RabbitPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

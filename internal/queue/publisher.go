package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher sends checkout handoffs to a durable queue.  Each publish opens
// its own connection; handoffs are rare compared to seat traffic.
type Publisher struct {
	url   string
	queue string
	log   *logrus.Entry
}

// NewPublisher returns a Publisher for queue on the broker at url.
func NewPublisher(url, queue string, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{url: url, queue: queue, log: log.WithField("component", "checkout-publisher")}
}

// PublishCheckout publishes ev as a persistent JSON message.  Errors are
// logged and returned so the caller can choose to ignore them.
func (p *Publisher) PublishCheckout(ctx context.Context, ev CheckoutRequested) error {
	pub, err := newPublishing(ev)
	if err != nil {
		p.log.WithError(err).Error("marshal checkout event")
		return err
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.WithError(err).Error("dial broker")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.WithError(err).Error("open channel")
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		p.log.WithError(err).Error("declare queue")
		return err
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		p.log.WithError(err).Error("publish checkout event")
		return err
	}
	p.log.WithFields(logrus.Fields{
		"session_id": ev.SessionID,
		"seats":      len(ev.SeatIDs),
	}).Debug("checkout published")
	return nil
}

func newPublishing(ev CheckoutRequested) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.SessionID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Restorer returns cancelled seats to sale.
type Restorer interface {
	RestoreSeats(ctx context.Context, showtimeID string, seatIDs []string) (int, error)
}

// errMalformed marks messages that can never be processed.
var errMalformed = errors.New("malformed message")

// defaultRetryDelay is the pause before a failed message goes back to the
// queue.
const defaultRetryDelay = 5 * time.Second

// Consumer listens to the cancellation queue and restores seats.
type Consumer struct {
	url        string
	queue      string
	restorer   Restorer
	retryDelay time.Duration
	log        *logrus.Entry
}

// NewConsumer builds a Consumer for queue on the broker at url.
func NewConsumer(url, queue string, restorer Restorer, log *logrus.Entry) *Consumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Consumer{
		url:        url,
		queue:      queue,
		restorer:   restorer,
		retryDelay: defaultRetryDelay,
		log:        log.WithField("component", "cancellation-consumer"),
	}
}

// Run connects, declares the durable queue and consumes until ctx is
// cancelled.  Broker failures trigger a reconnect with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.WithError(err).WithField("retry_in", backoff).Warn("failed to dial broker")
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).Warn("consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.WithError(err).Warn("set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.WithField("queue", c.queue).Info("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.settle(ctx, d, c.handle(ctx, d.Body))
		}
	}
}

// settle acks or nacks d according to err.  Retryable failures wait
// retryDelay before the requeue so a broken dependency is not hammered; the
// wait also holds back further deliveries on this channel.
func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, errMalformed):
		c.log.WithError(err).Warn("dropping message")
		_ = d.Nack(false, false)
	default:
		c.log.WithError(err).WithField("retry_in", c.retryDelay).Error("handle message failed")
		sleep(ctx, c.retryDelay)
		_ = d.Nack(false, true)
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var ev ReservationCancelled
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ev.ShowtimeID == "" || len(ev.SeatIDs) == 0 {
		return fmt.Errorf("%w: missing showtime or seats", errMalformed)
	}
	n, err := c.restorer.RestoreSeats(ctx, ev.ShowtimeID, ev.SeatIDs)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"showtime_id": ev.ShowtimeID,
		"restored":    n,
	}).Info("reservation cancelled")
	return nil
}

// sleep waits for d or until ctx is done; it reports whether to continue.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

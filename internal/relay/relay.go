// Package relay shares committed seat events between service instances
// through a Redis stream, so viewers connected to any instance see every
// change when the seat registry lives in Redis.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/seat-sync/internal/logging"
	"github.com/iliyamo/seat-sync/internal/model"
)

const originKey = "origin"

// LocalPublisher delivers events to this instance's subscribers.
type LocalPublisher interface {
	Publish(ev model.ReservationEvent) int
}

// Config configures a Relay.
type Config struct {
	Topic      string
	InstanceID string
	Buffer     int // pending outbound events before drops
}

// Relay is a LocalPublisher that also forwards every event to the stream and
// feeds events from other instances into the local publisher.
type Relay struct {
	local      LocalPublisher
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	instanceID string
	out        chan model.ReservationEvent
	log        *logrus.Entry
}

// New creates the stream publisher and a fan-out subscriber on rdb.
func New(cfg Config, rdb redis.UniversalClient, local LocalPublisher, log *logrus.Entry) (*Relay, error) {
	if cfg.Topic == "" || cfg.InstanceID == "" {
		return nil, errors.New("relay: topic and instance id are required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "relay", "topic": cfg.Topic})
	wlog := logging.NewWatermillLogger(log)

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: rdb,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("creating publisher: %w", err)
	}
	// no consumer group: every instance reads every message
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: rdb,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("creating subscriber: %w", err)
	}
	return &Relay{
		local:      local,
		publisher:  pub,
		subscriber: sub,
		topic:      cfg.Topic,
		instanceID: cfg.InstanceID,
		out:        make(chan model.ReservationEvent, cfg.Buffer),
		log:        log,
	}, nil
}

// Publish delivers ev locally and queues it for the stream.  It never
// blocks; when the queue is full the event is dropped for remote instances
// and their viewers resync on their next snapshot.
func (r *Relay) Publish(ev model.ReservationEvent) int {
	n := r.local.Publish(ev)
	select {
	case r.out <- ev:
	default:
		r.log.WithField("seat_id", ev.SeatID).Warn("relay queue full, event not forwarded")
	}
	return n
}

// Run forwards and receives events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	messages, err := r.subscriber.Subscribe(ctx, r.topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.topic, err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.forward(gctx) })
	g.Go(func() error { return r.receive(gctx, messages) })
	r.log.WithField("instance_id", r.instanceID).Info("relay started")
	err = g.Wait()
	_ = r.publisher.Close()
	_ = r.subscriber.Close()
	return err
}

func (r *Relay) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.out:
			msg, err := r.encode(ev)
			if err != nil {
				r.log.WithError(err).Error("encode event")
				continue
			}
			if err := r.publisher.Publish(r.topic, msg); err != nil {
				r.log.WithError(err).Error("publish event")
			}
		}
	}
}

func (r *Relay) receive(ctx context.Context, messages <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg)
			msg.Ack()
		}
	}
}

// handle hands an event from another instance to local subscribers.
// Our own events were already delivered by Publish.
func (r *Relay) handle(msg *message.Message) bool {
	if msg.Metadata.Get(originKey) == r.instanceID {
		return false
	}
	var ev model.ReservationEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		r.log.WithError(err).WithField("message_uuid", msg.UUID).Warn("dropping malformed event")
		return false
	}
	r.local.Publish(ev)
	return true
}

func (r *Relay) encode(ev model.ReservationEvent) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(originKey, r.instanceID)
	return msg, nil
}

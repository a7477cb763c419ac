package config

// BrokerConfig configures the RabbitMQ checkout and cancellation queues.
type BrokerConfig struct {
	Enabled           bool
	URL               string
	CheckoutQueue     string
	CancellationQueue string
}

// LoadBrokerConfig reads broker settings.  The broker is enabled by default
// only when RABBITMQ_URL is set.
func LoadBrokerConfig() BrokerConfig {
	url := envStr("RABBITMQ_URL", "")
	return BrokerConfig{
		Enabled:           envBool("BROKER_ENABLED", url != "") && url != "",
		URL:               url,
		CheckoutQueue:     envStr("CHECKOUT_QUEUE", "booking.checkout"),
		CancellationQueue: envStr("CANCELLATION_QUEUE", "reservation.cancelled"),
	}
}

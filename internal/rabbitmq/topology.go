package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultEventsExchangeName = "farmiq.events"
	defaultDLXExchangeName    = "farmiq.events.dlx"
	defaultDLQName            = "farmiq.events.dlq"
	defaultExchangeType       = "topic"
	defaultBindingKey         = "#"
)

// AMQPChannel defines the channel operations required for topology setup.
type AMQPChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyConfig defines exchange/queue names for the event fan-out topology.
type TopologyConfig struct {
	EventsExchangeName string
	DLXExchangeName    string
	DLQName            string
	ExchangeType       string
	DLQBindingKey      string
	DLQMessageTTL      time.Duration
	DLQMaxLength       int64
}

// TopologyOption configures topology declaration.
type TopologyOption func(*TopologyConfig)

// WithEventsExchangeName overrides the fan-out exchange name.
func WithEventsExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.EventsExchangeName = name
		}
	}
}

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl for the DLQ queue.
func WithDLQMessageTTL(ttl time.Duration) TopologyOption {
	return func(cfg *TopologyConfig) {
		if ttl > 0 {
			cfg.DLQMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length for the DLQ queue.
func WithDLQMaxLength(maxLength int64) TopologyOption {
	return func(cfg *TopologyConfig) {
		if maxLength > 0 {
			cfg.DLQMaxLength = maxLength
		}
	}
}

func defaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		EventsExchangeName: defaultEventsExchangeName,
		DLXExchangeName:    defaultDLXExchangeName,
		DLQName:            defaultDLQName,
		ExchangeType:       defaultExchangeType,
		DLQBindingKey:      defaultBindingKey,
	}
}

func (cfg TopologyConfig) dlqDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.DLQMessageTTL > 0 {
		ttlMillis := cfg.DLQMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.DLQMaxLength > 0 {
		args["x-max-length"] = cfg.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// EnsureTopology declares the durable fan-out exchange plus the dead-letter
// exchange and queue consumers fall back to. Declarations are idempotent.
func EnsureTopology(ch AMQPChannel, opts ...TopologyOption) error {
	if ch == nil {
		return fmt.Errorf("ensure topology: %w", ErrChannelRequired)
	}

	cfg := defaultTopologyConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(
		cfg.EventsExchangeName,
		cfg.ExchangeType,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.DLXExchangeName,
		cfg.ExchangeType,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.DLQName,
		true,
		false,
		false,
		false,
		cfg.dlqDeclareArgs(),
	); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(
		cfg.DLQName,
		cfg.DLQBindingKey,
		cfg.DLXExchangeName,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DeadLetterArgs returns queue declaration args that route rejected messages
// to the dead-letter exchange.
func DeadLetterArgs(dlxExchangeName string) amqp.Table {
	if dlxExchangeName == "" {
		dlxExchangeName = defaultDLXExchangeName
	}

	return amqp.Table{
		"x-dead-letter-exchange": dlxExchangeName,
	}
}

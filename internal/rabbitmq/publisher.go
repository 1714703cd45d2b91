package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/runtime"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer should be >= max unconfirmed messages to avoid blocking.
	confirmChannelBuffer = 256
)

// ConfirmableChannel defines the AMQP channel operations needed for
// publishing with confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ConfirmablePublisher wraps an AMQP channel with publisher confirms enabled.
//
// Publishing is intentionally serialized per publisher instance: one
// publish+confirm flow in flight at a time preserves confirm ordering without
// delivery-tag correlation state. Shard across instances for throughput.
type ConfirmablePublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         log.Logger
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	closed    bool
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithPublisherLogger sets a structured logger for the publisher.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewConfirmablePublisher creates a publisher with confirms enabled on a
// fresh channel from conn.
func NewConfirmablePublisher(ctx context.Context, conn *Connection, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	channel, err := conn.GetChannelContext(ctx)
	if err != nil {
		return nil, err
	}

	return NewConfirmablePublisherFromChannel(channel, opts...)
}

// NewConfirmablePublisherFromChannel creates a publisher from an existing channel.
func NewConfirmablePublisherFromChannel(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	publisher := &ConfirmablePublisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.startCloseMonitor(closeNotify)

	return publisher, nil
}

// startCloseMonitor launches a goroutine that watches channel close events.
func (pub *ConfirmablePublisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	logger := pub.logger

	runtime.SafeGo(logger, "confirmable-publisher-close-monitor", func() {
		select {
		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
					log.String("error_detail", sanitizeAMQPErr(amqpErr, "")))
			}

			pub.markClosed()
		case <-pub.closedCh:
			return
		}
	})
}

func (pub *ConfirmablePublisher) markClosed() {
	pub.mu.Lock()
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })
}

// Publish sends a message and synchronously waits for broker confirmation.
func (pub *ConfirmablePublisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		pub.mu.RUnlock()

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()

		return ErrPublisherNotReady
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the publisher and its channel.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	alreadyClosed := pub.closed
	ch := pub.ch
	pub.closed = true
	pub.ch = nil
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	if alreadyClosed || ch == nil {
		return nil
	}

	if err := ch.Close(); err != nil {
		return fmt.Errorf("closing publisher channel: %w", err)
	}

	return nil
}

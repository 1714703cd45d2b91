package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/backoff"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

// ErrNilConnection is returned when a method is called on a nil Connection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Connection is a hub which deals with rabbitmq connections.
type Connection struct {
	mu                     sync.Mutex // protects connection and channel operations
	ConnectionStringSource string     `json:"-"`
	Connection             *amqp.Connection
	Channel                *amqp.Channel
	Logger                 log.Logger
	Connected              bool

	dialer         func(string) (*amqp.Connection, error)
	channelFactory func(*amqp.Connection) (*amqp.Channel, error)

	// Reconnect rate-limiting: prevents thundering-herd reconnect storms
	// when the broker is down by enforcing exponential backoff between attempts.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// ConnectContext establishes the singleton connection and channel.
func (rc *Connection) ConnectContext(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	rc.mu.Lock()
	rc.applyDefaults()
	connStr := rc.ConnectionStringSource
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	logger := rc.logger()
	rc.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(connStr)
	if err != nil {
		sanitizedErr := newSanitizedError(err, connStr, "failed to connect to rabbitmq")
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, connStr)))
		span.RecordError(sanitizedErr)

		return sanitizedErr
	}

	ch, err := channelFactory(conn)
	if err != nil {
		_ = conn.Close()

		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))
		span.RecordError(err)

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	rc.mu.Lock()
	rc.Connected = true
	rc.Connection = conn
	rc.Channel = ch
	rc.reconnectAttempts = 0
	rc.mu.Unlock()

	return nil
}

// EnsureChannelContext makes sure a live channel exists, reconnecting when
// needed. Reconnect attempts are rate-limited with exponential backoff so a
// down broker is not hammered.
func (rc *Connection) EnsureChannelContext(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	rc.applyDefaults()

	needConnection := rc.Connection == nil || rc.Connection.IsClosed()
	needChannel := needConnection || rc.Channel == nil || rc.Channel.IsClosed()

	if !needChannel {
		rc.mu.Unlock()

		return nil
	}

	if needConnection && rc.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, rc.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			rc.mu.Unlock()

			return fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	connStr := rc.ConnectionStringSource
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	logger := rc.logger()
	existingConn := rc.Connection

	if needConnection {
		rc.lastReconnectAttempt = time.Now()
	}
	rc.mu.Unlock()

	conn := existingConn
	newConnection := false

	if needConnection {
		var err error

		conn, err = dialer(connStr)
		if err != nil {
			logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
				log.String("error_detail", sanitizeAMQPErr(err, connStr)))

			rc.mu.Lock()
			rc.Connected = false
			rc.reconnectAttempts++
			rc.mu.Unlock()

			return newSanitizedError(err, connStr, "can't connect to rabbitmq")
		}

		newConnection = true
	}

	ch, err := channelFactory(conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		if newConnection {
			_ = conn.Close()
		}

		rc.mu.Lock()
		rc.Channel = nil
		rc.Connected = false
		rc.reconnectAttempts++
		rc.mu.Unlock()

		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	if newConnection {
		rc.Connection = conn
		rc.reconnectAttempts = 0
	}

	rc.Channel = ch
	rc.Connected = true
	rc.mu.Unlock()

	return nil
}

// GetChannelContext returns a live channel, reconnecting if necessary.
func (rc *Connection) GetChannelContext(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.EnsureChannelContext(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Channel == nil {
		rc.Connected = false

		return nil, errors.New("rabbitmq channel not available")
	}

	return rc.Channel, nil
}

// HealthCheck reports whether the broker connection is live.
func (rc *Connection) HealthCheck() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.Connected && rc.Connection != nil && !rc.Connection.IsClosed()
}

// CloseContext closes the rabbitmq channel and connection.
func (rc *Connection) CloseContext(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	channel := rc.Channel
	connection := rc.Connection
	rc.Connection = nil
	rc.Channel = nil
	rc.Connected = false
	logger := rc.logger()
	rc.mu.Unlock()

	var closeErr error

	if channel != nil && !channel.IsClosed() {
		if err := channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if connection != nil && !connection.IsClosed() {
		if err := connection.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	return closeErr
}

func (rc *Connection) applyDefaults() {
	if rc.dialer == nil {
		rc.dialer = amqp.Dial
	}

	if rc.channelFactory == nil {
		rc.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}
}

func (rc *Connection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}

// sanitizedError wraps an original error with a redacted message.
// Error() returns the sanitized message; Unwrap() returns the original
// so that errors.Is / errors.As still work for programmatic inspection.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	if strings.Contains(errMsg, referenceURL.String()) {
		errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)
	}

	// Covers the password appearing in decoded form.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string.
// If vhost is empty, the default vhost "/" is used (no path in URL).
// Special characters in user, password, and vhost are URL-encoded automatically.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		// Bracket bare IPv6 addresses to avoid malformed URLs.
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// QueryEscape encodes '/' (required for vhost names) while PathEscape
		// does not; '+' must then be converted to path-style %20.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}

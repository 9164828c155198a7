package natstransport

import (
	"crypto/tls"
	"log"
	"time"

	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/pkg/retry"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[NATS] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[NATS ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithLogger sets a custom logger for the client
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithStream sets the JetStream stream backing at-least-once delivery. The
// stream captures every subject under the protocol's topic root. An empty
// name disables JetStream and downgrades all traffic to core NATS
// (at-most-once).
func WithStream(name string) ClientOption {
	return func(c *Client) error {
		c.streamName = name
		return nil
	}
}

// WithKeepAlive sets the liveness window: a device missing heartbeats for
// this long is considered dead and its last will is synthesized on
// observers.
func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Second
		}
		c.keepAlive = d
		return nil
	}
}

// WithPublishRetry sets the at-least-once delivery retry budget
func WithPublishRetry(cfg retry.Config) ClientOption {
	return func(c *Client) error {
		c.publishRetry = cfg
		return nil
	}
}

// WithMetrics wires transport metrics (connection gauge, reconnect and
// retry counters) into the given core metrics
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the initial wait between reconnection attempts.
// The actual delay backs off exponentially up to the reconnect ceiling.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithReconnectCeiling caps the exponential reconnect backoff
func WithReconnectCeiling(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectCeiling = d
		return nil
	}
}

// WithTimeout sets the connection timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithCredentials sets username and password for authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets a token for authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS sets the TLS configuration for the broker connection
func WithTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.tlsConfig = cfg
		return nil
	}
}

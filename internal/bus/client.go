// Package bus carries jobs in and results out over NATS.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoReply is returned when a result has nowhere to go.
var ErrNoReply = errors.New("message has no reply subject")

// Client is the gateway's NATS connection. Jobs arrive through the queue
// group subscription and every result goes back with Reply.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger

	replies    metric.Int64Counter
	replyBytes metric.Int64Counter
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.With(slog.String("component", "bus"))

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, connectOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("server", conn.ConnectedUrl()))

	c := &Client{conn: conn, log: log}
	meter := otel.Meter("github.com/loqalabs/loqa-ttsgw/internal/bus")
	c.replies, _ = meter.Int64Counter("ttsgw.bus.replies", metric.WithDescription("Result envelopes published by outcome"))
	c.replyBytes, _ = meter.Int64Counter("ttsgw.bus.reply_bytes", metric.WithDescription("Bytes of result envelopes published"), metric.WithUnit("By"))
	return c, nil
}

// connectOptions never gives up reconnecting to the broker.
func connectOptions(cfg config.BusConfig, log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("loqa-ttsgw"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", slog.String("server", c.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// ServeJobs joins queue so each job on subject reaches exactly one gateway.
func (c *Client) ServeJobs(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if queue == "" {
		return c.conn.Subscribe(subject, handler)
	}
	return c.conn.QueueSubscribe(subject, queue, handler)
}

// Listen subscribes every gateway to subject, for broadcast control messages
// such as cancellations.
func (c *Client) Listen(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

// Sync waits until the server has processed all pending subscriptions.
func (c *Client) Sync() error {
	return c.conn.Flush()
}

// Reply publishes v as JSON to a requester's reply subject.
func (c *Client) Reply(subject string, v any) error {
	if subject == "" {
		return ErrNoReply
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.countReply(0, "encode_error")
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.countReply(0, "publish_error")
		return fmt.Errorf("publish reply: %w", err)
	}
	c.countReply(len(data), "ok")
	return nil
}

func (c *Client) countReply(size int, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if c.replies != nil {
		c.replies.Add(context.Background(), 1, attrs)
	}
	if c.replyBytes != nil && size > 0 {
		c.replyBytes.Add(context.Background(), int64(size), attrs)
	}
}

// Close flushes queued replies before dropping the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.FlushTimeout(2 * time.Second); err != nil {
		c.log.Warn("NATS flush failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

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

	"github.com/loqalabs/loqa-ttsplay/internal/config"
	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection used to publish session progress.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name("loqa-ttsplay"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Subject joins the configured prefix and suffix, e.g. "ttsplay.chunk".
func (c *Client) Subject(suffix string) string {
	return c.prefix + "." + suffix
}

// PublishChunk announces one played chunk. A nil client is a no-op.
func (c *Client) PublishChunk(notice protocol.ChunkNotice) error {
	if c == nil {
		return nil
	}
	return c.publish(c.Subject(protocol.SubjectChunkSuffix), notice)
}

// PublishDone announces the end of a session and flushes so the notice is not lost on exit.
func (c *Client) PublishDone(notice protocol.SessionNotice) error {
	if c == nil {
		return nil
	}
	if err := c.publish(c.Subject(protocol.SubjectDoneSuffix), notice); err != nil {
		return err
	}
	return c.conn.FlushTimeout(2 * time.Second)
}

func (c *Client) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

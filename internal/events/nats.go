package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
)

var ErrNATSURLRequired = errors.New("events: nats url is required")

type NATSConfig struct {
	URL    string
	Prefix string

	// Options are passed to the NATS client.
	Options []nats.Option
}

// NATS publishes each event as JSON on Subject(prefix, kind).
type NATS struct {
	conn   *nats.Conn
	prefix string
}

func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, ErrNATSURLRequired
	}

	conn, err := nats.Connect(cfg.URL, cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return &NATS{conn: conn, prefix: cfg.Prefix}, nil
}

func (n *NATS) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.JobID, err)
	}

	msg := nats.NewMsg(Subject(n.prefix, e.Kind))
	msg.Data = body
	msg.Header.Set("Job-Id", string(e.JobID))
	msg.Header.Set("Job-Attempts", strconv.Itoa(e.Attempts))

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("events: nats publish: %w", err)
	}
	return nil
}

// Close waits up to DefaultPublishLimit for the server to acknowledge
// everything published so far, then closes the connection.
func (n *NATS) Close() error {
	err := n.conn.FlushTimeout(DefaultPublishLimit)
	n.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("events: nats flush: %w", err)
	}
	return nil
}

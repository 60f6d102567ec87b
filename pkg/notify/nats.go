package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS publishes events on "<prefix>.<venue>.<type>", so consumers can
// subscribe to one venue ("obelisk.mixbot.>") or one event kind ("obelisk.*.position_closed").
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *zap.SugaredLogger
}

func DialNATS(url, prefix string, logger *zap.SugaredLogger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("obelisk-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnw("nats_disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATS(conn, prefix, logger), nil
}

func NewNATS(conn *nats.Conn, prefix string, logger *zap.SugaredLogger) *NATS {
	if prefix == "" {
		prefix = "obelisk"
	}
	return &NATS{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (n *NATS) Subject(ev Event) string {
	return n.prefix + "." + ev.Venue + "." + ev.Type
}

func (n *NATS) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Errorw("nats_marshal_failed", "type", ev.Type, "err", err)
		return
	}
	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		n.logger.Warnw("nats_publish_failed", "subject", n.Subject(ev), "err", err)
	}
}

func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

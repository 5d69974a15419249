// internal/push/nats.go
package push

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// NATSTransport carries hub invocations as NATS messages on
// "<prefix>.<target>" subjects.
type NATSTransport struct {
	URL           string
	SubjectPrefix string
	Name          string
	Timeout       time.Duration
	Logger        *zap.Logger
}

func NewNATSTransport(logger *zap.Logger, url, prefix string) *NATSTransport {
	return &NATSTransport{
		URL:           url,
		SubjectPrefix: strings.TrimSuffix(prefix, "."),
		Name:          "marketsync",
		Timeout:       5 * time.Second,
		Logger:        logger.Named("nats"),
	}
}

func (t *NATSTransport) subject(target string) string {
	return t.SubjectPrefix + "." + target
}

func (t *NATSTransport) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := t.Logger
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(t.Name),
		nats.Timeout(t.Timeout),
		// The Channel owns reconnection and its schedule.
		nats.NoReconnect(),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
	}
	nc, err := nats.Connect(t.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", t.URL, err)
	}
	sub, err := nc.SubscribeSync(t.subject(">"))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.subject(">"), err)
	}
	return &natsConn{t: t, nc: nc, sub: sub}, nil
}

type natsConn struct {
	t   *NATSTransport
	nc  *nats.Conn
	sub *nats.Subscription
}

func (c *natsConn) Read(ctx context.Context) (Message, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Message{}, ctxErr
		}
		return Message{}, fmt.Errorf("%w: %w", ErrConnDropped, err)
	}
	target := strings.TrimPrefix(msg.Subject, c.t.SubjectPrefix+".")
	return Message{Target: target, Payload: msg.Data}, nil
}

func (c *natsConn) Write(ctx context.Context, m Message) error {
	msg := nats.NewMsg(c.t.subject(m.Target))
	msg.Data = m.Payload
	msg.Header = make(nats.Header)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish message to subject %s: %w", msg.Subject, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}

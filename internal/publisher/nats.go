// Package publisher fans written location logs out to NATS subscribers.
package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// LocationMessage mirrors a written location log.
type LocationMessage struct {
	Bus          string    `json:"bus"`
	VariantID    int       `json:"variantId"`
	UnitID       int       `json:"unitId"`
	RouteID      int       `json:"routeId"`
	ExpectedTime int       `json:"expectedTime"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subject returns "<prefix>.<bus>.<unit>", so consumers can subscribe to
// one line with "<prefix>.<bus>.*".
func Subject(prefix string, msg LocationMessage) string {
	return fmt.Sprintf("%s.%s.%d", subjectToken(prefix), subjectToken(msg.Bus), msg.UnitID)
}

type NATSPublisher struct {
	conn        *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *zap.Logger
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logger.With(zap.String("nats_url", url))
	conn, err := nats.Connect(url, connOptions(m, logger)...)
	if err != nil {
		return nil, err
	}
	setConnected(m, true)
	logger.Info("nats connected", zap.String("subject_prefix", prefix))
	return &NATSPublisher{conn: conn, prefix: prefix, logSubjects: logSubjects, metrics: m, logger: logger}, nil
}

func connOptions(m PublisherMetrics, logger *zap.Logger) []nats.Option {
	return []nats.Option{
		nats.Name("stm-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(m, false)
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			setConnected(m, true)
			logger.Info("nats reconnected", zap.String("server", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(m, false)
			logger.Info("nats closed")
		}),
	}
}

func setConnected(m PublisherMetrics, up bool) {
	if m != nil {
		m.NATSSetConnected(up)
	}
}

// PublishLocation sends msg as JSON. Delivery is fire-and-forget; the
// database row stays the record of truth.
func (p *NATSPublisher) PublishLocation(msg LocationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := Subject(p.prefix, msg)
	if p.logSubjects {
		p.logger.Debug("nats publish", zap.String("subject", subject), zap.Int("bytes", len(payload)))
	}

	start := time.Now()
	err = p.conn.Publish(subject, payload)
	if p.metrics == nil {
		return err
	}
	p.metrics.PublishObserve(time.Since(start))
	if err != nil {
		p.metrics.NATSPublishErrInc()
		return err
	}
	p.metrics.NATSPublishedInc()
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain", zap.Error(err))
		p.conn.Close()
	}
}

// subjectToken makes s usable as a single subject token: no whitespace,
// separators or wildcards, never empty.
func subjectToken(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '.', '>', '*', '/':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

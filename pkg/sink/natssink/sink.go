// Package natssink publishes newly ingested alerts to NATS, one message per
// alert, with the alert id as the message id so JetStream can de-duplicate
// redeliveries.
package natssink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "alertfeed_sink_published_total",
	Help: "Alerts published to NATS by result",
}, []string{"result"})

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "alertfeed.alerts"

// Publisher sends a message. *nats.Conn satisfies it.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Config holds sink settings.
type Config struct {
	// Subject prefix; each alert goes to <Subject>.<type>, with the type
	// lower-cased, or to <Subject>.unknown.
	Subject string
	Logger  zerolog.Logger
}

// Sink publishes alerts as JSON.
type Sink struct {
	pub     Publisher
	subject string
	logger  zerolog.Logger
}

// New creates a sink on top of a NATS publisher.
func New(pub Publisher, cfg Config) *Sink {
	if pub == nil {
		panic("nats publisher cannot be nil")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	return &Sink{pub: pub, subject: cfg.Subject, logger: cfg.Logger}
}

// Publish sends every alert, continuing past individual failures. It
// returns the joined errors.
func (s *Sink) Publish(ctx context.Context, alerts []alert.Alert) error {
	var errs []error
	for _, a := range alerts {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		data, err := a.MarshalJSON()
		if err != nil {
			publishedTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("marshal alert %s: %w", a.ID, err))
			continue
		}

		msg := nats.NewMsg(s.Subject(a))
		msg.Data = data
		msg.Header.Set(nats.MsgIdHdr, a.ID)
		msg.Header.Set("Alert-Timestamp", a.Timestamp.UTC().Format(time.RFC3339Nano))

		if err := s.pub.PublishMsg(msg); err != nil {
			publishedTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("publish alert %s: %w", a.ID, err))
			continue
		}
		publishedTotal.WithLabelValues("ok").Inc()
	}

	if len(errs) == 0 {
		s.logger.Debug().Int("alerts", len(alerts)).Msg("Published alerts")
	}
	return errors.Join(errs...)
}

// Subject returns the subject an alert is published on.
func (s *Sink) Subject(a alert.Alert) string {
	kind := strings.ToLower(strings.TrimSpace(a.Type))
	kind = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '*', '>':
			return '_'
		}
		return r
	}, kind)
	if kind == "" {
		kind = "unknown"
	}
	return s.subject + "." + kind
}

// Connect dials NATS with reconnect handling logged through logger.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

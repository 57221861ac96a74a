package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server-side call collectors.
type Metrics struct {
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	streamed *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Registering twice on the same
// registry reuses the collectors already there.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localrpc",
			Subsystem: "server",
			Name:      "handled_total",
			Help:      "Calls completed by the server, by method, kind and result.",
		}, []string{"method", "kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localrpc",
			Subsystem: "server",
			Name:      "handling_seconds",
			Help:      "Time from call dispatch to handler return.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "kind"}),
		streamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localrpc",
			Subsystem: "server",
			Name:      "sent_messages_total",
			Help:      "Response payloads written, by method.",
		}, []string{"method"}),
	}

	var err error
	if m.handled, err = register(reg, m.handled); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.streamed, err = register(reg, m.streamed); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request, send Sender) error {
			start := time.Now()
			kind := req.Kind.String()
			sent := m.streamed.WithLabelValues(req.Method)

			err := next(ctx, req, func(payload []byte) error {
				sent.Inc()
				return send(payload)
			})

			result := "ok"
			if err != nil {
				result = "error"
			}
			m.handled.WithLabelValues(req.Method, kind, result).Inc()
			m.duration.WithLabelValues(req.Method, kind).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

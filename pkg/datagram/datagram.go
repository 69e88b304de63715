// Package datagram gives framed or binary device protocols a notion of
// request and response on top of raw buffers.
//
// Classification is pattern-only: a response is considered correlated with a
// request as soon as both match their respective patterns, regardless of
// their content.
package datagram

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/plexus/pkg/telemetry"
)

var (
	ErrInvalidCfg      = errors.New("datagram: invalid configuration")
	ErrUnknownEncoding = errors.New("datagram: unknown encoding")
)

var (
	MetricAckCount     = []string{"plexus", "datagram", "ack", "count"}
	MetricTimeoutCount = []string{"plexus", "datagram", "ack", "timeout", "count"}
	MetricAckLatency   = []string{"plexus", "datagram", "ack", "latency"}
)

// Class tells how a buffer was classified.
type Class uint8

const (
	ClassNone Class = iota
	ClassRequest
	ClassResponse
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassResponse:
		return "response"
	default:
		return "none"
	}
}

// Outcome of OnSend.
type Outcome uint8

const (
	// OutcomeSent means no ACK was awaited.
	OutcomeSent Outcome = iota
	// OutcomeAcked means a correlated datagram was observed in time.
	OutcomeAcked
	// OutcomeTimedOut means the ACK wait elapsed first.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "sent"
	}
}

// Encoding is how a buffer is rendered before matching patterns.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingText   Encoding = "text"
	EncodingBase64 Encoding = "base64"
)

// Config of a Correlator, usually embedded in an Endpoint configuration.
type Config struct {
	// Request and Response are regular expressions matched against the
	// encoded buffer.
	Request  string   `yaml:"request"`
	Response string   `yaml:"response"`
	Encoding Encoding `yaml:"encoding"`

	// RequestAckWait is how long OnSend waits for a response after sending a
	// request. Zero disables the wait.
	RequestAckWait time.Duration `yaml:"requestAckWait"`

	// ResponseAckWait is the symmetric wait for a request after sending a
	// response.
	ResponseAckWait time.Duration `yaml:"responseAckWait"`
}

// Option to pass to `New`.
type Option func(*Correlator)

func WithLog(handler slog.Handler) Option {
	return func(c *Correlator) {
		c.logger = telemetry.Logger(handler)
	}
}

func WithMetricSink(ms metrics.MetricSink, labels []metrics.Label) Option {
	return func(c *Correlator) {
		c.msink = telemetry.Sink(ms)
		c.labels = labels
	}
}

// Correlator classifies buffers and paces sends on ACKs.
type Correlator struct {
	cfg    Config
	req    *regexp.Regexp
	resp   *regexp.Regexp
	encode func([]byte) string

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// sendLk serialises OnSend so at most one ACK wait is in flight.
	sendLk sync.Mutex

	waitLk sync.Mutex
	waiter *ackWaiter
}

type ackWaiter struct {
	sent  []byte
	class Class
	ch    chan []byte
}

func New(cfg Config, opts ...Option) (*Correlator, error) {
	c := &Correlator{
		cfg:    cfg,
		logger: slog.Default(),
		msink:  metrics.Default(),
	}

	var err error
	if cfg.Request != "" {
		if c.req, err = regexp.Compile(cfg.Request); err != nil {
			return nil, fmt.Errorf("%w: request pattern: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.Response != "" {
		if c.resp, err = regexp.Compile(cfg.Response); err != nil {
			return nil, fmt.Errorf("%w: response pattern: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.RequestAckWait < 0 || cfg.ResponseAckWait < 0 {
		return nil, fmt.Errorf("%w: negative ack wait", ErrInvalidCfg)
	}

	switch cfg.Encoding {
	case "", EncodingHex:
		c.encode = hex.EncodeToString
	case EncodingText:
		c.encode = func(b []byte) string { return string(b) }
	case EncodingBase64:
		c.encode = base64.StdEncoding.EncodeToString
	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidCfg, ErrUnknownEncoding, cfg.Encoding)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Correlator) IsRequest(buf []byte) bool {
	return c.req != nil && c.req.MatchString(c.encode(buf))
}

func (c *Correlator) IsResponse(buf []byte) bool {
	return c.resp != nil && c.resp.MatchString(c.encode(buf))
}

// Classify returns ClassRequest first when a buffer matches both patterns.
func (c *Correlator) Classify(buf []byte) Class {
	switch {
	case c.IsRequest(buf):
		return ClassRequest
	case c.IsResponse(buf):
		return ClassResponse
	default:
		return ClassNone
	}
}

// CheckResponse succeeds when resp matches the response pattern and req the
// request pattern.
func (c *Correlator) CheckResponse(resp, req []byte) bool {
	return c.IsResponse(resp) && c.IsRequest(req)
}

// Observe classifies an inbound buffer and, when an ACK wait is in flight
// and the buffer correlates with the sent one, resolves it.
func (c *Correlator) Observe(buf []byte) Class {
	class := c.Classify(buf)

	c.waitLk.Lock()
	w := c.waiter
	if w != nil && c.correlates(w, buf) {
		c.waiter = nil
		select {
		case w.ch <- buf:
		default:
		}
	}
	c.waitLk.Unlock()
	return class
}

func (c *Correlator) correlates(w *ackWaiter, observed []byte) bool {
	switch w.class {
	case ClassRequest:
		return c.CheckResponse(observed, w.sent)
	case ClassResponse:
		return c.CheckResponse(w.sent, observed)
	default:
		return false
	}
}

// OnSend writes buf with write and, when buf is a request (or a response)
// and the matching ACK wait is positive, waits until a correlated datagram
// is observed or the wait elapses. The write happens whatever the outcome
// and the outcome never turns into an error.
func (c *Correlator) OnSend(ctx context.Context, buf []byte, write func([]byte) error) (Outcome, error) {
	c.sendLk.Lock()
	defer c.sendLk.Unlock()

	class := c.Classify(buf)
	var wait time.Duration
	switch class {
	case ClassRequest:
		wait = c.cfg.RequestAckWait
	case ClassResponse:
		wait = c.cfg.ResponseAckWait
	}

	if wait <= 0 {
		return OutcomeSent, write(buf)
	}

	// The waiter is armed before writing so a fast peer cannot answer
	// before we listen.
	w := &ackWaiter{sent: buf, class: class, ch: make(chan []byte, 1)}
	c.waitLk.Lock()
	c.waiter = w
	c.waitLk.Unlock()
	defer func() {
		c.waitLk.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		c.waitLk.Unlock()
	}()

	if err := write(buf); err != nil {
		return OutcomeSent, err
	}

	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	labels := telemetry.With(c.labels, telemetry.LabelClass.M(class.String()))

	select {
	case <-w.ch:
		c.msink.IncrCounterWithLabels(MetricAckCount, 1.0, labels)
		c.msink.AddSampleWithLabels(MetricAckLatency, float32(time.Since(start).Milliseconds()), labels)
		return OutcomeAcked, nil
	case <-timer.C:
		c.msink.IncrCounterWithLabels(MetricTimeoutCount, 1.0, labels)
		c.logger.Debug(
			"no correlated datagram observed in time",
			telemetry.LabelClass.L(class.String()),
			telemetry.LabelDuration.L(wait),
		)
		return OutcomeTimedOut, nil
	case <-ctx.Done():
		return OutcomeTimedOut, nil
	}
}

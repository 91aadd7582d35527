// Package subscription issues the confirmation calls that activate a
// notification subscription.
//
// Confirmations are side-channel calls: Confirm returns immediately and the
// GET runs in its own goroutine, detached from the inbound request, so its
// outcome never gates or changes the relayed response. Outcomes are logged,
// counted, and optionally delivered as Result messages.
package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/webhook-relay/internal/metrics"
)

// maxBodyBytes caps how much of a failed confirmation response is kept for logs.
const maxBodyBytes = 64 << 10

// DefaultTimeout bounds a confirmation call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrClosed is the Result error for confirmations requested after Wait.
var ErrClosed = errors.New("confirmer is shutting down")

// Result describes one finished confirmation call.
type Result struct {
	TopicArn   string
	URL        string
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration
}

// OK reports whether the subscription was confirmed.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode == http.StatusOK
}

// Confirmer performs confirmation GETs in the background.
type Confirmer struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	results chan<- Result

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Confirmer.
type Option func(*Confirmer)

// WithTimeout bounds each confirmation call.
func WithTimeout(d time.Duration) Option {
	return func(c *Confirmer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for outcomes.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Confirmer) {
		c.logger = logger
	}
}

// WithResults delivers every Result on ch. Sends never block: if ch is full
// the result is only logged.
func WithResults(ch chan<- Result) Option {
	return func(c *Confirmer) {
		c.results = ch
	}
}

// NewConfirmer creates a Confirmer that calls out with client.
func NewConfirmer(client *http.Client, opts ...Option) *Confirmer {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Confirmer{
		client:  client,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Confirm starts the confirmation GET to subscribeURL and returns without
// waiting for it. Cancellation of ctx does not abort the call. After Wait
// has been called no call is made and the Result carries ErrClosed.
func (c *Confirmer) Confirm(ctx context.Context, topicArn, subscribeURL string) {
	callCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.report(callCtx, Result{TopicArn: topicArn, URL: subscribeURL, Err: ErrClosed})
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "subscribing to topic",
		slog.String("topic_arn", topicArn),
		slog.String("url", subscribeURL))

	go func() {
		defer c.wg.Done()
		c.report(callCtx, c.do(callCtx, topicArn, subscribeURL))
	}()
}

// Wait stops accepting confirmations and blocks until in-flight ones
// finish or ctx is done.
func (c *Confirmer) Wait(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Confirmer) do(ctx context.Context, topicArn, subscribeURL string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res := Result{TopicArn: topicArn, URL: subscribeURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		res.Err = err
		return res
	}

	resp, err := c.client.Do(req)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res.StatusCode = resp.StatusCode
	res.Body = string(body)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
	}
	return res
}

func (c *Confirmer) report(ctx context.Context, res Result) {
	switch {
	case res.Err != nil:
		metrics.ConfirmationsTotal.WithLabelValues("error").Inc()
		c.logger.WarnContext(ctx, "failed to subscribe to topic",
			slog.String("topic_arn", res.TopicArn),
			slog.String("error", res.Err.Error()))
	case res.StatusCode != http.StatusOK:
		metrics.ConfirmationsTotal.WithLabelValues("rejected").Inc()
		c.logger.WarnContext(ctx, "failed to subscribe to topic",
			slog.String("topic_arn", res.TopicArn),
			slog.Int("status", res.StatusCode),
			slog.String("body", res.Body))
	default:
		metrics.ConfirmationsTotal.WithLabelValues("ok").Inc()
		c.logger.InfoContext(ctx, "subscribed to topic",
			slog.String("topic_arn", res.TopicArn),
			slog.Duration("duration", res.Duration))
	}

	if c.results == nil {
		return
	}
	select {
	case c.results <- res:
	default:
		c.logger.DebugContext(ctx, "confirmation result dropped", slog.String("topic_arn", res.TopicArn))
	}
}

// Package relay receives webhook deliveries, runs them through a converter
// and forwards the result, proxying the destination's answer back.
//
// One request moves through route, decode, convert, encode, dispatch and
// respond. Each failure domain ends the request with its own status:
//
//	unknown converter        404, empty body
//	converter declined       200, empty body
//	invalid payload          400, diagnostic body
//	upstream transport error 500, error text body
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/webhook-relay/internal/codec"
	"github.com/tjfontaine/webhook-relay/internal/converter"
	"github.com/tjfontaine/webhook-relay/internal/metrics"
	"github.com/tjfontaine/webhook-relay/internal/server"
)

// maxLoggedBody caps the request body excerpt written to debug logs.
const maxLoggedBody = 2048

// Engine runs the relay pipeline. Its registries are read-only, so one
// Engine serves all requests concurrently.
type Engine struct {
	codecs     *codec.Registry
	converters *converter.Registry
	client     *http.Client
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClient sets the client used for outbound calls.
func WithClient(client *http.Client) Option {
	return func(e *Engine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Engine over the given registries.
func New(codecs *codec.Registry, converters *converter.Registry, opts ...Option) *Engine {
	e := &Engine{
		codecs:     codecs,
		converters: converters,
		client:     http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ServeHTTP relays one POST. The first path segment names the converter.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, segments := splitPath(r.URL.EscapedPath())

	conv, ok := e.converters.Lookup(name)
	if !ok {
		e.finish(ctx, metrics.UnknownConverter, OutcomeNotFound)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	server.AddLogField(ctx, "converter", name)
	e.logger.DebugContext(ctx, "converter selected", slog.String("converter", name))

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		e.fail(ctx, w, name, OutcomeInvalid, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}
	e.logger.DebugContext(ctx, "request body", slog.String("converter", name), slog.String("body", excerpt(raw)))

	data, err := e.codecs.ForContentType(r.Header.Get("Content-Type")).Decode(raw)
	if err != nil {
		e.fail(ctx, w, name, OutcomeInvalid, http.StatusBadRequest, err)
		return
	}

	desc, err := conv.Convert(ctx, &converter.Input{
		Data:     data,
		Header:   r.Header,
		Segments: segments,
	})
	if err != nil {
		var invalid *converter.InvalidError
		if errors.As(err, &invalid) {
			e.fail(ctx, w, name, OutcomeInvalid, http.StatusBadRequest, err)
			return
		}
		e.fail(ctx, w, name, OutcomeInternalError, http.StatusInternalServerError, fmt.Errorf("convert: %w", err))
		return
	}
	if desc == nil {
		e.finish(ctx, name, OutcomeDeclined)
		w.WriteHeader(http.StatusOK)
		return
	}

	req, err := e.buildRequest(ctx, desc)
	if err != nil {
		e.fail(ctx, w, name, OutcomeInternalError, http.StatusInternalServerError, err)
		return
	}
	e.logger.DebugContext(ctx, "outbound call",
		slog.String("converter", name),
		slog.String("method", req.Method),
		slog.String("url", desc.URL),
		slog.String("content_type", req.Header.Get("Content-Type")),
		slog.Int64("content_length", req.ContentLength),
	)

	if desc.Response != nil {
		if e.reply(ctx, w, name, desc.Response) {
			e.dispatchDetached(req, name)
		}
		return
	}

	resp, err := e.dispatch(req, name)
	if err != nil {
		e.fail(ctx, w, name, OutcomeUpstreamError, http.StatusInternalServerError, err)
		return
	}
	defer resp.Body.Close()

	e.finish(ctx, name, OutcomeRelayed)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		// Suppress net/http content sniffing.
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		server.AddError(ctx, fmt.Errorf("proxy upstream body: %w", err))
	}
}

// buildRequest encodes the descriptor into an outbound request.
func (e *Engine) buildRequest(ctx context.Context, desc *converter.Descriptor) (*http.Request, error) {
	c := e.codecs.ForFormat(desc.Format)
	body, err := c.Encode(desc.Data)
	if err != nil {
		return nil, err
	}

	method := desc.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, desc.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}
	for k, vs := range desc.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", c.ContentType())
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))
	return req, nil
}

// dispatch performs the outbound call. Transport failures come back as
// *UpstreamError.
func (e *Engine) dispatch(req *http.Request, name string) (*http.Response, error) {
	start := time.Now()
	resp, err := e.client.Do(req)
	metrics.UpstreamDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.ErrorContext(req.Context(), "upstream call failed",
			slog.String("converter", name),
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()),
		)
		return nil, &UpstreamError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	metrics.UpstreamResponsesTotal.WithLabelValues(name, metrics.StatusClass(resp.StatusCode)).Inc()
	server.AddLogField(req.Context(), "upstream_status", strconv.Itoa(resp.StatusCode))
	e.logger.InfoContext(req.Context(), "upstream responded",
		slog.String("converter", name),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
	)
	return resp, nil
}

// dispatchDetached makes the outbound call after the caller already has its
// reply. The upstream answer is only logged.
func (e *Engine) dispatchDetached(req *http.Request, name string) {
	resp, err := e.dispatch(req, name)
	if err != nil {
		server.AddError(req.Context(), err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}

// reply writes a converter supplied response and flushes it so the caller
// is not held for the upstream call. It reports whether the reply was sent.
func (e *Engine) reply(ctx context.Context, w http.ResponseWriter, name string, rep *converter.Reply) bool {
	c := e.codecs.ForFormat(rep.Format)
	body, err := c.Encode(rep.Data)
	if err != nil {
		e.fail(ctx, w, name, OutcomeInternalError, http.StatusInternalServerError, err)
		return false
	}

	status := rep.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	e.finish(ctx, name, OutcomeReplied)
	w.Header().Set("Content-Type", c.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return true
}

func (e *Engine) fail(ctx context.Context, w http.ResponseWriter, name string, outcome Outcome, status int, err error) {
	server.AddError(ctx, err)
	e.finish(ctx, name, outcome)
	e.logger.WarnContext(ctx, "relay failed",
		slog.String("converter", name),
		slog.String("outcome", string(outcome)),
		slog.String("error", err.Error()),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, err.Error())
}

func (e *Engine) finish(ctx context.Context, name string, outcome Outcome) {
	metrics.RequestsTotal.WithLabelValues(name, string(outcome)).Inc()
	server.AddLogField(ctx, "outcome", string(outcome))
}

// splitPath returns the converter name and the remaining escaped segments.
func splitPath(path string) (string, []string) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	return parts[0], parts[1:]
}

func excerpt(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "..."
	}
	return string(b)
}

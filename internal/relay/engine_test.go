package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/webhook-relay/internal/codec"
	"github.com/tjfontaine/webhook-relay/internal/converter"
	"github.com/tjfontaine/webhook-relay/internal/converter/echo"
	"github.com/tjfontaine/webhook-relay/internal/converter/sns"
	"github.com/tjfontaine/webhook-relay/internal/metrics"
	"github.com/tjfontaine/webhook-relay/internal/subscription"
	"github.com/tjfontaine/webhook-relay/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sinkRequest is what a destination saw.
type sinkRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// sink is a destination that records requests and answers with a fixed response.
type sink struct {
	*httptest.Server

	mu       sync.Mutex
	requests []sinkRequest
}

func newSink(t *testing.T, status int, contentType, body string) *sink {
	t.Helper()
	s := &sink{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, sinkRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   string(b),
		})
		s.mu.Unlock()

		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		} else {
			w.Header()["Content-Type"] = nil
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sink) received() []sinkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkRequest(nil), s.requests...)
}

// stubConverter returns a fixed outcome.
type stubConverter struct {
	name string
	desc *converter.Descriptor
	err  error

	mu   sync.Mutex
	last *converter.Input
}

func (s *stubConverter) Name() string { return s.name }

func (s *stubConverter) Convert(ctx context.Context, in *converter.Input) (*converter.Descriptor, error) {
	s.mu.Lock()
	s.last = in
	s.mu.Unlock()
	return s.desc, s.err
}

func newRouter(converters ...converter.Converter) http.Handler {
	engine := New(codec.Default(), converter.NewRegistry(converters...), WithLogger(discardLogger()))
	r := chi.NewRouter()
	engine.Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Routing
// =============================================================================

func TestRoutes(t *testing.T) {
	h := newRouter(echo.New("http://127.0.0.1:1/"))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "health", method: http.MethodGet, path: "/", wantStatus: http.StatusOK, wantBody: HealthBody},
		{name: "get converter path", method: http.MethodGet, path: "/test", wantStatus: http.StatusNotFound},
		{name: "get nested path", method: http.MethodGet, path: "/a/b/c", wantStatus: http.StatusNotFound},
		{name: "post root", method: http.MethodPost, path: "/", wantStatus: http.StatusNotFound},
		{name: "post unknown converter", method: http.MethodPost, path: "/nope/x", wantStatus: http.StatusNotFound},
		{name: "converter name is case sensitive", method: http.MethodPost, path: "/TEST", wantStatus: http.StatusNotFound},
		{name: "put", method: http.MethodPut, path: "/test", wantStatus: http.StatusMethodNotAllowed},
		{name: "delete root", method: http.MethodDelete, path: "/", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, "", "", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestUnknownConverterNeverConverts(t *testing.T) {
	stub := &stubConverter{name: "known"}
	h := newRouter(stub)

	before := testutil.CounterValue(t, metrics.RequestsTotal, metrics.UnknownConverter, string(OutcomeNotFound))
	rec := do(t, h, http.MethodPost, "/unknown", "application/json", `{}`, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if stub.last != nil {
		t.Error("converter invoked for an unknown name")
	}
	if got := testutil.CounterValue(t, metrics.RequestsTotal, metrics.UnknownConverter, string(OutcomeNotFound)); got != before+1 {
		t.Errorf("requests{unknown,not_found} = %v, want %v", got, before+1)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path     string
		name     string
		segments []string
	}{
		{path: "/", name: "", segments: []string{}},
		{path: "/test", name: "test", segments: []string{}},
		{path: "/sns2slack/T0/B0/xyz", name: "sns2slack", segments: []string{"T0", "B0", "xyz"}},
		{path: "/test/a%2Fb", name: "test", segments: []string{"a%2Fb"}},
		{path: "/test/", name: "test", segments: []string{""}},
	}

	for _, tt := range tests {
		name, segments := splitPath(tt.path)
		if name != tt.name {
			t.Errorf("splitPath(%q) name = %q, want %q", tt.path, name, tt.name)
		}
		if strings.Join(segments, "|") != strings.Join(tt.segments, "|") || len(segments) != len(tt.segments) {
			t.Errorf("splitPath(%q) segments = %q, want %q", tt.path, segments, tt.segments)
		}
	}
}

// =============================================================================
// Relay flow
// =============================================================================

func TestRelay_EchoEndToEnd(t *testing.T) {
	dest := newSink(t, http.StatusCreated, "application/vnd.sink+json", `{"stored":true}`)
	h := newRouter(echo.New("http://127.0.0.1:1/"))

	before := testutil.CounterValue(t, metrics.RequestsTotal, echo.Name, string(OutcomeRelayed))
	rec := do(t, h, http.MethodPost, "/test", "application/json", `{"a":1}`, map[string]string{
		echo.TargetHeader: dest.URL + "/abc",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.sink+json" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Body.String() != `{"stored":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}

	reqs := dest.received()
	if len(reqs) != 1 {
		t.Fatalf("sink received %d requests, want 1", len(reqs))
	}
	got := reqs[0]
	if got.Method != http.MethodPost || got.Path != "/abc" {
		t.Errorf("outbound = %s %s, want POST /abc", got.Method, got.Path)
	}
	if got.Body != `{"a":1}` {
		t.Errorf("outbound body = %q", got.Body)
	}
	if ct := got.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("outbound Content-Type = %q", ct)
	}
	if cl := got.Header.Get("Content-Length"); cl != "7" {
		t.Errorf("outbound Content-Length = %q, want 7", cl)
	}
	if after := testutil.CounterValue(t, metrics.RequestsTotal, echo.Name, string(OutcomeRelayed)); after != before+1 {
		t.Errorf("requests{test,relayed} = %v, want %v", after, before+1)
	}
}

func TestRelay_EchoDefaultURLWithSuffix(t *testing.T) {
	dest := newSink(t, http.StatusOK, "", "")
	h := newRouter(echo.New(dest.URL + "/"))

	rec := do(t, h, http.MethodPost, "/test/bin/42", "application/x-www-form-urlencoded", "a=1&b=2&b=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	reqs := dest.received()
	if len(reqs) != 1 {
		t.Fatalf("sink received %d requests, want 1", len(reqs))
	}
	if reqs[0].Path != "/bin/42" {
		t.Errorf("outbound path = %q, want /bin/42", reqs[0].Path)
	}
	if reqs[0].Body != `{"a":"1","b":["2","3"]}` {
		t.Errorf("outbound body = %q", reqs[0].Body)
	}
}

func TestRelay_ProxiesUpstreamErrorStatus(t *testing.T) {
	dest := newSink(t, http.StatusServiceUnavailable, "text/plain", "try later")
	h := newRouter(echo.New(dest.URL + "/"))

	rec := do(t, h, http.MethodPost, "/test", "text/plain", "hello", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != "try later" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if reqs := dest.received(); len(reqs) != 1 || reqs[0].Body != `"hello"` {
		t.Errorf("outbound = %+v, want JSON string body", reqs)
	}
}

func TestRelay_NoUpstreamContentType(t *testing.T) {
	dest := newSink(t, http.StatusOK, "", "<html><body>hi</body></html>")
	h := newRouter(echo.New(dest.URL + "/"))

	rec := do(t, h, http.MethodPost, "/test", "application/json", `{}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "" {
		t.Errorf("Content-Type = %q, want none", ct)
	}
	if rec.Body.String() != "<html><body>hi</body></html>" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRelay_DescriptorHeadersAndFormat(t *testing.T) {
	dest := newSink(t, http.StatusAccepted, "", "")
	stub := &stubConverter{name: "custom", desc: &converter.Descriptor{
		URL:    dest.URL + "/hook",
		Method: http.MethodPut,
		Header: http.Header{
			"X-Custom":       {"yes"},
			"Content-Type":   {"application/bogus"},
			"Content-Length": {"999"},
		},
		Format: "form",
		Data:   map[string]any{"a": "b"},
	}}
	h := newRouter(stub)

	rec := do(t, h, http.MethodPost, "/custom/x/y", "application/json", `{"in":true}`, map[string]string{"X-Inbound": "1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	if stub.last == nil {
		t.Fatal("converter not invoked")
	}
	if stub.last.Header.Get("X-Inbound") != "1" {
		t.Error("converter did not see inbound headers")
	}
	if strings.Join(stub.last.Segments, "/") != "x/y" {
		t.Errorf("segments = %q", stub.last.Segments)
	}
	if m, ok := stub.last.Data.(map[string]any); !ok || m["in"] != true {
		t.Errorf("decoded data = %#v", stub.last.Data)
	}

	reqs := dest.received()
	if len(reqs) != 1 {
		t.Fatalf("sink received %d requests", len(reqs))
	}
	got := reqs[0]
	if got.Method != http.MethodPut {
		t.Errorf("method = %s, want PUT", got.Method)
	}
	if got.Header.Get("X-Custom") != "yes" {
		t.Error("converter header not forwarded")
	}
	if ct := got.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got.Body != "a=b" {
		t.Errorf("body = %q", got.Body)
	}
	if cl := got.Header.Get("Content-Length"); cl != "3" {
		t.Errorf("Content-Length = %q, want 3", cl)
	}
}

func TestRelay_Declined(t *testing.T) {
	stub := &stubConverter{name: "quiet"}
	h := newRouter(stub)

	before := testutil.CounterValue(t, metrics.RequestsTotal, "quiet", string(OutcomeDeclined))
	rec := do(t, h, http.MethodPost, "/quiet", "application/json", `{}`, nil)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if got := testutil.CounterValue(t, metrics.RequestsTotal, "quiet", string(OutcomeDeclined)); got != before+1 {
		t.Errorf("requests{quiet,declined} = %v, want %v", got, before+1)
	}
}

func TestRelay_Failures(t *testing.T) {
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name        string
		conv        converter.Converter
		path        string
		contentType string
		body        string
		header      map[string]string
		wantStatus  int
		wantBody    string
		outcome     Outcome
	}{
		{
			name:       "invalid payload",
			conv:       &stubConverter{name: "strict", err: converter.Invalid("missing field %q", "id")},
			path:       "/strict",
			wantStatus: http.StatusBadRequest,
			wantBody:   `missing field "id"`,
			outcome:    OutcomeInvalid,
		},
		{
			name:        "malformed json",
			conv:        &stubConverter{name: "strict"},
			path:        "/strict",
			contentType: "application/json",
			body:        `{"a":`,
			wantStatus:  http.StatusBadRequest,
			wantBody:    "decode json body",
			outcome:     OutcomeInvalid,
		},
		{
			name:       "converter fault",
			conv:       &stubConverter{name: "broken", err: errors.New("boom")},
			path:       "/broken",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "convert: boom",
			outcome:    OutcomeInternalError,
		},
		{
			name: "unencodable data",
			conv: &stubConverter{name: "odd", desc: &converter.Descriptor{
				URL:    closedURL,
				Format: "form",
				Data:   42,
			}},
			path:       "/odd",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "encode form body",
			outcome:    OutcomeInternalError,
		},
		{
			name:       "connection refused",
			conv:       echo.New("http://127.0.0.1:1/"),
			path:       "/test",
			header:     map[string]string{echo.TargetHeader: closedURL + "/x"},
			body:       "hi",
			wantStatus: http.StatusInternalServerError,
			wantBody:   closedURL + "/x",
			outcome:    OutcomeUpstreamError,
		},
		{
			name:       "unsupported scheme",
			conv:       echo.New("http://127.0.0.1:1/"),
			path:       "/test",
			header:     map[string]string{echo.TargetHeader: "ftp://example.com/file"},
			body:       "hi",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "unsupported protocol scheme",
			outcome:    OutcomeUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(tt.conv)
			name := tt.conv.Name()
			before := testutil.CounterValue(t, metrics.RequestsTotal, name, string(tt.outcome))

			rec := do(t, h, http.MethodPost, tt.path, tt.contentType, tt.body, tt.header)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
			if got := testutil.CounterValue(t, metrics.RequestsTotal, name, string(tt.outcome)); got != before+1 {
				t.Errorf("requests{%s,%s} = %v, want %v", name, tt.outcome, got, before+1)
			}
		})
	}
}

func TestRelay_InvalidBodyIsExactMessage(t *testing.T) {
	h := newRouter(&stubConverter{name: "strict", err: converter.Invalid("nope")})

	rec := do(t, h, http.MethodPost, "/strict", "", "", nil)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "nope" {
		t.Errorf("got %d %q, want 400 \"nope\"", rec.Code, rec.Body.String())
	}
}

func TestRelay_ReplyOverride(t *testing.T) {
	dest := newSink(t, http.StatusInternalServerError, "text/plain", "upstream broke")
	stub := &stubConverter{name: "ack", desc: &converter.Descriptor{
		URL:    dest.URL,
		Format: "json",
		Data:   map[string]any{"forwarded": true},
		Response: &converter.Reply{
			StatusCode: http.StatusAccepted,
			Format:     "json",
			Data:       map[string]any{"queued": true},
		},
	}}
	h := newRouter(stub)

	rec := do(t, h, http.MethodPost, "/ack", "", "", nil)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if rec.Body.String() != `{"queued":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if reqs := dest.received(); len(reqs) != 1 || reqs[0].Body != `{"forwarded":true}` {
		t.Errorf("upstream requests = %+v, want one forwarded call", reqs)
	}
}

func TestRelay_ReplyOverrideDefaultsToOK(t *testing.T) {
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	stub := &stubConverter{name: "ack", desc: &converter.Descriptor{
		URL:      closedURL,
		Response: &converter.Reply{Data: "thanks"},
	}}
	h := newRouter(stub)

	rec := do(t, h, http.MethodPost, "/ack", "", "", nil)

	if rec.Code != http.StatusOK || rec.Body.String() != "thanks" {
		t.Errorf("got %d %q, want 200 \"thanks\" despite upstream failure", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// SNS flow
// =============================================================================

func TestRelay_SNSSubscriptionConfirmation(t *testing.T) {
	chat := newSink(t, http.StatusOK, "text/html", "ok")
	confirm := newSink(t, http.StatusForbidden, "text/xml", "<Error>denied</Error>")

	results := make(chan subscription.Result, 1)
	confirmer := subscription.NewConfirmer(confirm.Client(),
		subscription.WithLogger(discardLogger()),
		subscription.WithResults(results))
	h := newRouter(sns.New(chat.URL+"/services/", confirmer, discardLogger()))

	body := `{"Type":"SubscriptionConfirmation","TopicArn":"T","SubscribeURL":"` + confirm.URL + `/confirm?Token=abc"}`
	rec := do(t, h, http.MethodPost, "/sns2slack/T000/B000/XXXX", "text/plain; charset=UTF-8", body, map[string]string{
		"x-amz-sns-message-type": "SubscriptionConfirmation",
		"x-amz-sns-topic-arn":    "T",
	})

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("got %d %q, want chat sink's 200 \"ok\"", rec.Code, rec.Body.String())
	}

	chatReqs := chat.received()
	if len(chatReqs) != 1 {
		t.Fatalf("chat received %d requests, want 1", len(chatReqs))
	}
	if chatReqs[0].Path != "/services/T000/B000/XXXX" {
		t.Errorf("chat path = %q", chatReqs[0].Path)
	}
	if want := `{"text":"Subscribed to Amazon SNS topic \"T\"."}`; chatReqs[0].Body != want {
		t.Errorf("chat body = %q, want %q", chatReqs[0].Body, want)
	}

	select {
	case res := <-results:
		if res.OK() || res.StatusCode != http.StatusForbidden {
			t.Errorf("confirmation result = %+v, want rejected 403", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no confirmation result")
	}

	confirmReqs := confirm.received()
	if len(confirmReqs) != 1 || confirmReqs[0].Method != http.MethodGet || confirmReqs[0].Path != "/confirm" {
		t.Errorf("confirmation requests = %+v, want one GET /confirm", confirmReqs)
	}
}

func TestRelay_SNSNotificationAndIgnoredType(t *testing.T) {
	chat := newSink(t, http.StatusOK, "", "ok")
	h := newRouter(sns.New(chat.URL+"/", nil, discardLogger()))

	rec := do(t, h, http.MethodPost, "/sns2slack/hook", "application/json",
		`{"Type":"Notification","Subject":"S","Message":"M"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/sns2slack/hook", "application/json", `{"Type":"Other"}`, nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("ignored type got %d %q, want 200 empty", rec.Code, rec.Body.String())
	}

	reqs := chat.received()
	if len(reqs) != 1 {
		t.Fatalf("chat received %d requests, want 1", len(reqs))
	}
	if reqs[0].Body != `{"text":"S\n\nM"}` {
		t.Errorf("chat body = %q", reqs[0].Body)
	}
}

func TestRelay_SNSInvalidBody(t *testing.T) {
	h := newRouter(sns.New("http://127.0.0.1:1/", nil, discardLogger()))

	rec := do(t, h, http.MethodPost, "/sns2slack/hook", "text/plain", "not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected diagnostic body")
	}
}

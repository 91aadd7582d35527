// Package sns converts Amazon SNS HTTP(S) deliveries into chat webhook
// messages.
//
// SNS posts three message types to a subscribed endpoint. Notifications are
// rendered as chat text, subscription and unsubscription confirmations are
// announced, and a SubscriptionConfirmation also triggers the GET to its
// SubscribeURL that activates the subscription. Any other type is ignored.
package sns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/webhook-relay/internal/converter"
)

// Name is the path segment routed to this converter.
const Name = "sns2slack"

// Headers set by SNS on every delivery.
const (
	HeaderMessageType = "X-Amz-Sns-Message-Type"
	HeaderTopicArn    = "X-Amz-Sns-Topic-Arn"
)

// Message types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

const unidentifiedRule = "-------------------------"

// Confirmer activates a subscription by calling its SubscribeURL.
// Confirm must not block on the call.
type Confirmer interface {
	Confirm(ctx context.Context, topicArn, subscribeURL string)
}

// Converter turns SNS deliveries into chat webhook calls.
type Converter struct {
	webhookBase string
	confirmer   Confirmer
	logger      *slog.Logger
}

// New creates the converter. The destination of every call is webhookBase
// followed by the path segments after the converter name.
func New(webhookBase string, confirmer Confirmer, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		webhookBase: webhookBase,
		confirmer:   confirmer,
		logger:      logger,
	}
}

func (c *Converter) Name() string {
	return Name
}

func (c *Converter) Convert(ctx context.Context, in *converter.Input) (*converter.Descriptor, error) {
	env, err := envelopeFrom(in.Data)
	if err != nil {
		return nil, err
	}

	msgType := in.Header.Get(HeaderMessageType)
	if msgType == "" {
		msgType = env.messageType()
	}
	topicArn := in.Header.Get(HeaderTopicArn)
	if topicArn == "" {
		topicArn = env.str("TopicArn")
	}

	url := c.webhookBase + in.Suffix()

	switch msgType {
	case TypeUnsubscribeConfirmation:
		return chatMessage(url, `Unsubscribed from Amazon SNS topic "`+topicArn+`".`), nil

	case TypeSubscriptionConfirmation:
		subscribeURL := env.str("SubscribeURL")
		if subscribeURL == "" {
			return nil, converter.Invalid("SubscriptionConfirmation for topic %q has no SubscribeURL", topicArn)
		}
		if c.confirmer != nil {
			c.confirmer.Confirm(ctx, topicArn, subscribeURL)
		}
		return chatMessage(url, `Subscribed to Amazon SNS topic "`+topicArn+`".`), nil

	case TypeNotification:
		subject := env.str("Subject")
		message := env.str("Message")
		switch {
		case subject != "" && message != "":
			return chatMessage(url, subject+"\n\n"+message), nil
		case subject != "" || message != "":
			return chatMessage(url, subject+message), nil
		}
		return chatMessage(url, unidentified(env)), nil
	}

	c.logger.DebugContext(ctx, "ignoring SNS message", slog.String("type", msgType), slog.String("topic_arn", topicArn))
	return nil, nil
}

func chatMessage(url, text string) *converter.Descriptor {
	return &converter.Descriptor{
		URL:    url,
		Format: "json",
		Data:   map[string]any{"text": text},
	}
}

// unidentified wraps the whole payload so that notifications without a
// subject or message still reach the channel.
func unidentified(env envelope) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]any(env))

	return "[Unidentified Notification]\n" + unidentifiedRule + "\n\n" +
		string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))) + "\n" + unidentifiedRule
}

type envelope map[string]any

// envelopeFrom accepts an already-decoded JSON object, or raw text holding
// one: SNS delivers its JSON with a text/plain content type.
func envelopeFrom(data any) (envelope, error) {
	var raw []byte
	switch d := data.(type) {
	case map[string]any:
		return envelope(d), nil
	case string:
		raw = []byte(d)
	case []byte:
		raw = d
	default:
		return nil, converter.Invalid("SNS payload must be a JSON object, got %T", data)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, converter.Invalid("SNS payload is not a JSON object: %v", err)
	}
	if m == nil {
		return nil, converter.Invalid("SNS payload is not a JSON object")
	}
	return envelope(m), nil
}

func (e envelope) messageType() string {
	if t := e.str("Type"); t != "" {
		return t
	}
	return e.str("type")
}

// str returns a field as text. Non-string values are rendered as JSON.
func (e envelope) str(key string) string {
	switch v := e[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

var _ converter.Converter = (*Converter)(nil)

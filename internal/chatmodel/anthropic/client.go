// Package anthropic provides a chatmodel.ChatModel backed by the Anthropic
// Claude Messages API. It translates requests into anthropic.Message calls
// using github.com/anthropics/anthropic-sdk-go and streams text deltas back
// through the caller's token callback.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/chatmodel"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a stub in tests.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter.
type Options struct {
	// DefaultModel is used when Request.Model is empty and ModelClass does
	// not select another tier.
	DefaultModel string
	// HighModel serves ModelClass "high"; SmallModel serves "small". Either
	// may be empty, in which case DefaultModel is used.
	HighModel  string
	SmallModel string
	// MaxTokens is the default completion cap when a request does not set one.
	MaxTokens int
}

// Client implements chatmodel.ChatModel on top of Anthropic Claude Messages.
type Client struct {
	msg  MessagesClient
	opts Options
}

// New builds an Anthropic-backed chat model from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, amonerr.New(amonerr.ModelAuthFailed, "", "anthropic api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, opts)
}

func (c *Client) pickModel(req chatmodel.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case "high":
		if c.opts.HighModel != "" {
			return c.opts.HighModel
		}
	case "small":
		if c.opts.SmallModel != "" {
			return c.opts.SmallModel
		}
	}
	return c.opts.DefaultModel
}

// Stream invokes the Messages API with streaming enabled and forwards each
// text delta to onToken.
func (c *Client) Stream(ctx context.Context, req chatmodel.Request, onToken func(string) error) (chatmodel.Response, error) {
	if len(req.Messages) == 0 {
		return chatmodel.Response{}, errors.New("messages are required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.pickModel(req)),
		MaxTokens: int64(c.opts.MaxTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case chatmodel.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Text})
		case chatmodel.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}

	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text  strings.Builder
		usage chatmodel.Usage
	)
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens = ev.Message.Usage.InputTokens
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				text.WriteString(delta.Text)
				if onToken != nil {
					if err := onToken(delta.Text); err != nil {
						return chatmodel.Response{}, err
					}
				}
			}
		case sdk.MessageDeltaEvent:
			usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	if err := stream.Err(); err != nil {
		return chatmodel.Response{}, classify(err)
	}
	if err := ctx.Err(); err != nil {
		return chatmodel.Response{}, amonerr.Wrap(amonerr.Cancelled, "", "anthropic stream cancelled", err)
	}
	return chatmodel.Response{Text: text.String(), Usage: usage}, nil
}

// classify maps SDK errors onto the closed error taxonomy so retry logic can
// distinguish auth failures (terminal) from rate limits (retryable).
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return amonerr.Wrap(amonerr.ModelAuthFailed, "", "anthropic auth", err)
		case http.StatusTooManyRequests:
			return amonerr.Wrap(amonerr.ModelRateLimit, "", "anthropic rate limit", err)
		}
	}
	return err
}

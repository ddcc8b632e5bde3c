// Package openai provides a chatmodel.ChatModel backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go with streaming enabled.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/chatmodel"
)

// CompletionsClient captures the subset of the OpenAI SDK used by the adapter.
type CompletionsClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
}

// Client implements chatmodel.ChatModel via OpenAI Chat Completions.
type Client struct {
	chat CompletionsClient
	opts Options
}

// New builds an OpenAI-backed chat model.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai completions client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, opts: opts}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP transport,
// reading OPENAI_API_KEY-style credentials supplied by the caller.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, amonerr.New(amonerr.ModelAuthFailed, "", "openai api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, opts)
}

// Stream invokes the Chat Completions API with streaming enabled and forwards
// each content delta to onToken.
func (c *Client) Stream(ctx context.Context, req chatmodel.Request, onToken func(string) error) (chatmodel.Response, error) {
	if len(req.Messages) == 0 {
		return chatmodel.Response{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(modelID)}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	} else if c.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(c.opts.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case chatmodel.RoleSystem:
			params.Messages = append(params.Messages, sdk.SystemMessage(m.Text))
		case chatmodel.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(m.Text))
		default:
			params.Messages = append(params.Messages, sdk.UserMessage(m.Text))
		}
	}

	stream := c.chat.NewStreaming(ctx, params)
	defer stream.Close()

	acc := sdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" || onToken == nil {
			continue
		}
		if err := onToken(delta); err != nil {
			return chatmodel.Response{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return chatmodel.Response{}, classify(err)
	}
	if err := ctx.Err(); err != nil {
		return chatmodel.Response{}, amonerr.Wrap(amonerr.Cancelled, "", "openai stream cancelled", err)
	}
	resp := chatmodel.Response{
		Usage: chatmodel.Usage{
			InputTokens:  acc.Usage.PromptTokens,
			OutputTokens: acc.Usage.CompletionTokens,
		},
	}
	if len(acc.Choices) > 0 {
		resp.Text = acc.Choices[0].Message.Content
	}
	return resp, nil
}

func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return amonerr.Wrap(amonerr.ModelAuthFailed, "", "openai auth", err)
		case http.StatusTooManyRequests:
			return amonerr.Wrap(amonerr.ModelRateLimit, "", "openai rate limit", err)
		}
	}
	return err
}

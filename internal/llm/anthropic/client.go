// Package anthropic implements the llm.Client interface over the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"conductor/internal/config"
	"conductor/internal/llm"
)

const defaultMaxTokens int64 = 4096

type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

func New(cfg config.AnthropicConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: cfg.Model, maxTokens: maxTokens}
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

// adaptMessages splits system messages from the turn list; Anthropic takes
// the system prompt as a separate parameter.
func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var sys []anthropic.TextBlockParam
	converted := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		content := m.Flatten()
		switch strings.ToLower(m.Role) {
		case "system":
			sys = append(sys, anthropic.TextBlockParam{Text: content})
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	return sys, converted
}

func (c *Client) buildParams(msgs []llm.Message, opts llm.ChatOptions) anthropic.MessageNewParams {
	sys, converted := adaptMessages(msgs)
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(opts.Model)),
		Messages:  converted,
		System:    sys,
		MaxTokens: maxTokens,
	}
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, *llm.Usage, error) {
	params := c.buildParams(msgs, opts)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", time.Since(start)).Msg("anthropic_chat_error")
		return "", nil, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	usage := &llm.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", time.Since(start)).
		Int("total_tokens", usage.TotalTokens).
		Msg("anthropic_chat_ok")
	return sb.String(), usage, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions, h llm.StreamHandler) error {
	params := c.buildParams(msgs, opts)

	start := time.Now()
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		event := stream.Current()
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" && h != nil {
				h.OnDelta(delta.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", time.Since(start)).Msg("anthropic_stream_error")
		return err
	}
	log.Debug().Str("model", string(params.Model)).Dur("duration", time.Since(start)).Msg("anthropic_stream_ok")
	return nil
}

// Package openai implements the llm.Client interface over the OpenAI chat
// completions API (and any OpenAI-compatible endpoint via base_url).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/rs/zerolog/log"

	"conductor/internal/config"
	"conductor/internal/llm"
)

type Client struct {
	sdk   sdk.Client
	model string
}

func New(cfg config.OpenAIConfig, httpClient *http.Client) *Client {
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
	return &Client{sdk: sdk.NewClient(opts...), model: cfg.Model}
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

// adaptMessages converts runtime messages into SDK params. Structured parts
// are flattened; the providers see plain text with inlined image references.
func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		content := m.Flatten()
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, sdk.SystemMessage(content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(content))
		default:
			out = append(out, sdk.UserMessage(content))
		}
	}
	return out
}

func (c *Client) buildParams(msgs []llm.Message, opts llm.ChatOptions) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.pickModel(opts.Model)),
		Messages: adaptMessages(msgs),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	return params
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, *llm.Usage, error) {
	params := c.buildParams(msgs, opts)

	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", time.Since(start)).Msg("openai_chat_error")
		return "", nil, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("no choices in completion response")
	}

	usage := &llm.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", time.Since(start)).
		Int("total_tokens", usage.TotalTokens).
		Msg("openai_chat_ok")
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions, h llm.StreamHandler) error {
	params := c.buildParams(msgs, opts)
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var totalTokens int
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			// The final chunk carries usage and no choices.
			if chunk.JSON.Usage.Valid() && chunk.JSON.Usage.Raw() != "null" {
				totalTokens = int(chunk.Usage.TotalTokens)
			}
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && h != nil {
			h.OnDelta(delta)
		}
	}

	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", time.Since(start)).Msg("openai_stream_error")
		return err
	}
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", time.Since(start)).
		Int("total_tokens", totalTokens).
		Msg("openai_stream_ok")
	return nil
}

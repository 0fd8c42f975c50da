package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient calls the Chat Completions API (or any compatible endpoint).
type OpenAIClient struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIClient creates an OpenAI chat client. baseURL may be empty.
// SDK-level retries are disabled; failed entries are redelivered by the bus.
func NewOpenAIClient(apiKey, baseURL, defaultModel string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), defaultModel: defaultModel}
}

func (c *OpenAIClient) Provider() string { return "openai" }

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	system, turns := systemAndTurns(req.Messages)
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if len(system) > 0 {
		msgs = append(msgs, openai.SystemMessage(strings.Join(system, "\n\n")))
	}
	for _, t := range turns {
		if t.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            msgs,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, classify(c.Provider(), apiErr.StatusCode, err)
		}
		return Response{}, classify(c.Provider(), 0, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

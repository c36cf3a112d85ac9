// Package openai provides the OpenAI client for the llm interface plus the
// embedding client backing history retrieval.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"boardroom/pkg/config"
	"boardroom/pkg/llm"
)

// Client wraps the official OpenAI Go client to implement llm.Client.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates an OpenAI client with a default model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements llm.Client.
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	model := o.model
	if in.Model != "" {
		model = in.Model
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(in.MaxTokens)),
		Temperature:         openai.Float(float64(in.Temperature)),
	})
	if err != nil {
		return llm.CompletionResponse{}, llm.Classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse,
			"empty response from OpenAI API")
	}

	return llm.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// EmbeddingClient produces fixed-dimension embedding vectors for history
// similarity search.
type EmbeddingClient struct {
	client openai.Client
	model  string
}

// NewEmbeddingClient creates an embedding client. An empty model selects
// the default embedding model.
func NewEmbeddingClient(apiKey, model string) *EmbeddingClient {
	if model == "" {
		model = config.ModelOpenAIEmbed
	}
	return &EmbeddingClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Embed implements llm.Embedder.
func (e *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      e.model,
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Dimensions: openai.Int(config.EmbeddingDimension),
	})
	if err != nil {
		return nil, llm.Classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, llm.NewError(llm.ErrorTypeEmptyResponse, "empty embedding response")
	}
	raw := resp.Data[0].Embedding
	if len(raw) != config.EmbeddingDimension {
		return nil, fmt.Errorf("unexpected embedding dimension: %d", len(raw))
	}
	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}
	return vec, nil
}

// Package google provides the Gemini API client for the llm interface.
package google

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"boardroom/pkg/llm"
)

// Client wraps the Google GenAI client to implement llm.Client. The
// underlying client needs a context to construct, so it is created lazily
// on the first call.
type Client struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// NewClient creates a Gemini client with a default model.
func NewClient(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

func (g *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llm.NewErrorWithCause(llm.ErrorTypeTransient, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete implements llm.Client.
func (g *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, systemInstruction, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeBadPrompt,
			fmt.Sprintf("message conversion error: %v", err))
	}

	//nolint:gosec // MaxTokens validated at higher layer
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	model := g.model
	if in.Model != "" {
		model = in.Model
	}
	result, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, llm.Classify(err)
	}
	if result == nil || result.Text() == "" {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse,
			"empty response from Gemini API")
	}

	resp := llm.CompletionResponse{Content: result.Text()}
	if result.UsageMetadata != nil {
		resp.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

// convertMessages maps our roles onto Gemini's user/model roles, extracting
// system messages into the system instruction.
func convertMessages(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Content
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, systemInstruction, nil
}

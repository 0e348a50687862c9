// Package llm abstracts the text-generation calls made by the evaluator
// (judge) and the optimizer (prompt writer). The concrete client talks to
// the Gemini API; tests substitute a stub.
package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Client generates a completion for a prompt on a named model.
type Client interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// GenAIClient is the Gemini-backed implementation.
type GenAIClient struct {
	client       *genai.Client
	defaultModel string
}

// NewGenAIClient creates a client. defaultModel applies when a call passes
// an empty model name.
func NewGenAIClient(ctx context.Context, apiKey, defaultModel string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, defaultModel: defaultModel}, nil
}

// Generate runs one completion and returns the concatenated text parts.
func (c *GenAIClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	result, err := c.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("no candidates returned")
	}

	var text string
	for _, part := range result.Candidates[0].Content.Parts {
		text += part.Text
	}
	if text == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}

// Close releases the underlying client.
func (c *GenAIClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

package planner

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient is the default LLMClient, grounded on the teacher's
// config.go/agent.go client construction and Chat call shape. It is one of
// several possible LLMClient implementations; tests use a scripted fake
// instead (spec.md §1 treats the LLM as an external collaborator).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds an LLMClient against the OpenAI API (or an
// OpenAI-compatible endpoint when baseURL is set, mirroring the teacher's
// Ollama-via-OpenAI-compat-endpoint support).
func NewOpenAIClient(model, apiKey, baseURL string) (*OpenAIClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &OpenAIClient{client: &c, model: model}, nil
}

func (o *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)})
}

func (o *OpenAIClient) Repair(ctx context.Context, prompt, lastCandidate, validationError string) (string, error) {
	repairPrompt := fmt.Sprintf(
		"%s\n\nYour previous candidate was invalid:\n%s\n\nValidation error:\n%s\n\nReturn ONLY a corrected JSON DAG, no extra text.",
		prompt, lastCandidate, validationError,
	)
	return o.complete(ctx, []openai.ChatCompletionMessageParamUnion{openai.UserMessage(repairPrompt)})
}

func (o *OpenAIClient) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(o.model),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

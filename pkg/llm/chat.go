package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/kestrelab/docqa/internal/models"
)

// DefaultSystemTemplate instructs the model to answer from the
// provided context only.
const DefaultSystemTemplate = "Use the following pieces of context to answer the question at the end. " +
	"If you don't know the answer, just say that you don't know, don't try to make up an answer."

// ChatConfig configures a ChatEngine.
type ChatConfig struct {
	Provider       string
	Model          string
	BaseURL        string
	APIKey         string
	MaxTokens      int
	Temperature    float64
	SystemTemplate string
}

// ChatEngine generates answers conditioned on retrieved chunks.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewChatEngine validates the configuration and connects the provider
// model.
func NewChatEngine(config ChatConfig) (*ChatEngine, error) {
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, models.NewConfigError("llm.temperature", "must be between 0 and 2, got %g", config.Temperature)
	}
	if config.MaxTokens < 0 {
		return nil, models.NewConfigError("llm.max_tokens", "must not be negative, got %d", config.MaxTokens)
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = DefaultSystemTemplate
	}

	var model llms.Model
	switch config.Provider {
	case "ollama":
		m, err := ollama.New(
			ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize ollama model: %w", err)
		}
		model = m
	case "openai":
		m, err := openai.New(
			openai.WithToken(config.APIKey),
			openai.WithModel(config.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize openai model: %w", err)
		}
		model = m
	default:
		return nil, models.NewConfigError("llm.provider", "unknown chat provider %q", config.Provider)
	}

	return &ChatEngine{config: config, llm: model}, nil
}

// Generate answers question from the evidence chunks. Provider
// failures come back wrapped in the answerer error taxonomy.
func (ce *ChatEngine) Generate(ctx context.Context, question string, evidence []models.Chunk) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(schema.ChatMessageTypeHuman, BuildPrompt(question, evidence)),
	}

	resp, err := ce.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature),
	)
	if err != nil {
		return "", classifyGenerationError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: provider returned no choices", models.ErrAnswerer)
	}
	return resp.Choices[0].Content, nil
}

// GenerateStream is Generate with incremental delivery: onToken is
// called for each content fragment as the provider produces it. The
// complete answer is still returned at the end.
func (ce *ChatEngine) GenerateStream(ctx context.Context, question string, evidence []models.Chunk, onToken func(token string)) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(schema.ChatMessageTypeHuman, BuildPrompt(question, evidence)),
	}

	var b strings.Builder
	resp, err := ce.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			b.Write(chunk)
			onToken(string(chunk))
			return nil
		}),
	)
	if err != nil {
		return "", classifyGenerationError(err)
	}
	if b.Len() > 0 {
		return b.String(), nil
	}
	// Providers without streaming support fall back to one final
	// response.
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: provider returned no choices", models.ErrAnswerer)
	}
	answer := resp.Choices[0].Content
	onToken(answer)
	return answer, nil
}

// BuildPrompt renders the retrieval context and the question into the
// user message. Each context piece is labelled with its source so the
// model can cite it.
func BuildPrompt(question string, evidence []models.Chunk) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, chunk := range evidence {
		fmt.Fprintf(&b, "[%s, unit %d, chunk %d]\n%s\n\n", chunk.SourceID, chunk.UnitIndex, chunk.Seq, chunk.Text)
	}
	fmt.Fprintf(&b, "Question: %s\n\nAnswer:", question)
	return b.String()
}

// classifyGenerationError maps provider failures onto the typed
// answerer errors. The string checks are a best effort across
// providers that do not expose structured errors.
func classifyGenerationError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "401"):
		return fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrAnswerer, err)
}

package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nebulagrowth/nebulad/internal/analytics"
	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/logging"
)

// Completer produces one text completion for one prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Generator turns retrieval context into growth opportunities.
type Generator interface {
	GenerateOpportunities(ctx context.Context, rctx Context, insights *analytics.Insights) ([]Opportunity, error)
	AnswerBlock(ctx context.Context, question, pageContext string, keywords []string) (string, error)
	FAQSchema(ctx context.Context, questions []string, pageContext string) (map[string]any, error)
	Available() bool
}

// NewGenerator creates a generator for the configured provider.
func NewGenerator(cfg config.LLMConfig, logger *logging.Logger) (Generator, error) {
	if cfg.Provider == "disabled" {
		return &NoOpGenerator{}, nil
	}

	providerCfg, ok := cfg.Providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", cfg.Provider)
	}

	var (
		completer Completer
		err       error
	)
	switch cfg.Provider {
	case "anthropic":
		completer, err = newAnthropicClient(providerCfg)
	case "openai":
		completer, err = newOpenAIClient(providerCfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewLLMGenerator(completer, logger), nil
}

// LLMGenerator prompts a Completer and parses its responses.
type LLMGenerator struct {
	completer Completer
	logger    *logging.Logger
}

// NewLLMGenerator wraps a Completer. Tests pass a fake.
func NewLLMGenerator(completer Completer, logger *logging.Logger) *LLMGenerator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LLMGenerator{completer: completer, logger: logger}
}

// Available reports whether a model backs this generator.
func (g *LLMGenerator) Available() bool { return true }

// GenerateOpportunities prompts for 3-5 opportunities from the context.
// An unparseable response yields an empty slice, not an error; only
// the completion call itself can fail.
func (g *LLMGenerator) GenerateOpportunities(ctx context.Context, rctx Context, insights *analytics.Insights) ([]Opportunity, error) {
	prompt := buildOpportunityPrompt(rctx, insights)

	response, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("opportunity generation failed: %w", err)
	}

	opps := ParseOpportunities(response)
	if len(opps) == 0 {
		g.logger.Warn(ctx, "no opportunities parsed from model response",
			zap.Int("response_len", len(response)),
		)
	}
	return opps, nil
}

// AnswerBlock generates one SEO answer block as an HTML fragment.
func (g *LLMGenerator) AnswerBlock(ctx context.Context, question, pageContext string, keywords []string) (string, error) {
	prompt := buildAnswerBlockPrompt(question, pageContext, keywords)

	response, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("answer block generation failed: %w", err)
	}
	return strings.TrimSpace(response), nil
}

// FAQSchema generates a schema.org FAQ JSON-LD object. An unparseable
// response yields an empty map.
func (g *LLMGenerator) FAQSchema(ctx context.Context, questions []string, pageContext string) (map[string]any, error) {
	prompt := buildFAQSchemaPrompt(questions, pageContext)

	response, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("faq schema generation failed: %w", err)
	}
	return ParseFAQSchema(response), nil
}

// NoOpGenerator is used when generation is disabled.
type NoOpGenerator struct{}

func (n *NoOpGenerator) GenerateOpportunities(ctx context.Context, rctx Context, insights *analytics.Insights) ([]Opportunity, error) {
	return []Opportunity{}, nil
}

func (n *NoOpGenerator) AnswerBlock(ctx context.Context, question, pageContext string, keywords []string) (string, error) {
	return "", nil
}

func (n *NoOpGenerator) FAQSchema(ctx context.Context, questions []string, pageContext string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (n *NoOpGenerator) Available() bool { return false }

var (
	_ Generator = (*LLMGenerator)(nil)
	_ Generator = (*NoOpGenerator)(nil)
	_ Completer = (*anthropicClient)(nil)
	_ Completer = (*openAIClient)(nil)
)

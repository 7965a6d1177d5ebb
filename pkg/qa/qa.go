package qa

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/vision-qa/pkg/client"
)

// DefaultAnswerCeiling caps the token budget of a question answer
const DefaultAnswerCeiling = 400

// answerPrefix is prepended to the user's question
const answerPrefix = "Answer clearly and concisely based ONLY on the image. Question: "

// SummaryPrompt asks for a long-form two paragraph description of the image
const SummaryPrompt = "You are an expert vision describer. Look ONLY at the image. " +
	"Write a detailed description in EXACTLY TWO PARAGRAPHS totaling AT LEAST 500 words. " +
	"Be precise about objects, layout, colors, lighting, background, relationships, and possible context. " +
	"Avoid speculation beyond what is visible. Do not include lists or headings; use natural prose."

// AnswerPrompt builds the prompt for a question about the image
func AnswerPrompt(question string) string {
	return answerPrefix + question
}

// Service runs the two user actions against a vision model
type Service struct {
	gen           client.Generator
	answerCeiling int
	logger        zerolog.Logger
}

// NewService creates a service with the default answer ceiling
func NewService(gen client.Generator, logger zerolog.Logger) *Service {
	return NewServiceWithCeiling(gen, DefaultAnswerCeiling, logger)
}

// NewServiceWithCeiling creates a service with a custom answer ceiling.
// A non-positive ceiling falls back to DefaultAnswerCeiling.
func NewServiceWithCeiling(gen client.Generator, ceiling int, logger zerolog.Logger) *Service {
	if ceiling <= 0 {
		ceiling = DefaultAnswerCeiling
	}
	return &Service{gen: gen, answerCeiling: ceiling, logger: logger}
}

// AnswerBudget returns the token budget used for an answer given the configured maximum
func (s *Service) AnswerBudget(maxTokens int) int {
	return min(s.answerCeiling, maxTokens)
}

// Answer asks a question about the image
func (s *Service) Answer(ctx context.Context, model, question string, image []byte, maxTokens int) (string, error) {
	return s.run(ctx, "answer", model, AnswerPrompt(question), image, s.AnswerBudget(maxTokens))
}

// Summarize requests a long-form description using the full token budget
func (s *Service) Summarize(ctx context.Context, model string, image []byte, maxTokens int) (string, error) {
	return s.run(ctx, "summarize", model, SummaryPrompt, image, maxTokens)
}

func (s *Service) run(ctx context.Context, action, model, prompt string, image []byte, budget int) (string, error) {
	start := time.Now()
	text, err := s.gen.Generate(ctx, model, prompt, image, budget)
	if err != nil {
		s.logger.Error().Err(err).
			Str("action", action).
			Str("model", model).
			Int("num_predict", budget).
			Msg("vision request failed")
		return "", err
	}

	s.logger.Info().
		Str("action", action).
		Str("model", model).
		Int("num_predict", budget).
		Dur("took", time.Since(start)).
		Msg("vision request completed")
	return text, nil
}

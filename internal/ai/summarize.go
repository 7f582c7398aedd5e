package ai

import (
	"context"
	"fmt"
	"strings"
)

const summaryPrompt = `Summarize the following text clearly and concisely.
Preserve only the key ideas and critical information.
Do not add your own opinions or details.
Output should be in 3 to 5 bullet points.

Text:
%s`

// SummaryPrompt renders the summarization prompt for text.
func SummaryPrompt(text string) string {
	return fmt.Sprintf(summaryPrompt, text)
}

// Summarize asks the model for a 3 to 5 bullet point summary of text.
func (s *Service) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("summarize: empty text")
	}
	out, err := s.Generate(ctx, SummaryPrompt(text))
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	return strings.TrimSpace(out), nil
}

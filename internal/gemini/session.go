package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

// Session is one Gemini chat. The SDK keeps the history; calls must not
// overlap, which the conversation controller guarantees.
type Session struct {
	chat *genai.ChatSession
}

// SendMessage sends one user turn and returns the reply text as produced.
// On failure the history is rolled back so a retry starts from the last
// completed exchange; the SDK records the user turn before the request.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	n := len(s.chat.History)
	resp, err := s.chat.SendMessage(ctx, genai.Text(text))
	if err != nil {
		s.rollback(n)
		return "", fmt.Errorf("gemini: send message: %w", err)
	}
	reply, err := ResponseText(resp)
	if err != nil {
		s.rollback(n)
		return "", err
	}
	return reply, nil
}

func (s *Session) rollback(n int) {
	if len(s.chat.History) > n {
		s.chat.History = s.chat.History[:n]
	}
}

// HistoryLen returns the number of turns the SDK holds for this chat.
func (s *Session) HistoryLen() int {
	return len(s.chat.History)
}

// ResponseText joins the text parts of the first candidate. The text is not
// trimmed or otherwise rewritten.
func ResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("%w: prompt blocked (%s)", ErrNoCandidates, resp.PromptFeedback.BlockReason)
		}
		return "", ErrNoCandidates
	}

	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		if candidate != nil && candidate.FinishReason != genai.FinishReasonUnspecified {
			return "", fmt.Errorf("%w: finish reason %s", ErrEmptyContent, candidate.FinishReason)
		}
		return "", ErrEmptyContent
	}

	var b strings.Builder
	found := false
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
			found = true
		}
	}
	if !found {
		return "", ErrEmptyContent
	}
	return b.String(), nil
}

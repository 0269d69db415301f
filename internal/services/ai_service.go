package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ajramos/gizreply/internal/config"
	"github.com/ajramos/gizreply/internal/llm"
)

// AIServiceImpl implements ReplyGenerator on top of an LLM provider
type AIServiceImpl struct {
	provider     llm.Provider
	prompt       string
	maxBodyChars int
	timeout      time.Duration
}

// NewAIService creates a new AI service
func NewAIService(provider llm.Provider, cfg *config.Config) *AIServiceImpl {
	s := &AIServiceImpl{provider: provider, prompt: config.DefaultReplyPrompt, maxBodyChars: 8000}
	if cfg != nil {
		s.prompt = cfg.LLM.GetReplyPrompt()
		if cfg.LLM.MaxBodyChars > 0 {
			s.maxBodyChars = cfg.LLM.MaxBodyChars
		}
		s.timeout = cfg.GetLLMTimeout()
	}
	return s
}

// Available reports whether a provider is configured
func (s *AIServiceImpl) Available() bool {
	return s.provider != nil
}

// Reachable asks the provider whether it answers. Providers without a
// health check count as reachable once configured.
func (s *AIServiceImpl) Reachable(ctx context.Context) bool {
	if s.provider == nil {
		return false
	}
	if p, ok := s.provider.(interface{ IsAvailable(context.Context) bool }); ok {
		return p.IsAvailable(ctx)
	}
	return true
}

// GenerateReply builds the reply prompt around body and asks the provider
func (s *AIServiceImpl) GenerateReply(ctx context.Context, body string) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("%w: AI provider not available", ErrGeneration)
	}

	if s.maxBodyChars > 0 && len([]rune(body)) > s.maxBodyChars {
		body = string([]rune(body)[:s.maxBodyChars])
	}

	prompt := s.prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = config.DefaultReplyPrompt
	}
	if strings.Contains(prompt, "{{body}}") {
		prompt = strings.ReplaceAll(prompt, "{{body}}", body)
	} else {
		prompt = prompt + "\n\n" + body
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	reply, err := s.provider.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrGeneration, s.provider.Name(), err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply from %s", ErrGeneration, s.provider.Name())
	}
	return reply, nil
}

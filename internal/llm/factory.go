package llm

import (
	"fmt"
	"strings"
	"time"
)

// NewProviderFromConfig creates a Provider from config fields
func NewProviderFromConfig(provider, endpoint, model, region string, timeout time.Duration) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "ollama", "":
		if strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("ollama endpoint is required")
		}
		return NewClient(endpoint, model, timeout), nil
	case "bedrock":
		b, err := NewBedrock(region, model, timeout)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", provider)
	}
}

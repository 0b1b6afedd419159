// Package llm is the model boundary: one blocking call that takes a system
// prompt and a user prompt and returns the raw response text.
package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Completer sends one prompt pair to a model and returns the response text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config selects and configures a provider.
type Config struct {
	Provider        string
	APIKey          string
	Model           string
	BaseURL         string
	MaxOutputTokens int
	Timeout         time.Duration
	MaxAttempts     int
}

// New builds the configured provider wrapped in retry handling. stats may be nil.
func New(cfg Config, stats *Stats) (*Retrying, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	var base Completer
	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic, "":
		base = NewAnthropicClient(cfg)
	case ProviderGemini:
		base = NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (supported: anthropic, gemini)", cfg.Provider)
	}
	return NewRetrying(base, cfg.MaxAttempts, stats), nil
}

var fencedRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")

// ExtractFenced returns the body of the first fenced code block in s, with
// any language tag dropped. Without a fence it returns s trimmed.
func ExtractFenced(s string) string {
	if m := fencedRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Truncate shortens s to n bytes for error messages and log fields.
func Truncate(s string, n int) string {
	return truncate(s, n)
}

package agent

import (
	"errors"
	"strings"

	"github.com/carecloud/agentd/pkg/classify"
	"github.com/carecloud/agentd/pkg/retrieval"
	"github.com/carecloud/agentd/pkg/tools"
)

var (
	// ErrUpstreamTimeout is returned when the model provider does not
	// answer within the time budget, after retrying.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrToolLoopExceeded is returned when the tool-call loop reaches
	// its iteration cap without producing a final answer.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
)

// Request is one query to execute against an agent variant.
type Request struct {
	SessionID string `json:"session_id"`
	QueryText string `json:"query_text"`
	AgentHint string `json:"agent_hint,omitempty"`
}

// Response is the outcome of a completed query.
type Response struct {
	QueryID        string             `json:"query_id"`
	SessionID      string             `json:"session_id"`
	SessionCreated bool               `json:"-"`
	Variant        classify.Variant   `json:"agent_type_used"`
	Text           string             `json:"response"`
	Sources        []retrieval.Result `json:"sources,omitempty"`
	ToolCalls      []ToolCall         `json:"tool_calls,omitempty"`
	Usage          *TokenUsage        `json:"usage,omitempty"`
	Degraded       bool               `json:"degraded,omitempty"`
	PersistFailed  bool               `json:"persist_failed,omitempty"`
	ProcessingTime float64            `json:"processing_time"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message represents a message in the conversation
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolOutcome carries a tool result back into the conversation.
type ToolOutcome struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelConfig configures the model calls made for a query.
type ModelConfig struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
}

// DefaultModelConfig returns the default model configuration
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:         "gpt-4o-mini",
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxIterations: 10,
		MaxRetries:    3,
	}
}

// VariantProfile binds an agent variant to its prompt, tools and
// retrieval behavior.
type VariantProfile struct {
	Variant      classify.Variant
	SystemPrompt string
	Tools        []string
	ToolPolicy   *tools.ToolPolicy
	UseRetrieval bool
}

// IsRetryableError checks if a provider error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}

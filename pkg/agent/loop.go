package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carecloud/agentd/pkg/tools"
)

// loopState tracks where the tool-call loop is between provider turns.
type loopState int

const (
	stateGenerating loopState = iota
	stateAwaitingTool
	stateToolExecuted
	stateDone
)

func (s loopState) String() string {
	switch s {
	case stateGenerating:
		return "generating"
	case stateAwaitingTool:
		return "awaiting_tool"
	case stateToolExecuted:
		return "tool_executed"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// loopResult is the terminal output of a completed loop.
type loopResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// runToolLoop drives the provider until it answers without requesting
// tools, executing requested tools between turns. Iterations are
// bounded; hitting the cap returns ErrToolLoopExceeded.
func (e *Executor) runToolLoop(ctx context.Context, provider LLMProvider, messages []Message, toolDefs []interface{}, profile VariantProfile, cfg ModelConfig, logger zerolog.Logger) (*loopResult, error) {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	systemPrompt := ""
	for _, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			break
		}
	}

	current := messages
	allToolCalls := []ToolCall{}
	state := stateGenerating
	var usage TokenUsage

	for iteration := 0; iteration < maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// state: generating
		response, err := e.callWithRetry(ctx, provider, LLMRequest{
			Model:        cfg.Model,
			Messages:     current,
			Tools:        toolDefs,
			Temperature:  cfg.Temperature,
			MaxTokens:    cfg.MaxTokens,
			SystemPrompt: systemPrompt,
		}, cfg.MaxRetries, logger)
		if err != nil {
			return nil, err
		}

		if response.Usage != nil {
			usage.InputTokens += response.Usage.InputTokens
			usage.OutputTokens += response.Usage.OutputTokens
		}

		if len(response.ToolCalls) == 0 {
			state = stateDone
			logger.Debug().
				Int("iterations", iteration+1).
				Str("state", state.String()).
				Msg("Tool loop finished")
			return &loopResult{
				Content:   response.Content,
				ToolCalls: allToolCalls,
				Usage:     &usage,
			}, nil
		}

		state = stateAwaitingTool
		logger.Debug().
			Int("iteration", iteration).
			Int("tool_calls", len(response.ToolCalls)).
			Str("state", state.String()).
			Msg("Executing requested tools")

		outcomes := make([]ToolOutcome, 0, len(response.ToolCalls))
		for _, call := range response.ToolCalls {
			result := e.registry.Execute(ctx, call.Name, call.Parameters, &tools.ExecutionContext{
				Variant:    profile.Variant.String(),
				Timeout:    30 * time.Second,
				ToolPolicy: profile.ToolPolicy,
			})

			outcome := ToolOutcome{ToolCallID: call.ID}
			if result.Success {
				outcome.Output = fmt.Sprintf("%v", result.Output)
			} else {
				outcome.Error = result.Error
			}
			outcomes = append(outcomes, outcome)
		}
		state = stateToolExecuted

		current = append(current, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		for _, outcome := range outcomes {
			content := outcome.Output
			if outcome.Error != "" {
				content = outcome.Error
			}
			current = append(current, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: outcome.ToolCallID,
			})
		}

		allToolCalls = append(allToolCalls, response.ToolCalls...)
	}

	logger.Warn().
		Int("max_iterations", maxIterations).
		Str("state", state.String()).
		Msg("Tool loop hit the iteration cap")

	return nil, fmt.Errorf("%w: no final answer after %d iterations", ErrToolLoopExceeded, maxIterations)
}

// callWithRetry calls the provider with exponential backoff on
// retryable errors.
func (e *Executor) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, maxRetries int, logger zerolog.Logger) (*LLMResponse, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1000*(1<<attempt)) * time.Millisecond
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after provider error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the input back",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("should register and list tools", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(echoTool()))

		assert.Equal(t, 1, registry.Count())
		assert.Contains(t, registry.List(), "echo")
		assert.NotNil(t, registry.Get("echo"))
	})

	t.Run("should reject invalid definitions", func(t *testing.T) {
		registry := NewRegistry()

		err := registry.Register(ToolDefinition{Description: "no name", Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }})
		assert.Error(t, err)

		err = registry.Register(ToolDefinition{Name: "no_handler", Description: "missing handler"})
		assert.Error(t, err)

		err = registry.Register(ToolDefinition{
			Name:        "bad_type",
			Description: "bad parameter type",
			Parameters:  []ToolParameter{{Name: "x", Type: "float", Description: "x"}},
			Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
		})
		assert.Error(t, err)
	})

	t.Run("should execute a registered tool", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(echoTool()))

		result := registry.Execute(ctx, "echo", map[string]interface{}{"text": "hello"}, nil)
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "hello", result.Output)
	})

	t.Run("should treat nil params as an empty object", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(ToolDefinition{
			Name:        "ping",
			Description: "Takes no arguments",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				require.NotNil(t, params)
				return "pong", nil
			},
		}))

		result := registry.Execute(ctx, "ping", nil, nil)
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "pong", result.Output)
	})

	t.Run("should fail on unknown tool", func(t *testing.T) {
		registry := NewRegistry()

		result := registry.Execute(ctx, "missing", nil, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})

	t.Run("should validate parameters against the schema", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(echoTool()))

		result := registry.Execute(ctx, "echo", map[string]interface{}{}, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "parameter validation failed")

		result = registry.Execute(ctx, "echo", map[string]interface{}{"text": "ok", "extra": 1}, nil)
		assert.False(t, result.Success)
	})

	t.Run("should surface handler errors", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(ToolDefinition{
			Name:        "boom",
			Description: "Always fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, fmt.Errorf("kaput")
			},
		}))

		result := registry.Execute(ctx, "boom", nil, nil)
		assert.False(t, result.Success)
		assert.Equal(t, "kaput", result.Error)
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(ToolDefinition{
			Name:        "slow",
			Description: "Sleeps past the timeout",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				select {
				case <-time.After(5 * time.Second):
					return "done", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}))

		result := registry.Execute(ctx, "slow", nil, &ExecutionContext{Timeout: 50 * time.Millisecond})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "timeout")
	})

	t.Run("should truncate oversized output", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(ToolDefinition{
			Name:        "big",
			Description: "Produces a large output",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return strings.Repeat("x", 20*1024), nil
			},
		}))

		result := registry.Execute(ctx, "big", nil, nil)
		require.True(t, result.Success)
		assert.True(t, result.Truncated)
	})
}

func TestToolPolicy(t *testing.T) {
	t.Run("should allow everything without a policy", func(t *testing.T) {
		var policy *ToolPolicy
		assert.True(t, policy.IsToolAllowed("anything"))
	})

	t.Run("should deny by default with a policy", func(t *testing.T) {
		policy := &ToolPolicy{Allow: []string{"calculator"}}
		assert.True(t, policy.IsToolAllowed("calculator"))
		assert.False(t, policy.IsToolAllowed("write_file"))
	})

	t.Run("should let deny override allow", func(t *testing.T) {
		policy := &ToolPolicy{Allow: []string{"*"}, Deny: []string{"write_file"}}
		assert.True(t, policy.IsToolAllowed("read_file"))
		assert.False(t, policy.IsToolAllowed("write_file"))
	})

	t.Run("should block execution through the registry", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(echoTool()))

		execCtx := &ExecutionContext{
			Variant:    "medicine",
			ToolPolicy: &ToolPolicy{Allow: []string{"calculator"}},
		}
		result := registry.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"}, execCtx)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "not allowed")
	})
}

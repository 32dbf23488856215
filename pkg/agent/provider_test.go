package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredFields(t *testing.T) {
	t.Run("should pass string slices through", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"}, requiredFields([]string{"a", "b"}))
	})

	t.Run("should collect strings from a decoded JSON array", func(t *testing.T) {
		assert.Equal(t, []string{"path"}, requiredFields([]interface{}{"path", 7}))
	})

	t.Run("should return nothing for other shapes", func(t *testing.T) {
		assert.Nil(t, requiredFields(nil))
		assert.Nil(t, requiredFields("path"))
	})
}

func TestToAnthropicTools(t *testing.T) {
	t.Run("should carry name and required fields over", func(t *testing.T) {
		defs := []interface{}{
			map[string]interface{}{
				"name":        "calculator",
				"description": "Evaluate arithmetic",
				"input_schema": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"expression": map[string]interface{}{"type": "string"},
					},
					"required": []string{"expression"},
				},
			},
		}

		tools := toAnthropicTools(defs)
		require.Len(t, tools, 1)
		require.NotNil(t, tools[0].OfTool)
		assert.Equal(t, "calculator", tools[0].OfTool.Name)
		assert.Equal(t, []string{"expression"}, tools[0].OfTool.InputSchema.Required)
	})
}

func TestToOpenAIMessages(t *testing.T) {
	t.Run("should lead with the system prompt and skip system turns", func(t *testing.T) {
		messages, err := toOpenAIMessages(LLMRequest{
			SystemPrompt: "You are a careful assistant.",
			Messages: []Message{
				{Role: "system", Content: "already folded in"},
				{Role: "user", Content: "aspirin dosage"},
				{Role: "assistant", Content: "500mg"},
				{Role: "tool", ToolCallID: "call-1", Content: "result"},
			},
		})
		require.NoError(t, err)
		// System prompt, user, assistant and tool turns; the inline
		// system turn is dropped.
		assert.Len(t, messages, 4)
	})
}

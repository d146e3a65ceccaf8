package echo

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoServer_Echo(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"simple text", "hello"},
		{"empty string", ""},
		{"unicode", "héllo wörld 你好"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := mcp.CallToolRequest{}
			request.Params.Name = "echo"
			request.Params.Arguments = map[string]any{"text": tt.text}

			result, err := echoHandler(context.Background(), request)
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.False(t, result.IsError)

			require.Len(t, result.Content, 1)
			textContent, ok := result.Content[0].(mcp.TextContent)
			require.True(t, ok, "content should be text")
			assert.Equal(t, tt.text, textContent.Text)
		})
	}
}

func TestEchoServer_Echo_MissingText(t *testing.T) {
	request := mcp.CallToolRequest{}
	request.Params.Name = "echo"
	request.Params.Arguments = map[string]any{}

	result, err := echoHandler(context.Background(), request)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEchoServer_GreetPrompt(t *testing.T) {
	request := mcp.GetPromptRequest{}
	request.Params.Name = "greet"
	request.Params.Arguments = map[string]string{"name": "tester"}

	result, err := greetHandler(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	content, ok := result.Messages[0].Content.(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "Hello, tester!", content.Text)
}

func TestEchoServer_GreetPrompt_DefaultName(t *testing.T) {
	request := mcp.GetPromptRequest{}
	request.Params.Name = "greet"

	result, err := greetHandler(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	content, ok := result.Messages[0].Content.(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "Hello, there!", content.Text)
}

func TestNewServer(t *testing.T) {
	assert.NotNil(t, NewServer())
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reza/kapten/pkg/permission"
)

// nopWriteCloser captures frames written to the subprocess stdin.
type nopWriteCloser struct {
	bytes.Buffer
}

func (*nopWriteCloser) Close() error { return nil }

func TestBuildArgsFreshSession(t *testing.T) {
	args := BuildArgs(CLIConfig{}, Invocation{
		SessionID: "sess-1",
		Model:     "opus",
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--input-format stream-json")
	assert.Contains(t, joined, "--session-id sess-1")
	assert.Contains(t, joined, "--model opus")
	assert.NotContains(t, joined, "--resume")
}

func TestBuildArgsResume(t *testing.T) {
	args := BuildArgs(CLIConfig{}, Invocation{
		SessionID:    "sess-1",
		ResumeMarker: "engine-42",
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--resume engine-42")
	assert.NotContains(t, joined, "--session-id", "resume must not also claim a fresh session ID")
}

func TestBuildArgsAllowedToolsAndExtras(t *testing.T) {
	args := BuildArgs(CLIConfig{ExtraArgs: []string{"--verbose-tools"}}, Invocation{
		SessionID:    "sess-1",
		SystemPrompt: "be terse",
		AllowedTools: []string{"Read", "Grep"},
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--allowedTools Read")
	assert.Contains(t, joined, "--allowedTools Grep")
	assert.Contains(t, joined, "--append-system-prompt be terse")
	assert.Equal(t, "--verbose-tools", args[len(args)-1])
}

func TestCLIConfigDefaults(t *testing.T) {
	var cfg CLIConfig
	assert.Equal(t, "claude", cfg.binary())
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.apiKeyEnv())

	cfg = CLIConfig{Binary: "agent", APIKeyEnv: "AGENT_KEY"}
	assert.Equal(t, "agent", cfg.binary())
	assert.Equal(t, "AGENT_KEY", cfg.apiKeyEnv())
}

func TestControlResponseAllowKeepsOriginalInput(t *testing.T) {
	original := map[string]any{"command": "ls /tmp"}
	stdin := &nopWriteCloser{}
	run := &cliRun{
		engine: &CLIEngine{log: zerolog.Nop()},
		inv: Invocation{
			SessionID: "sess-1",
			CanUseTool: func(ctx context.Context, toolName string, input map[string]any) permission.Decision {
				return permission.Allow(nil)
			},
		},
		stdin: stdin,
	}

	run.answerToolRequest(context.Background(), "req-1", "Bash", original)

	var frame struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior     string         `json:"behavior"`
				UpdatedInput map[string]any `json:"updatedInput"`
			} `json:"response"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(stdin.Bytes(), &frame))
	assert.Equal(t, "control_response", frame.Type)
	assert.Equal(t, "req-1", frame.Response.RequestID)
	assert.Equal(t, "allow", frame.Response.Response.Behavior)
	assert.Equal(t, original, frame.Response.Response.UpdatedInput,
		"an allow without replacement input must echo the original, never null")
}

func TestMCPConfigJSON(t *testing.T) {
	data, err := MCPConfigJSON(map[string]MCPServer{
		"search": {Command: "mcp-search", Args: []string{"--index", "local"}},
	})
	require.NoError(t, err)

	var decoded struct {
		MCPServers map[string]MCPServer `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded.MCPServers, "search")
	assert.Equal(t, "mcp-search", decoded.MCPServers["search"].Command)
	assert.Equal(t, []string{"--index", "local"}, decoded.MCPServers["search"].Args)
}

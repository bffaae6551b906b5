package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reza/kapten/internal/observability"
	"github.com/reza/kapten/pkg/permission"
)

// maxLineSize bounds a single stream-json line. Tool results can carry
// whole files, so the default bufio limit is far too small.
const maxLineSize = 10 * 1024 * 1024

// CLIConfig configures the subprocess engine adapter.
type CLIConfig struct {
	// Binary is the engine CLI executable. Defaults to "claude".
	Binary string
	// APIKeyEnv is the environment variable checked for credentials.
	// Defaults to "ANTHROPIC_API_KEY". An OAuth token in
	// CLAUDE_CODE_OAUTH_TOKEN also satisfies the check.
	APIKeyEnv string
	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string
}

func (c CLIConfig) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "claude"
}

func (c CLIConfig) apiKeyEnv() string {
	if c.APIKeyEnv != "" {
		return c.APIKeyEnv
	}
	return "ANTHROPIC_API_KEY"
}

// CLIEngine runs invocations as an engine CLI subprocess speaking the
// stream-json protocol: user messages in on stdin, one JSON message per
// line out on stdout, tool confirmations negotiated through control
// request/response frames on the same pipes.
type CLIEngine struct {
	cfg CLIConfig
	log zerolog.Logger
}

func NewCLIEngine(cfg CLIConfig, log zerolog.Logger) *CLIEngine {
	observability.EnsureRegistered()
	return &CLIEngine{cfg: cfg, log: log}
}

// BuildArgs constructs the CLI argument list for an invocation. Exported
// so tests can verify argument construction without spawning a process.
func BuildArgs(cfg CLIConfig, inv Invocation) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if inv.ResumeMarker != "" {
		args = append(args, "--resume", inv.ResumeMarker)
	} else if inv.SessionID != "" {
		args = append(args, "--session-id", inv.SessionID)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.SystemPrompt)
	}
	for _, tool := range inv.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	args = append(args, cfg.ExtraArgs...)
	return args
}

// MCPConfigJSON renders the engine CLI's MCP config document for a set of
// servers.
func MCPConfigJSON(servers map[string]MCPServer) ([]byte, error) {
	return json.Marshal(map[string]any{"mcpServers": servers})
}

// writeMCPConfig materializes the MCP config as a per-session temp file
// the CLI can read.
func writeMCPConfig(inv Invocation) (string, error) {
	data, err := MCPConfigJSON(inv.MCPServers)
	if err != nil {
		return "", err
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("kapten-mcp-%s.json", inv.SessionID))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// Run starts the subprocess and returns its message stream. The returned
// channel closes when the process exits; cancelling ctx kills the process.
func (e *CLIEngine) Run(ctx context.Context, inv Invocation) (<-chan Message, error) {
	if !e.credentialsAvailable() {
		return nil, fmt.Errorf("%w: set %s or CLAUDE_CODE_OAUTH_TOKEN", ErrMissingCredentials, e.cfg.apiKeyEnv())
	}

	args := BuildArgs(e.cfg, inv)
	if len(inv.MCPServers) > 0 {
		configPath, err := writeMCPConfig(inv)
		if err != nil {
			return nil, fmt.Errorf("mcp config: %w", err)
		}
		args = append(args, "--mcp-config", configPath)
	}
	cmd := exec.CommandContext(ctx, e.cfg.binary(), args...)
	cmd.Dir = inv.WorkingDir
	cmd.Env = append(os.Environ(), inv.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start %s: %w", e.cfg.binary(), err)
	}

	e.log.Info().
		Str("session_id", inv.SessionID).
		Str("binary", e.cfg.binary()).
		Str("working_dir", inv.WorkingDir).
		Msg("Engine process started")

	run := &cliRun{
		engine: e,
		inv:    inv,
		cmd:    cmd,
		stdin:  stdin,
		out:    make(chan Message, 64),
	}

	go run.captureStderr(stderr)
	go run.pumpPrompts(ctx)
	go run.pumpOutput(ctx, stdout)

	return run.out, nil
}

func (e *CLIEngine) credentialsAvailable() bool {
	return os.Getenv(e.cfg.apiKeyEnv()) != "" || os.Getenv("CLAUDE_CODE_OAUTH_TOKEN") != ""
}

// cliRun is the per-invocation state of a CLIEngine subprocess.
type cliRun struct {
	engine *CLIEngine
	inv    Invocation
	cmd    *exec.Cmd
	out    chan Message

	// stdin carries both user messages and control responses, written
	// from different goroutines.
	writeMu sync.Mutex
	stdin   io.WriteCloser

	stderrMu sync.Mutex
	stderr   strings.Builder

	resultSeen bool
}

func (r *cliRun) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		r.stderrMu.Lock()
		if r.stderr.Len() < 16*1024 {
			r.stderr.WriteString(scanner.Text())
			r.stderr.WriteString("\n")
		}
		r.stderrMu.Unlock()
	}
}

func (r *cliRun) stderrTail() string {
	r.stderrMu.Lock()
	defer r.stderrMu.Unlock()
	return strings.TrimSpace(r.stderr.String())
}

// pumpPrompts writes the initial prompt and every follow-up from the
// prompt source to the process, then closes stdin so the process can
// finish its final turn and exit.
func (r *cliRun) pumpPrompts(ctx context.Context) {
	if r.inv.Prompt != "" {
		if err := r.writeUserMessage(r.inv.Prompt); err != nil {
			r.engine.log.Error().Err(err).Str("session_id", r.inv.SessionID).Msg("Failed to write initial prompt")
			return
		}
	}
	if r.inv.Prompts != nil {
		for {
			text, ok := r.inv.Prompts(ctx)
			if !ok {
				break
			}
			if err := r.writeUserMessage(text); err != nil {
				r.engine.log.Error().Err(err).Str("session_id", r.inv.SessionID).Msg("Failed to write prompt")
				return
			}
		}
	}
	r.writeMu.Lock()
	r.stdin.Close()
	r.writeMu.Unlock()
}

func (r *cliRun) writeUserMessage(text string) error {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	return r.writeFrame(frame)
}

func (r *cliRun) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(data)
	return err
}

// pumpOutput reads stdout line by line, converts stream messages, and
// answers control requests. It owns closing the output channel.
func (r *cliRun) pumpOutput(ctx context.Context, stdout io.Reader) {
	defer close(r.out)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			// The CLI emits occasional informational lines on stdout.
			continue
		}
		r.handleLine(ctx, line)
	}

	err := r.cmd.Wait()
	if ctx.Err() != nil {
		// Killed by cancellation; the runner maps this to an abort.
		return
	}
	if err != nil && !r.resultSeen {
		errText := err.Error()
		if tail := r.stderrTail(); tail != "" {
			errText = fmt.Sprintf("%s: %s", errText, tail)
		}
		r.out <- Message{
			Type:      MessageResult,
			Subtype:   "error_during_execution",
			ErrorText: errText,
		}
	}
}

// streamLine mirrors the subset of the CLI's stream-json output the
// runner cares about. Unknown fields stay in the raw payload.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	Error   string `json:"error"`
	Request struct {
		Subtype  string         `json:"subtype"`
		ToolName string         `json:"tool_name"`
		Input    map[string]any `json:"input"`
	} `json:"request"`
	RequestID string `json:"request_id"`
}

func (r *cliRun) handleLine(ctx context.Context, line string) {
	var msg streamLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		r.engine.log.Warn().Err(err).Str("session_id", r.inv.SessionID).Msg("Unparseable engine output line")
		return
	}

	raw := json.RawMessage(line)

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			r.out <- Message{
				Type:            MessageInit,
				Subtype:         msg.Subtype,
				EngineSessionID: msg.SessionID,
				Raw:             raw,
			}
		}

	case "assistant":
		out := Message{Type: MessageAssistant, EngineSessionID: msg.SessionID, Raw: raw}
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				out.Text += content.Text
			case "tool_use":
				out.ToolName = content.Name
			}
		}
		r.out <- out

	case "user":
		r.out <- Message{Type: MessageUser, EngineSessionID: msg.SessionID, Raw: raw}

	case "result":
		r.resultSeen = true
		r.out <- Message{
			Type:            MessageResult,
			Subtype:         msg.Subtype,
			EngineSessionID: msg.SessionID,
			ResultText:      msg.Result,
			ErrorText:       msg.Error,
			Raw:             raw,
		}

	case "control_request":
		if msg.Request.Subtype == "can_use_tool" {
			// Answered off the read loop so a pending confirmation
			// cannot stall the output stream.
			go r.answerToolRequest(ctx, msg.RequestID, msg.Request.ToolName, msg.Request.Input)
		}

	default:
		r.engine.log.Debug().Str("type", msg.Type).Msg("Ignoring engine message type")
	}
}

func (r *cliRun) answerToolRequest(ctx context.Context, requestID, toolName string, input map[string]any) {
	decision := permission.Allow(input)
	if r.inv.CanUseTool != nil {
		decision = r.inv.CanUseTool(ctx, toolName, input)
	}

	response := map[string]any{
		"subtype":    "success",
		"request_id": requestID,
		"response": map[string]any{
			"behavior": string(decision.Behavior),
		},
	}
	inner := response["response"].(map[string]any)
	if decision.Behavior == permission.BehaviorAllow {
		if decision.Input == nil {
			decision.Input = input
		}
		inner["updatedInput"] = decision.Input
	} else {
		inner["message"] = decision.Reason
	}

	if err := r.writeFrame(map[string]any{"type": "control_response", "response": response}); err != nil {
		r.engine.log.Error().Err(err).
			Str("session_id", r.inv.SessionID).
			Str("request_id", requestID).
			Msg("Failed to write control response")
	}
}

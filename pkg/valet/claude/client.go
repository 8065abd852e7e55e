// Package claude drives the claude CLI as a long-running subprocess over
// the stream-json stdio protocol: NDJSON events on stdout, user messages
// and control responses on stdin. Permission prompts arrive as
// control_request events and are answered through the CanUseTool callback.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// CanUseToolFunc decides one tool call. A false result carries the denial
// reason surfaced to the model.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any) (bool, string)

// Options configures one CLI subprocess.
type Options struct {
	// Resume is a session id to continue; empty starts a fresh session.
	Resume string
	// ForkSession makes --resume branch into a new session id instead of
	// appending to the original history.
	ForkSession bool
	Model       string
	Thinking    bool
	// SystemPrompt is appended to the CLI's system prompt.
	SystemPrompt string
	// MCPServerURL, when set, registers the orchestrator's tool server.
	MCPServerURL string
	WorkDir         string
	AllowedTools    []string
	DisallowedTools []string
	Logger          *slog.Logger
}

// StreamEvent is one parsed NDJSON line from the CLI stdout.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// controlRequest is the payload of a control_request event.
type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Text    string
	IsError bool
}

// Client is one claude subprocess speaking stream-json on both pipes.
type Client struct {
	opts       Options
	canUseTool CanUseToolFunc
	// onText receives assistant text as it arrives, for live streaming.
	onText func(string)
	logger *slog.Logger

	mu        sync.Mutex
	stdinMu   sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	started   bool
	sessionID string
	turnDone  chan TurnResult
}

// NewClient creates an unstarted client. onText may be nil.
func NewClient(opts Options, canUseTool CanUseToolFunc, onText func(string)) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:       opts,
		canUseTool: canUseTool,
		onText:     onText,
		logger:     logger.With("component", "claude"),
		turnDone:   make(chan TurnResult, 1),
	}
}

// SessionID returns the CLI session id once captured from the init event.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetOnText swaps the live text sink.
func (c *Client) SetOnText(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onText = fn
}

func (c *Client) buildArgs() []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if c.opts.Resume != "" {
		args = append(args, "--resume", c.opts.Resume)
		if c.opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.opts.SystemPrompt)
	}
	if len(c.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, join(c.opts.AllowedTools))
	}
	if len(c.opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools")
		args = append(args, join(c.opts.DisallowedTools))
	}
	if c.opts.MCPServerURL != "" {
		cfg := fmt.Sprintf(`{"mcpServers":{"valet":{"type":"http","url":%q}}}`, c.opts.MCPServerURL)
		args = append(args, "--mcp-config", cfg)
	}
	return args
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// Start spawns the subprocess and begins the read loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, "claude", c.buildArgs()...)
	if c.opts.WorkDir != "" {
		cmd.Dir = c.opts.WorkDir
	}
	cmd.Env = os.Environ()
	if !c.opts.Thinking {
		cmd.Env = append(cmd.Env, "MAX_THINKING_TOKENS=0")
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start claude: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	go c.readLoop(cmdCtx, stdout, cmd)
	return nil
}

// Send writes one user turn to the subprocess stdin.
func (c *Client) Send(prompt string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	return c.writeStdin(msg)
}

// Run sends a prompt and blocks until the turn's result event.
func (c *Client) Run(ctx context.Context, prompt string) (TurnResult, error) {
	if err := c.Start(ctx); err != nil {
		return TurnResult{}, err
	}
	if err := c.Send(prompt); err != nil {
		return TurnResult{}, err
	}
	select {
	case res := <-c.turnDone:
		if res.IsError {
			return res, fmt.Errorf("agent turn failed: %s", res.Text)
		}
		return res, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// Close terminates the subprocess.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	stdin := c.stdin
	c.started = false
	c.stdin = nil
	c.cancel = nil
	c.mu.Unlock()
	if stdin != nil {
		stdin.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Client) writeStdin(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stdin message: %w", err)
	}
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("claude process not running")
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// readLoop parses NDJSON events until the subprocess exits.
func (c *Client) readLoop(ctx context.Context, stdout io.Reader, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event StreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.Warn("unparseable stream event", "error", err)
			continue
		}

		if event.SessionID != "" && !event.IsError {
			c.mu.Lock()
			c.sessionID = event.SessionID
			c.mu.Unlock()
		}

		switch event.Type {
		case "assistant":
			c.handleAssistant(event.Message)
		case "control_request":
			go c.handleControlRequest(ctx, event)
		case "result":
			res := TurnResult{Text: event.Result, IsError: event.IsError}
			select {
			case c.turnDone <- res:
			default:
			}
		}
	}

	cmd.Wait()
	c.mu.Lock()
	c.started = false
	c.stdin = nil
	c.mu.Unlock()
	// A dying process ends any in-flight turn.
	select {
	case c.turnDone <- TurnResult{Text: "agent process exited", IsError: true}:
	default:
	}
}

// handleAssistant forwards text blocks to the live sink.
func (c *Client) handleAssistant(raw json.RawMessage) {
	if raw == nil {
		return
	}
	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	c.mu.Lock()
	sink := c.onText
	c.mu.Unlock()
	if sink == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			sink(block.Text)
		}
	}
}

// handleControlRequest answers a can_use_tool prompt via the callback.
func (c *Client) handleControlRequest(ctx context.Context, event StreamEvent) {
	var req controlRequest
	if event.Request != nil {
		if err := json.Unmarshal(event.Request, &req); err != nil {
			c.logger.Warn("bad control request", "error", err)
			return
		}
	}
	if req.Subtype != "can_use_tool" {
		return
	}

	allow := false
	reason := "no permission handler"
	if c.canUseTool != nil {
		allow, reason = c.canUseTool(ctx, req.ToolName, req.Input)
	}

	var inner map[string]any
	if allow {
		inner = map[string]any{"behavior": "allow", "updatedInput": req.Input}
	} else {
		if reason == "" {
			reason = fmt.Sprintf("permission denied for tool %s", req.ToolName)
		}
		inner = map[string]any{"behavior": "deny", "message": reason}
	}
	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": event.RequestID,
			"response":   inner,
		},
	}
	if err := c.writeStdin(resp); err != nil {
		c.logger.Warn("control response write failed", "error", err)
	}
}

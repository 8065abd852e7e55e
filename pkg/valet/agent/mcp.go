// mcp.go exposes the tool handlers to the claude CLI as an MCP server
// over streamable HTTP. Tool errors are returned as error results so the
// model sees the refusal text instead of a transport failure.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer hosts the agent tools for the CLI subprocess.
type MCPServer struct {
	addr   string
	http   *server.StreamableHTTPServer
	logger *slog.Logger
}

// NewMCPServer builds the tool server. addr is host:port; the endpoint
// path is /mcp.
func NewMCPServer(tools *Tools, addr string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := server.NewMCPServer("valet", "1.0.0", server.WithToolCapabilities(false))

	type handler func(context.Context, map[string]any) (string, error)
	register := func(tool mcp.Tool, h handler) {
		s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			out, err := h(ctx, req.GetArguments())
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(out), nil
		})
	}

	register(mcp.NewTool("ping_user",
		mcp.WithDescription("Send a short message to the user from a background task. Subject to the ping budget; at most one non-critical ping per task."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to send")),
		mcp.WithBoolean("critical", mcp.Description("True only for genuinely urgent findings; bypasses the budget")),
	), tools.PingUser)

	register(mcp.NewTool("discord_embed",
		mcp.WithDescription("Send a structured embed to the user from a background task. Same budget rules as ping_user."),
		mcp.WithString("title", mcp.Description("Embed title")),
		mcp.WithString("description", mcp.Description("Embed body text")),
		mcp.WithBoolean("critical", mcp.Description("True only for genuinely urgent findings")),
	), tools.SendEmbed)

	register(mcp.NewTool("follow_up_chain",
		mcp.WithDescription("Schedule the next check of the active chain reminder, N minutes from now. Only available while a chain context is active."),
		mcp.WithNumber("minutes", mcp.Required(), mcp.Description("Minutes from now for the next check")),
	), tools.FollowUpChain)

	register(mcp.NewTool("save_context",
		mcp.WithDescription("Promote this side conversation to become the main session."),
	), tools.SaveContext)

	register(mcp.NewTool("report_updates",
		mcp.WithDescription("Queue a short summary of this fork's work for the main session."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The summary to report")),
	), tools.ReportUpdates)

	register(mcp.NewTool("enter_fork",
		mcp.WithDescription("Start an interactive side conversation on the next message, leaving the main session untouched."),
		mcp.WithString("topic", mcp.Description("What the side conversation is about")),
		mcp.WithNumber("idle_timeout", mcp.Description("Idle timeout in minutes before the fork is wrapped up")),
	), tools.EnterFork)

	register(mcp.NewTool("exit_fork",
		mcp.WithDescription("End this side conversation and discard it."),
	), tools.ExitFork)

	register(mcp.NewTool("compact_session",
		mcp.WithDescription("Compact the running session when context grows large."),
	), tools.CompactSession)

	return &MCPServer{
		addr:   addr,
		http:   server.NewStreamableHTTPServer(s, server.WithEndpointPath("/mcp")),
		logger: logger.With("component", "mcp"),
	}
}

// URL returns the endpoint the CLI should be pointed at.
func (m *MCPServer) URL() string {
	return fmt.Sprintf("http://%s/mcp", m.addr)
}

// Start serves until Shutdown. Blocks.
func (m *MCPServer) Start() error {
	m.logger.Info("tool server listening", "addr", m.addr)
	return m.http.Start(m.addr)
}

// Shutdown stops the HTTP listener.
func (m *MCPServer) Shutdown(ctx context.Context) error {
	return m.http.Shutdown(ctx)
}

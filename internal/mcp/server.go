package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskorch/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Controller is the scheduler surface the MCP tools drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Reload(ctx context.Context) error
	Status() core.SchedulerStatus
	Resolve(ctx context.Context, ref string) (*core.TaskDefinition, error)
	Execute(ctx context.Context, taskID string) (*core.Run, error)
	Cancel(ctx context.Context, taskID string) error
	Toggle(ctx context.Context, taskID string, enabled bool) (*core.TaskDefinition, error)
	NextFire(taskID string) (time.Time, bool)
	ListDefinitionsWithStatus(ctx context.Context, recentLimit int) ([]*core.DefinitionWithStatus, error)
	ListRecentExecutions(ctx context.Context, taskID string, limit int) ([]*core.TaskExecution, error)
	GetExecution(ctx context.Context, id string) (*core.TaskExecution, error)
}

// MCPServer exposes the scheduler as MCP tools over stdio or streamable
// HTTP.
type MCPServer struct {
	ctl        Controller
	logger     *slog.Logger
	location   *time.Location
	mcp        *server.MCPServer
	streamable *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance with every tool
// registered.
func NewMCPServer(ctl Controller, logger *slog.Logger, location *time.Location, version string) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.UTC
	}
	s := &MCPServer{
		ctl:      ctl,
		logger:   logger,
		location: location,
		mcp: server.NewMCPServer(
			"taskorch",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	s.streamable = server.NewStreamableHTTPServer(s.mcp)
	return s
}

// Run serves the MCP protocol on stdio.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// ServeHTTP serves the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.streamable.ServeHTTP(w, r)
}

func taskParam(name string) mcp.ToolOption {
	return mcp.WithString(name,
		mcp.Required(),
		mcp.Description("Task id or unique task name"),
	)
}

func (s *MCPServer) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{mcp.NewTool("scheduler_status",
			mcp.WithDescription("Show whether the scheduler is running, which tasks are armed and which are executing"),
		), s.handleSchedulerStatus},
		{mcp.NewTool("scheduler_start",
			mcp.WithDescription("Start the scheduler and arm every enabled task"),
		), s.handleSchedulerStart},
		{mcp.NewTool("scheduler_stop",
			mcp.WithDescription("Stop the scheduler; running executions continue"),
		), s.handleSchedulerStop},
		{mcp.NewTool("scheduler_reload",
			mcp.WithDescription("Re-read task definitions and re-arm timers"),
		), s.handleSchedulerReload},
		{mcp.NewTool("task_list",
			mcp.WithDescription("List task definitions with their status"),
		), s.handleListTasks},
		{mcp.NewTool("task_execute",
			mcp.WithDescription("Start a manual execution of a task"),
			taskParam("task"),
		), s.handleExecuteTask},
		{mcp.NewTool("task_stop",
			mcp.WithDescription("Cancel the running execution of a task"),
			taskParam("task"),
		), s.handleStopTask},
		{mcp.NewTool("task_toggle",
			mcp.WithDescription("Enable or disable a task"),
			taskParam("task"),
			mcp.WithBoolean("enabled",
				mcp.Required(),
				mcp.Description("New enabled flag"),
			),
		), s.handleToggleTask},
		{mcp.NewTool("task_executions",
			mcp.WithDescription("Show the most recent executions of a task"),
			taskParam("task"),
			mcp.WithNumber("limit",
				mcp.Description("Number of executions, default 20"),
				mcp.Min(1),
				mcp.Max(100),
			),
		), s.handleListExecutions},
		{mcp.NewTool("execution_get",
			mcp.WithDescription("Show one execution with its result"),
			mcp.WithString("execution_id",
				mcp.Required(),
				mcp.Description("Execution id"),
			),
		), s.handleGetExecution},
		{mcp.NewTool("cron_preview",
			mcp.WithDescription("Preview the next fire times of a 5-field cron expression"),
			mcp.WithString("cron",
				mcp.Required(),
				mcp.Description("Cron expression, for example '0 3 * * 1'"),
			),
			mcp.WithNumber("count",
				mcp.Description("Number of fire times, default 5"),
				mcp.Min(1),
				mcp.Max(10),
			),
		), s.handleCronPreview},
	}
	for _, t := range tools {
		s.mcp.AddTool(t.tool, t.handler)
	}
	s.logger.Info("MCP tools registered", "count", len(tools))
}

func (s *MCPServer) handleSchedulerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(formatStatus(s.ctl.Status())), nil
}

func (s *MCPServer) handleSchedulerStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.ctl.Start(context.WithoutCancel(ctx)); err != nil {
		return toolError("start scheduler", err), nil
	}
	return mcp.NewToolResultText("Scheduler started\n" + formatStatus(s.ctl.Status())), nil
}

func (s *MCPServer) handleSchedulerStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.ctl.Stop()
	return mcp.NewToolResultText("Scheduler stopped"), nil
}

func (s *MCPServer) handleSchedulerReload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.ctl.Reload(context.WithoutCancel(ctx)); err != nil {
		return toolError("reload scheduler", err), nil
	}
	return mcp.NewToolResultText("Scheduler reloaded\n" + formatStatus(s.ctl.Status())), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.ctl.ListDefinitionsWithStatus(ctx, 1)
	if err != nil {
		return toolError("list tasks", err), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks:\n\n", len(items))
	for _, item := range items {
		def := item.Definition
		state := "disabled"
		if def.IsEnabled {
			state = "enabled"
		}
		if item.IsCurrentlyRunning {
			state += ", running"
		}
		fmt.Fprintf(&b, "- %s (%s)\n  ID: %s\n  Cron: %s\n", def.Name, state, def.ID, orDash(def.Cron()))
		if next, ok := s.ctl.NextFire(def.ID); ok {
			fmt.Fprintf(&b, "  Next: %s\n", s.formatTime(&next))
		}
		if item.Status != nil && item.Status.LastRunAt != nil {
			fmt.Fprintf(&b, "  Last run: %s\n", s.formatTime(item.Status.LastRunAt))
		}
		if len(item.RecentExecutions) > 0 {
			fmt.Fprintf(&b, "  Last result: %s\n", item.RecentExecutions[0].Status)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleExecuteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, res := s.resolve(ctx, request)
	if res != nil {
		return res, nil
	}
	run, err := s.ctl.Execute(ctx, def.ID)
	if err != nil {
		return toolError("execute task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution started\nTask: %s\nExecution ID: %s", def.Name, run.ID)), nil
}

func (s *MCPServer) handleStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, res := s.resolve(ctx, request)
	if res != nil {
		return res, nil
	}
	if err := s.ctl.Cancel(ctx, def.ID); err != nil {
		return toolError("stop task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution of %s cancelled", def.Name)), nil
}

func (s *MCPServer) handleToggleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, ok := request.GetArguments()["enabled"]; !ok {
		return mcp.NewToolResultError("enabled is required"), nil
	}
	def, res := s.resolve(ctx, request)
	if res != nil {
		return res, nil
	}
	enabled := mcp.ParseBoolean(request, "enabled", false)
	if _, err := s.ctl.Toggle(ctx, def.ID, enabled); err != nil {
		return toolError("toggle task", err), nil
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s %s", def.Name, state)), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, res := s.resolve(ctx, request)
	if res != nil {
		return res, nil
	}
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	execs, err := s.ctl.ListRecentExecutions(ctx, def.ID, limit)
	if err != nil {
		return toolError("list executions", err), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions yet"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d executions of %s:\n\n", len(execs), def.Name)
	for _, exec := range execs {
		fmt.Fprintf(&b, "%s %s  %s  %s", statusToIcon(exec.Status), exec.ID, exec.Status, s.formatTime(&exec.CreatedAt))
		if exec.Duration != nil {
			fmt.Fprintf(&b, "  %dms", *exec.Duration)
		}
		if exec.Error != nil {
			fmt.Fprintf(&b, "  error: %s", truncateString(*exec.Error, 80))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "execution_id", "")
	exec, err := s.ctl.GetExecution(ctx, id)
	if err != nil {
		return toolError("load execution", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Execution: %s\nTask ID: %s\nStatus: %s %s\nTriggered by: %s\nCreated: %s\nStarted: %s\nCompleted: %s\n",
		exec.ID, exec.TaskDefinitionID, statusToIcon(exec.Status), exec.Status, exec.TriggeredBy,
		s.formatTime(&exec.CreatedAt), s.formatTime(exec.StartedAt), s.formatTime(exec.CompletedAt))
	if exec.Duration != nil {
		fmt.Fprintf(&b, "Duration: %dms\n", *exec.Duration)
	}
	if exec.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", *exec.Error)
	}
	if len(exec.Result) > 0 {
		fmt.Fprintf(&b, "Result: %s\n", truncateString(string(exec.Result), 2000))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	times, err := core.PreviewCron(expr, time.Now().In(s.location), count)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Next %d fire times of %q:\n", len(times), strings.TrimSpace(expr))
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.formatTime(&t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) resolve(ctx context.Context, request mcp.CallToolRequest) (*core.TaskDefinition, *mcp.CallToolResult) {
	ref := strings.TrimSpace(mcp.ParseString(request, "task", ""))
	if ref == "" {
		return nil, mcp.NewToolResultError("task is required")
	}
	def, err := s.ctl.Resolve(ctx, ref)
	if err != nil {
		return nil, toolError("load task", err)
	}
	return def, nil
}

// toolError renders err with its taxonomy kind so callers can branch on it.
func toolError(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed [%s]: %v", action, core.ErrorKind(err), err))
}

func formatStatus(st core.SchedulerStatus) string {
	state := "stopped"
	if st.IsRunning {
		state = "running"
	}
	return fmt.Sprintf("Scheduler: %s\nArmed tasks: %d\nRunning tasks: %s",
		state, len(st.ScheduledTaskIDs), orDash(strings.Join(st.RunningTaskIDs, ", ")))
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.ExecutionStatus) string {
	switch status {
	case core.ExecutionCompleted:
		return "✅"
	case core.ExecutionFailed:
		return "❌"
	case core.ExecutionCancelled:
		return "🚫"
	case core.ExecutionRunning:
		return "▶️"
	case core.ExecutionPending:
		return "⏳"
	default:
		return "❓"
	}
}

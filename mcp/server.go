// Package mcp exposes the waypoint sync core to coding agents over the
// Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/waypoint"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with waypoint tools.
type Server struct {
	client    *waypoint.Client
	mcpServer *server.MCPServer
	session   *QueueSession
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with waypoint tools registered.
func NewServer(client *waypoint.Client) *Server {
	s := &Server{
		client:  client,
		session: NewQueueSession(),
	}

	s.mcpServer = server.NewMCPServer(
		"waypoint",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "waypoint_status", Description: "Report sync status and local store statistics"},
		{Name: "waypoint_pending", Description: "List entities with local changes not yet confirmed by the remote"},
		{Name: "waypoint_queue", Description: "List retry-queue entries with session refs (Q1, Q2, ...)"},
		{Name: "waypoint_sync", Description: "Force-sync one entity, or drain the retry queue"},
		{Name: "waypoint_retry_stalled", Description: "Re-arm stalled retry-queue entries and drain"},
		{Name: "waypoint_discard", Description: "Drop a retry-queue entry without syncing it"},
		{Name: "waypoint_capture", Description: "Capture a brain dump entry"},
		{Name: "waypoint_get", Description: "Read one local entity as JSON"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "waypoint_status":
		return s.handleStatus(ctx, args)
	case "waypoint_pending":
		return s.handlePending(ctx, args)
	case "waypoint_queue":
		return s.handleQueue(ctx, args)
	case "waypoint_sync":
		return s.handleSync(ctx, args)
	case "waypoint_retry_stalled":
		return s.handleRetryStalled(ctx, args)
	case "waypoint_discard":
		return s.handleDiscard(ctx, args)
	case "waypoint_capture":
		return s.handleCapture(ctx, args)
	case "waypoint_get":
		return s.handleGet(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	kindDesc := "Entity kind: goal, event, brain_dump, preferences, streak"

	s.mcpServer.AddTool(mcp.NewTool("waypoint_status",
		mcp.WithDescription("Report the current sync status (idle, syncing, synced, error) together with local entity counts, unsynced changes and retry-queue size."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_pending",
		mcp.WithDescription("List entities with local changes the remote has not confirmed yet."),
		mcp.WithString("kind",
			mcp.Description("Only list this kind. "+kindDesc),
		),
	), s.wrap(s.handlePending))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_queue",
		mcp.WithDescription("List retry-queue entries in drain order. Each entry gets a session ref (Q1, Q2, ...) usable with waypoint_discard."),
		mcp.WithBoolean("stalled_only",
			mcp.Description("Only list entries that reached the attempt cap"),
		),
	), s.wrap(s.handleQueue))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_sync",
		mcp.WithDescription("With kind and entity_id, push that entity now, bypassing debounce and throttle. Without them, drain the retry queue. Requires WAYPOINT_REMOTE_URL."),
		mcp.WithString("kind",
			mcp.Description(kindDesc),
		),
		mcp.WithString("entity_id",
			mcp.Description("Entity to sync (requires kind)"),
		),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_retry_stalled",
		mcp.WithDescription("Reset the attempt counter on stalled retry-queue entries so they are retried, then drain the queue if the remote is configured."),
	), s.wrap(s.handleRetryStalled))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_discard",
		mcp.WithDescription("Drop a retry-queue entry without syncing it. The entity keeps its local state and stays marked as unsynced."),
		mcp.WithString("ref",
			mcp.Description("Session ref from waypoint_queue (Q1) or numeric queue entry id"),
			mcp.Required(),
		),
	), s.wrap(s.handleDiscard))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_capture",
		mcp.WithDescription("Capture a free-form thought as a brain dump entry. It is stored locally and synced in the background."),
		mcp.WithString("text",
			mcp.Description("The thought to capture"),
			mcp.Required(),
		),
	), s.wrap(s.handleCapture))

	s.mcpServer.AddTool(mcp.NewTool("waypoint_get",
		mcp.WithDescription("Read one entity from the local store as JSON."),
		mcp.WithString("kind",
			mcp.Description(kindDesc),
			mcp.Required(),
		),
		mcp.WithString("entity_id",
			mcp.Description("Entity id"),
			mcp.Required(),
		),
	), s.wrap(s.handleGet))
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// wrap adapts an internal handler to the mcp-go handler signature.
func (s *Server) wrap(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

// Internal handlers

func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	stats, err := s.client.Stats()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("status failed: %v", err), IsError: true}, nil
	}
	clientCfg := s.client.Config()
	return &ToolResult{Content: formatStatus(s.client.Status(), stats, clientCfg.IsOffline())}, nil
}

func (s *Server) handlePending(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var kinds []waypoint.EntityKind
	if k, ok := args["kind"].(string); ok && k != "" {
		kind := waypoint.EntityKind(k)
		if !kind.IsValid() {
			return &ToolResult{Content: fmt.Sprintf("invalid kind: %s", k), IsError: true}, nil
		}
		kinds = append(kinds, kind)
	}
	return &ToolResult{Content: formatPending(s.client.Dirty(kinds...))}, nil
}

func (s *Server) handleQueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	list := s.client.Queue
	if stalled, ok := args["stalled_only"].(bool); ok && stalled {
		list = s.client.Stalled
	}

	entries, err := list(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("list queue failed: %v", err), IsError: true}, nil
	}

	refs := make([]string, len(entries))
	for i, e := range entries {
		refs[i] = s.session.Track(QueueRef{EntryID: e.ID, Kind: e.Kind, EntityID: e.EntityID})
	}
	return &ToolResult{Content: formatQueue(entries, refs)}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	kind, _ := args["kind"].(string)
	id, _ := args["entity_id"].(string)

	if kind == "" && id == "" {
		res, err := s.client.FlushPending(ctx)
		if err != nil {
			return syncFailure(err), nil
		}
		return &ToolResult{Content: formatDrain(res)}, nil
	}

	if kind == "" || id == "" {
		return &ToolResult{Content: "kind and entity_id must be given together", IsError: true}, nil
	}
	ek := waypoint.EntityKind(kind)
	if !ek.IsValid() {
		return &ToolResult{Content: fmt.Sprintf("invalid kind: %s", kind), IsError: true}, nil
	}

	if err := s.client.ForceSync(ctx, ek, id); err != nil {
		if errors.Is(err, waypoint.ErrSuperseded) {
			return &ToolResult{Content: fmt.Sprintf("%s/%s already synced by a newer change", kind, id)}, nil
		}
		return syncFailure(err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Synced %s/%s", kind, id)}, nil
}

func (s *Server) handleRetryStalled(ctx context.Context, args map[string]any) (*ToolResult, error) {
	n, err := s.client.RetryStalled(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("retry failed: %v", err), IsError: true}, nil
	}
	if n == 0 {
		return &ToolResult{Content: "No stalled entries."}, nil
	}

	msg := fmt.Sprintf("Re-armed %d stalled entries.", n)
	clientCfg := s.client.Config()
	if clientCfg.IsOffline() {
		return &ToolResult{Content: msg + " Remote not configured; they will sync once it is."}, nil
	}
	res, err := s.client.FlushPending(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("%s Drain failed: %v", msg, err), IsError: true}, nil
	}
	return &ToolResult{Content: msg + "\n" + formatDrain(res)}, nil
}

func (s *Server) handleDiscard(ctx context.Context, args map[string]any) (*ToolResult, error) {
	raw, ok := args["ref"].(string)
	if !ok || raw == "" {
		return &ToolResult{Content: "ref is required", IsError: true}, nil
	}

	id, label, err := s.resolveQueueRef(raw)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if err := s.client.Discard(ctx, id); err != nil {
		if errors.Is(err, waypoint.ErrEntryNotFound) {
			return &ToolResult{Content: fmt.Sprintf("queue entry %s not found", raw), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("discard failed: %v", err), IsError: true}, nil
	}
	s.session.Forget(raw)
	return &ToolResult{Content: fmt.Sprintf("Discarded %s. The entity stays unsynced locally.", label)}, nil
}

func (s *Server) resolveQueueRef(raw string) (int64, string, error) {
	if ref, ok := s.session.Resolve(raw); ok {
		return ref.EntryID, fmt.Sprintf("%s (%s/%s)", raw, ref.Kind, ref.EntityID), nil
	}
	if strings.HasPrefix(raw, "Q") {
		return 0, "", fmt.Errorf("unknown session ref %s; call waypoint_queue first", raw)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid ref %q: want Q<n> or a queue entry id", raw)
	}
	return id, fmt.Sprintf("entry %d", id), nil
}

func (s *Server) handleCapture(ctx context.Context, args map[string]any) (*ToolResult, error) {
	text, ok := args["text"].(string)
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return &ToolResult{Content: "text is required", IsError: true}, nil
	}

	entry := &waypoint.BrainDumpEntry{ID: waypoint.NewID(), Text: text}
	if err := s.client.Put(ctx, entry); err != nil {
		return &ToolResult{Content: fmt.Sprintf("capture failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Captured brain dump [%s]: %s", entry.ID, truncate(text, 100))}, nil
}

func (s *Server) handleGet(ctx context.Context, args map[string]any) (*ToolResult, error) {
	kind, _ := args["kind"].(string)
	id, _ := args["entity_id"].(string)
	if kind == "" || id == "" {
		return &ToolResult{Content: "kind and entity_id are required", IsError: true}, nil
	}
	ek := waypoint.EntityKind(kind)
	if !ek.IsValid() {
		return &ToolResult{Content: fmt.Sprintf("invalid kind: %s", kind), IsError: true}, nil
	}

	raw, err := s.client.GetRaw(ek, id)
	if err != nil {
		if errors.Is(err, waypoint.ErrNotFound) {
			return &ToolResult{Content: fmt.Sprintf("%s/%s not found", kind, id), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("get failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: string(raw)}, nil
}

func syncFailure(err error) *ToolResult {
	if errors.Is(err, waypoint.ErrOffline) {
		return &ToolResult{Content: "Sync unavailable: WAYPOINT_REMOTE_URL not configured (offline mode)", IsError: true}
	}
	if errors.Is(err, waypoint.ErrDrainInProgress) {
		return &ToolResult{Content: "A drain is already running; try again shortly", IsError: true}
	}
	return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}
}

// Formatting functions

func formatStatus(ev waypoint.StatusEvent, stats *waypoint.StoreStats, offline bool) string {
	var sb strings.Builder
	mode := "online"
	if offline {
		mode = "offline"
	}
	sb.WriteString(fmt.Sprintf("Status: %s (%s)\n", ev.State, mode))
	if ev.Err != "" {
		sb.WriteString(fmt.Sprintf("  Last error: %s\n", ev.Err))
	}

	sb.WriteString("Entities:\n")
	for _, k := range waypoint.ValidKinds() {
		sb.WriteString(fmt.Sprintf("  %-12s %d\n", k, stats.Entities[k]))
	}
	sb.WriteString(fmt.Sprintf("Unsynced: %d\n", stats.DirtyCount))
	sb.WriteString(fmt.Sprintf("Queued:   %d (%d stalled)\n", stats.QueueSize, stats.StalledCount))
	if !stats.LastSync.IsZero() {
		sb.WriteString(fmt.Sprintf("Last sync: %s\n", stats.LastSync.Format(time.RFC3339)))
	}
	return sb.String()
}

func formatPending(records []waypoint.DirtyRecord) string {
	if len(records) == 0 {
		return "All local changes are synced."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d unsynced entities:\n", len(records)))
	for _, r := range records {
		sb.WriteString(fmt.Sprintf("  %s/%s (since %s)\n", r.Kind, r.EntityID, r.DirtySince.Format(time.RFC3339)))
	}
	return sb.String()
}

func formatQueue(entries []waypoint.QueueEntry, refs []string) string {
	if len(entries) == 0 {
		return "Retry queue is empty."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d queued entries:\n\n", len(entries)))
	for i, e := range entries {
		state := fmt.Sprintf("attempts %d", e.Attempts)
		if e.Stalled {
			state += ", STALLED"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s %s/%s (%s)\n", refs[i], e.Op, e.Kind, e.EntityID, state))
		if e.LastError != "" {
			sb.WriteString(fmt.Sprintf("    Last error: %s\n", truncate(e.LastError, 120)))
		}
	}
	sb.WriteString("\nUse waypoint_discard with a session ref (Q1, Q2, ...) to drop an entry.")
	return sb.String()
}

func formatDrain(res waypoint.DrainResult) string {
	if res.Attempted == 0 && res.Skipped == 0 {
		return "Retry queue is empty."
	}
	return fmt.Sprintf("Drained retry queue: %d attempted, %d succeeded, %d failed, %d stalled, %d skipped",
		res.Attempted, res.Succeeded, res.Failed, res.Stalled, res.Skipped)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

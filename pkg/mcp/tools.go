package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/diagram"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/filter"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/viewer"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// handleSubmit starts a generation job and optionally follows it.
func (s *WikiServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoURL, err := req.RequireString("repo_url")
	if err != nil {
		return mcp.NewToolResultError("repo_url is required"), nil
	}
	if s.lifecycle == nil {
		return mcp.NewToolResultError("task client is not configured"), nil
	}

	rec, subErr := s.lifecycle.Submit(ctx, repoURL)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", subErr)), nil
	}

	watching := req.GetBool("watch", false)
	if watching {
		s.captureSession(ctx, rec.TaskID)
		// The watch outlives this request.
		bg := context.WithoutCancel(ctx)
		if watchErr := s.lifecycle.Watch(bg, rec.TaskID, func(r *schema.TaskRecord) {
			s.pushUpdate(bg, r)
		}); watchErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("submitted %s but watch failed: %v", rec.TaskID, watchErr)), nil
		}
	}

	return marshalResult(map[string]any{
		"task_id":  rec.TaskID,
		"status":   rec.Status,
		"watching": watching,
	})
}

// handleStatus polls a job once.
func (s *WikiServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, errResult := s.taskID(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	rec, pollErr := s.lifecycle.Poll(ctx, taskID)
	if pollErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", pollErr)), nil
	}
	return marshalResult(rec)
}

// handlePages lists the pages of a completed job.
func (s *WikiServer) handlePages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, errResult := s.taskID(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	sess, sessErr := s.session(ctx, taskID)
	if sessErr != nil {
		return mcp.NewToolResultError(sessErr.Error()), nil
	}

	bindings, bindErr := sess.Bindings(ctx)
	if bindErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("structure load failed: %v", bindErr)), nil
	}
	pages, selErr := s.filter.Select(req.GetString("filter", ""), filter.Pages(sess.Tree(), bindings))
	if selErr != nil {
		return mcp.NewToolResultError(selErr.Error()), nil
	}

	return marshalResult(map[string]any{
		"task_id": taskID,
		"count":   len(pages),
		"pages":   pages,
	})
}

// handlePage reads one page.
func (s *WikiServer) handlePage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageID, err := req.RequireString("page_id")
	if err != nil {
		return mcp.NewToolResultError("page_id is required"), nil
	}
	format := req.GetString("format", "markdown")
	if format != "markdown" && format != "json" {
		return mcp.NewToolResultError("format must be markdown or json"), nil
	}
	taskID, errResult := s.taskID(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	sess, sessErr := s.session(ctx, taskID)
	if sessErr != nil {
		return mcp.NewToolResultError(sessErr.Error()), nil
	}

	view, pageErr := sess.Page(ctx, pageID)
	if pageErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("structure load failed: %v", pageErr)), nil
	}
	if view.State == viewer.PageError {
		return mcp.NewToolResultError(fmt.Sprintf("page %s: %v", pageID, view.Err)), nil
	}

	if format == "markdown" {
		return mcp.NewToolResultText(viewer.Markdown(view, true)), nil
	}
	out := map[string]any{
		"page_id":          view.PageID,
		"title":            view.Title,
		"breadcrumb":       view.Breadcrumb,
		"url":              view.URL,
		"strategy":         view.Strategy,
		"content":          view.Content,
		"diagram_rendered": view.Diagram != nil,
	}
	if view.DiagramErr != nil {
		out["diagram_error"] = view.DiagramErr.Error()
	}
	return marshalResult(out)
}

// handleDiagram renders Mermaid source in the requested format.
func (s *WikiServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	format := req.GetString("format", "svg")

	switch format {
	case "svg":
		rendered, renderErr := s.renderer.Render(ctx, source)
		if renderErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("diagram render failed: %v", renderErr)), nil
		}
		return mcp.NewToolResultText(rendered.SVG), nil
	case "mermaid", "ascii":
		model, parseErr := diagram.ParseMermaid(diagram.Prepare(source))
		if parseErr != nil {
			model, parseErr = diagram.ParseMermaid(diagram.Repair(source))
		}
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("diagram parse failed: %v", parseErr)), nil
		}
		if format == "ascii" {
			return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
		}
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultError("format must be svg, mermaid, or ascii"), nil
	}
}

// handleClear stops following the tracked job.
func (s *WikiServer) handleClear(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.lifecycle == nil {
		return mcp.NewToolResultError("task client is not configured"), nil
	}
	slot, ok, _ := s.lifecycle.Persisted(ctx)
	if err := s.lifecycle.Clear(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear failed: %v", err)), nil
	}
	if ok {
		s.sessions.Forget(slot.TaskID)
	}
	return marshalResult(map[string]any{"ok": true, "cleared": slot.TaskID})
}

// --- Internal helpers ---

// taskID returns the requested task id, or the persisted one when omitted.
func (s *WikiServer) taskID(ctx context.Context, req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if s.lifecycle == nil {
		return "", mcp.NewToolResultError("task client is not configured")
	}
	if id := strings.TrimSpace(req.GetString("task_id", "")); id != "" {
		return id, nil
	}
	slot, ok, err := s.lifecycle.Persisted(ctx)
	if err != nil {
		return "", mcp.NewToolResultError(fmt.Sprintf("read tracked task: %v", err))
	}
	if !ok {
		return "", mcp.NewToolResultError("task_id is required when no task is tracked")
	}
	return slot.TaskID, nil
}

// session returns the cached viewer for a completed task, creating it on
// first use.
func (s *WikiServer) session(ctx context.Context, taskID string) (*viewer.Session, error) {
	s.mu.Lock()
	sess, ok := s.views[taskID]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}
	if s.fetcher == nil {
		return nil, fmt.Errorf("document fetcher is not configured")
	}

	rec, err := s.lifecycle.Poll(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("status query failed: %w", err)
	}
	if rec.Status != schema.TaskStatusCompleted {
		if rec.Status == schema.TaskStatusFailed {
			return nil, fmt.Errorf("task %s failed: %s", taskID, rec.Error)
		}
		return nil, fmt.Errorf("task %s is %s, not completed", taskID, rec.Status)
	}
	sess, err = viewer.NewSession(viewer.Config{
		Record:   rec,
		Fetcher:  s.fetcher,
		Renderer: s.renderer,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.views[taskID]; ok {
		return existing, nil
	}
	s.views[taskID] = sess
	return sess, nil
}

// pushUpdate forwards a watched record to the session that asked for it.
func (s *WikiServer) pushUpdate(ctx context.Context, rec *schema.TaskRecord) {
	payload := map[string]any{
		"task_id":      rec.TaskID,
		"status":       rec.Status,
		"progress":     rec.Progress,
		"current_step": rec.CurrentStep,
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	if err := s.notifier.Notify(ctx, rec.TaskID, payload); err != nil {
		logging.LogWith(logging.WithTaskID(ctx, rec.TaskID), s.logger).Warn("task notification failed", slog.String("error", err.Error()))
	}
	if rec.Status.IsTerminal() {
		s.sessions.Forget(rec.TaskID)
	}
}

// captureSession maps the task to the caller's MCP session for notifications.
func (s *WikiServer) captureSession(ctx context.Context, taskID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(taskID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

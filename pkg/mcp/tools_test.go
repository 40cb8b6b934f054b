package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/lifecycle"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/store"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// --- Mock task API ---

type mockTaskAPI struct {
	mu          sync.Mutex
	generateErr error
	nextID      string
	tasks       map[string]*schema.TaskStatusResponse
}

func newMockTaskAPI() *mockTaskAPI {
	return &mockTaskAPI{nextID: "task-1", tasks: make(map[string]*schema.TaskStatusResponse)}
}

func (m *mockTaskAPI) Generate(_ context.Context, _ string) (*schema.GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	if _, ok := m.tasks[m.nextID]; !ok {
		m.tasks[m.nextID] = &schema.TaskStatusResponse{TaskID: m.nextID, Status: schema.TaskStatusPending}
	}
	return &schema.GenerateResponse{TaskID: m.nextID, Message: "queued"}, nil
}

func (m *mockTaskAPI) GetTask(_ context.Context, taskID string) (*schema.TaskStatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "task not found")
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskAPI) complete(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = &schema.TaskStatusResponse{
		TaskID:   taskID,
		Status:   schema.TaskStatusCompleted,
		Progress: 100,
		Result: &schema.GenResult{
			R2StructureURL: "https://r2.example/" + taskID + "/wiki_structure.json",
			R2ContentURLs: []string{
				"https://r2.example/" + taskID + "/overview.json",
				"https://r2.example/" + taskID + "/api.json",
			},
		},
	}
}

// --- Mock fetcher ---

type mockFetcher struct {
	docs map[string]string
}

func (m *mockFetcher) FetchJSON(_ context.Context, u string) ([]byte, error) {
	body, ok := m.docs[u]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "document %s not found", u)
	}
	return []byte(body), nil
}

func wikiDocs(taskID string) map[string]string {
	base := "https://r2.example/" + taskID + "/"
	return map[string]string{
		base + "wiki_structure.json": `{"toc":[
			{"id":"overview","title":"Overview","filename":"overview.json","files":["README.md"],
			 "children":[{"id":"api","title":"API","filename":"api.json","files":["server/http.go"]}]}
		]}`,
		base + "overview.json": `{"intro":"Welcome.","sections":[{"heading":"Install","body":"go install ./..."}],"mermaid":"graph LR\nA[cli] --> B[server]"}`,
		base + "api.json":      `{"intro":"Routes.","sections":[],"mermaid":""}`,
	}
}

// --- Mock notifier ---

type recordingNotifier struct {
	mu      sync.Mutex
	updates []map[string]any
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, payload)
	return nil
}

func (r *recordingNotifier) statuses() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u["status"])
	}
	return out
}

// --- Helper ---

func newTestServer(t *testing.T, api *mockTaskAPI) *WikiServer {
	t.Helper()
	lc, err := lifecycle.New(lifecycle.Config{API: api, Store: store.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(lc.Close)
	return NewWikiServer(WikiServerDeps{
		Lifecycle: lc,
		Fetcher:   &mockFetcher{docs: wikiDocs("task-1")},
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestSubmitTool(t *testing.T) {
	api := newMockTaskAPI()
	s := newTestServer(t, api)

	result, err := s.handleSubmit(context.Background(), buildRequest("wiki.submit", map[string]any{
		"repo_url": "https://github.com/acme/widgets",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "task-1", out["task_id"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, false, out["watching"])

	slot, ok, err := s.lifecycle.Persisted(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://github.com/acme/widgets", slot.RepoURL)
}

func TestSubmitToolMissingRepo(t *testing.T) {
	s := newTestServer(t, newMockTaskAPI())

	result, err := s.handleSubmit(context.Background(), buildRequest("wiki.submit", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitToolFailure(t *testing.T) {
	api := newMockTaskAPI()
	api.generateErr = errors.New("connection refused")
	s := newTestServer(t, api)

	result, err := s.handleSubmit(context.Background(), buildRequest("wiki.submit", map[string]any{
		"repo_url": "https://github.com/acme/widgets",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "SUBMISSION_ERROR")
}

func TestSubmitToolWatchPushesUpdates(t *testing.T) {
	api := newMockTaskAPI()
	api.complete("task-1")
	s := newTestServer(t, api)
	rec := &recordingNotifier{}
	s.notifier = rec

	result, err := s.handleSubmit(context.Background(), buildRequest("wiki.submit", map[string]any{
		"repo_url": "https://github.com/acme/widgets",
		"watch":    true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := s.lifecycle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, final.Status)
	assert.Equal(t, []any{schema.TaskStatusCompleted}, rec.statuses())
}

func TestStatusTool(t *testing.T) {
	api := newMockTaskAPI()
	s := newTestServer(t, api)
	ctx := context.Background()

	// Nothing tracked and no task_id.
	result, err := s.handleStatus(ctx, buildRequest("wiki.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, err = s.handleSubmit(ctx, buildRequest("wiki.submit", map[string]any{"repo_url": "https://github.com/acme/widgets"}))
	require.NoError(t, err)

	result, err = s.handleStatus(ctx, buildRequest("wiki.status", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "task-1")
	assert.Contains(t, text, "pending")
}

func TestStatusToolExpiredTask(t *testing.T) {
	s := newTestServer(t, newMockTaskAPI())

	result, err := s.handleStatus(context.Background(), buildRequest("wiki.status", map[string]any{
		"task_id": "gone",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var rec schema.TaskRecord
	unmarshalResult(t, result, &rec)
	assert.Equal(t, schema.TaskStatusFailed, rec.Status)
	assert.Equal(t, schema.TaskNotFoundMessage, rec.Error)
}

func TestPagesTool(t *testing.T) {
	api := newMockTaskAPI()
	api.complete("task-1")
	s := newTestServer(t, api)

	result, err := s.handlePages(context.Background(), buildRequest("wiki.pages", map[string]any{
		"task_id": "task-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Count int `json:"count"`
		Pages []struct {
			ID       string `json:"id"`
			Depth    int    `json:"depth"`
			Strategy string `json:"strategy"`
			Bound    bool   `json:"bound"`
		} `json:"pages"`
	}
	unmarshalResult(t, result, &out)
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "overview", out.Pages[0].ID)
	assert.Equal(t, "api", out.Pages[1].ID)
	assert.Equal(t, 1, out.Pages[1].Depth)
	assert.Equal(t, "exact", out.Pages[1].Strategy)
	assert.True(t, out.Pages[1].Bound)
}

func TestPagesToolFilter(t *testing.T) {
	api := newMockTaskAPI()
	api.complete("task-1")
	s := newTestServer(t, api)
	ctx := context.Background()

	result, err := s.handlePages(ctx, buildRequest("wiki.pages", map[string]any{
		"task_id": "task-1",
		"filter":  `any(files, # endsWith ".go")`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, `"count":1`)
	assert.Contains(t, text, `"id":"api"`)

	result, err = s.handlePages(ctx, buildRequest("wiki.pages", map[string]any{
		"task_id": "task-1",
		"filter":  "depth +",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "VALIDATION_ERROR")
}

func TestPagesToolIncompleteTask(t *testing.T) {
	api := newMockTaskAPI()
	s := newTestServer(t, api)
	ctx := context.Background()

	_, err := s.handleSubmit(ctx, buildRequest("wiki.submit", map[string]any{"repo_url": "https://github.com/acme/widgets"}))
	require.NoError(t, err)

	result, err := s.handlePages(ctx, buildRequest("wiki.pages", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not completed")
}

func TestPageTool(t *testing.T) {
	api := newMockTaskAPI()
	api.complete("task-1")
	s := newTestServer(t, api)
	ctx := context.Background()

	result, err := s.handlePage(ctx, buildRequest("wiki.page", map[string]any{
		"task_id": "task-1",
		"page_id": "overview",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	md := extractText(t, result)
	assert.Contains(t, md, "# Overview\n")
	assert.Contains(t, md, "## Install\ngo install ./...")
	assert.Contains(t, md, "```mermaid\ngraph LR")

	result, err = s.handlePage(ctx, buildRequest("wiki.page", map[string]any{
		"task_id": "task-1",
		"page_id": "api",
		"format":  "json",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "API", out["title"])
	assert.Equal(t, []any{"Overview", "API"}, out["breadcrumb"])
	assert.Equal(t, false, out["diagram_rendered"])
}

func TestPageToolErrors(t *testing.T) {
	api := newMockTaskAPI()
	api.complete("task-1")
	s := newTestServer(t, api)
	ctx := context.Background()

	result, err := s.handlePage(ctx, buildRequest("wiki.page", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "page_id is required")

	result, err = s.handlePage(ctx, buildRequest("wiki.page", map[string]any{
		"task_id": "task-1",
		"page_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "CONTENT_NOT_FOUND")

	result, err = s.handlePage(ctx, buildRequest("wiki.page", map[string]any{
		"task_id": "task-1",
		"page_id": "overview",
		"format":  "pdf",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSessionIsCached(t *testing.T) {
	api := newMockTaskAPI()
	api.complete("task-1")
	s := newTestServer(t, api)
	ctx := context.Background()

	a, err := s.session(ctx, "task-1")
	require.NoError(t, err)
	b, err := s.session(ctx, "task-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestDiagramTool(t *testing.T) {
	s := newTestServer(t, newMockTaskAPI())
	ctx := context.Background()
	src := "graph TD\nA[cmd/main] --> B{ok?}"

	result, err := s.handleDiagram(ctx, buildRequest("wiki.diagram", map[string]any{
		"source": src,
		"format": "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "flowchart TB")
	assert.Contains(t, text, `A["cmd/main"]`)

	result, err = s.handleDiagram(ctx, buildRequest("wiki.diagram", map[string]any{
		"source": src,
		"format": "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "cmd/main")

	result, err = s.handleDiagram(ctx, buildRequest("wiki.diagram", map[string]any{
		"source": src,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "<svg")

	result, err = s.handleDiagram(ctx, buildRequest("wiki.diagram", map[string]any{
		"source": "pie title Pets\n\"Dogs\" : 3",
		"format": "mermaid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(ctx, buildRequest("wiki.diagram", map[string]any{
		"source": src,
		"format": "png",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestClearTool(t *testing.T) {
	s := newTestServer(t, newMockTaskAPI())
	ctx := context.Background()

	_, err := s.handleSubmit(ctx, buildRequest("wiki.submit", map[string]any{"repo_url": "https://github.com/acme/widgets"}))
	require.NoError(t, err)
	s.sessions.Register("task-1", "session-1")

	result, err := s.handleClear(ctx, buildRequest("wiki.clear", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "task-1")

	_, ok, err := s.lifecycle.Persisted(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = s.sessions.SessionFor("task-1")
	assert.False(t, ok)
}

func TestToolsWithoutLifecycle(t *testing.T) {
	s := NewWikiServer(WikiServerDeps{})
	ctx := context.Background()

	for name, call := range map[string]func() (*mcp.CallToolResult, error){
		"submit": func() (*mcp.CallToolResult, error) {
			return s.handleSubmit(ctx, buildRequest("wiki.submit", map[string]any{"repo_url": "x"}))
		},
		"status": func() (*mcp.CallToolResult, error) {
			return s.handleStatus(ctx, buildRequest("wiki.status", map[string]any{"task_id": "x"}))
		},
		"clear": func() (*mcp.CallToolResult, error) {
			return s.handleClear(ctx, buildRequest("wiki.clear", nil))
		},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := call()
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

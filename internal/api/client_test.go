package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL: srv.URL,
		Now:     func() time.Time { return time.UnixMilli(1700000000000) },
	})
	require.NoError(t, err)
	return c, srv
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://x", "::"} {
		_, err := New(Config{BaseURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestGenerate(t *testing.T) {
	var received schema.GenerateRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task_id":"t-1","message":"queued"}`))
	})

	out, err := c.Generate(context.Background(), "https://github.com/a/b")
	require.NoError(t, err)
	assert.Equal(t, "t-1", out.TaskID)
	assert.Equal(t, "https://github.com/a/b", received.URLLink)
}

func TestGenerate_FailuresAreSubmissionErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"500": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"detail":"disk full"}`))
		},
		"no task id": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"message":"ok"}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, h)
			_, err := c.Generate(context.Background(), "https://github.com/a/b")
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeSubmission))
		})
	}

	t.Run("500 carries detail", func(t *testing.T) {
		c, _ := newTestClient(t, cases["500"])
		_, err := c.Generate(context.Background(), "x")
		assert.Contains(t, err.Error(), "disk full")
	})
}

func TestGenerate_UnreachableServer(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()
	_, err := c.Generate(context.Background(), "https://github.com/a/b")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSubmission))
}

func TestGetTask(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/t-1", r.URL.Path)
		w.Write([]byte(`{"task_id":"t-1","status":"processing","progress":40,"current_step":"indexing","result":null,"error":null}`))
	})

	resp, err := c.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusProcessing, resp.Status)
	assert.Equal(t, 40.0, resp.Progress)
	assert.Equal(t, "indexing", resp.CurrentStep)
}

func TestGetTask_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"任务不存在: t-1"}`))
	})
	_, err := c.GetTask(context.Background(), "t-1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestGetTask_TransportErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"502": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"schema violation": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"task_id":"t-1","status":"exploded"}`))
		},
		"truncated": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"task_id":"t-1","sta`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, h)
			_, err := c.GetTask(context.Background(), "t-1")
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeTransport))
		})
	}
}

func TestListAndDeleteTasks(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tasks":
			w.Write([]byte(`[{"task_id":"a","status":"completed"},{"task_id":"b","status":"processing"}]`))
		case r.Method == http.MethodDelete && r.URL.Path == "/task/a":
			w.Write([]byte(`{"message":"deleted"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/task/b":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"task is still running"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	tasks, err := c.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "b", tasks[1].TaskID)

	require.NoError(t, c.DeleteTask(ctx, "a"))

	err = c.DeleteTask(ctx, "b")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "still running")

	err = c.DeleteTask(ctx, "zzz")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestHealth(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	assert.NoError(t, c.Health(context.Background()))
}

func TestChat(t *testing.T) {
	var received schema.ChatRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.Write([]byte(`{"answer":"it parses","sources":["a.go"],"repo_url":"https://github.com/a/b"}`))
	})

	out, err := c.Chat(context.Background(), schema.ChatRequest{
		Question:           "what does it do?",
		RepoURL:            "https://github.com/a/b",
		CurrentPageContext: "overview",
	})
	require.NoError(t, err)
	assert.Equal(t, "it parses", out.Answer)
	assert.Equal(t, []string{"a.go"}, out.Sources)
	assert.Equal(t, "overview", received.CurrentPageContext)

	_, err = c.Chat(context.Background(), schema.ChatRequest{Question: "  "})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestFetchJSON_CacheBusts(t *testing.T) {
	var gotQuery url.Values
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"toc":[]}`))
	})

	body, err := c.FetchJSON(context.Background(), srv.URL+"/p/wiki_structure.json?v=2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"toc":[]}`, string(body))
	assert.Equal(t, "1700000000000", gotQuery.Get(CacheBustParam))
	assert.Equal(t, "2", gotQuery.Get("v"), "existing parameters are preserved")
}

func TestFetchJSON_Errors(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx := context.Background()

	_, err := c.FetchJSON(ctx, srv.URL+"/missing.json")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = c.FetchJSON(ctx, srv.URL+"/down.json")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTransport))

	_, err = c.FetchJSON(ctx, "relative/path.json")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestFetchJSON_OversizedBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fits.json" {
			w.Write([]byte(`{"intro":"0123"}`))
			return
		}
		w.Write([]byte(`{"intro":"0123456789abcdef"}`))
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, MaxResponseBody: 16})
	require.NoError(t, err)
	ctx := context.Background()

	body, err := c.FetchJSON(ctx, srv.URL+"/fits.json")
	require.NoError(t, err)
	assert.Equal(t, `{"intro":"0123"}`, string(body), "a body exactly at the limit is accepted")

	_, err = c.FetchJSON(ctx, srv.URL+"/big.json")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTransport))
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestCacheBust(t *testing.T) {
	out, err := CacheBust("https://h/p/a.json", time.UnixMilli(42))
	require.NoError(t, err)
	assert.Equal(t, "https://h/p/a.json?_t=42", out)

	out, err = CacheBust("https://h/p/a.json?_t=1", time.UnixMilli(43))
	require.NoError(t, err)
	assert.Equal(t, "https://h/p/a.json?_t=43", out, "an old cache-bust value is replaced")
}

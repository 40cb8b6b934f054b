package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/api"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/diagram"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/lifecycle"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/store"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/viewer"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// memoryDB selects the in-process store instead of a libSQL file.
const memoryDB = ":memory:"

// app is the DI container shared by all commands. Backend pieces are opened
// on first use so offline commands (diagram, version) never touch the store.
type app struct {
	cfg    Config
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
	asJSON bool

	api      *api.Client
	store    store.Store
	hub      *streaming.MemoryHub
	history  *store.EventLog
	tasks    *lifecycle.Client
	renderer *diagram.Renderer
}

// configure applies the config layers, with flags set on cmd taking priority.
func (a *app) configure(cmd *cobra.Command) {
	a.cfg = loadConfig()
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		a.cfg.APIURL, _ = flags.GetString("api-url")
	}
	if flags.Changed("db-path") {
		a.cfg.DBPath, _ = flags.GetString("db-path")
	}
	if flags.Changed("log-level") {
		a.cfg.LogLevel, _ = flags.GetString("log-level")
	}
	a.asJSON, _ = flags.GetBool("json")
	a.logger = logging.New(a.errOut, a.cfg.LogLevel)
	a.renderer = diagram.NewRenderer(nil, a.logger)
}

// backend opens the API client, the store and the lifecycle client.
func (a *app) backend(ctx context.Context) error {
	if a.tasks != nil {
		return nil
	}
	client, err := api.New(api.Config{BaseURL: a.cfg.APIURL, Logger: a.logger})
	if err != nil {
		return err
	}

	st, err := openStore(ctx, a.cfg.DBPath)
	if err != nil {
		return err
	}

	hub := streaming.NewMemoryHub(0)
	history := store.NewEventLog(st, hub, a.logger)
	tasks, err := lifecycle.New(lifecycle.Config{
		API:    client,
		Store:  st,
		Hub:    history,
		Logger: a.logger,
		Policy: a.cfg.pollPolicy(),
	})
	if err != nil {
		st.Close()
		return err
	}

	a.api, a.store, a.hub, a.history, a.tasks = client, st, hub, history, tasks
	return nil
}

func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(dbPath), err)
	}
	st, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (a *app) close() {
	if a.tasks != nil {
		a.tasks.Close()
		a.tasks = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// resolveTask returns taskID, or the persisted task when it is empty.
func (a *app) resolveTask(ctx context.Context, taskID string) (string, error) {
	if id := strings.TrimSpace(taskID); id != "" {
		return id, nil
	}
	slot, ok, err := a.tasks.Persisted(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no task is tracked; pass a task id or run `repowiki submit` first")
	}
	return slot.TaskID, nil
}

// session opens a viewer on a completed task.
func (a *app) session(ctx context.Context, taskID string) (*viewer.Session, error) {
	id, err := a.resolveTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rec, err := a.tasks.Poll(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case schema.TaskStatusCompleted:
	case schema.TaskStatusFailed:
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "task %s failed: %s", id, rec.Error)
	default:
		return nil, fmt.Errorf("task %s is %s, not completed", id, rec.Status)
	}
	return viewer.NewSession(viewer.Config{
		Record:   rec,
		Fetcher:  a.api,
		Renderer: a.renderer,
		Logger:   a.logger,
	})
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printRecord(rec *schema.TaskRecord) error {
	if a.asJSON {
		return a.printJSON(rec)
	}
	line := fmt.Sprintf("%s  %-10s %3.0f%%", rec.TaskID, rec.Status, rec.Progress)
	if rec.CurrentStep != "" {
		line += "  " + rec.CurrentStep
	}
	if rec.Error != "" {
		line += "  error: " + rec.Error
	}
	_, err := fmt.Fprintln(a.out, line)
	return err
}

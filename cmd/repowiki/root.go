package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/lifecycle"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/store"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/mcp"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:          "repowiki",
		Short:        "Generate and browse documentation for a git repository",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.configure(cmd)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.String("api-url", "", "generation backend URL (default from settings)")
	pf.String("db-path", "", "task store path, or :memory:")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Bool("json", false, "print machine-readable JSON")

	root.AddCommand(
		newSubmitCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
		newResumeCmd(a),
		newClearCmd(a),
		newHistoryCmd(a),
		newPagesCmd(a),
		newPageCmd(a),
		newDiagramCmd(a),
		newExportCmd(a),
		newChatCmd(a),
		newMCPCmd(a),
		newInstallCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run:   func(*cobra.Command, []string) { printVersion(a.out) },
		},
	)

	closeAfterRun(root, a)
	return root
}

// closeAfterRun releases the backend when a command returns, including on
// error, where cobra skips post-run hooks.
func closeAfterRun(cmd *cobra.Command, a *app) {
	for _, c := range cmd.Commands() {
		closeAfterRun(c, a)
	}
	if cmd.RunE == nil {
		return
	}
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		defer a.close()
		return run(c, args)
	}
}

// --- Task lifecycle ---

func newSubmitCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "submit <repo-url>",
		Short: "Submit a repository for documentation generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			rec, err := a.tasks.Submit(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.printRecord(rec); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return a.follow(ctx, func(onUpdate lifecycle.UpdateFunc) error {
				return a.tasks.Watch(ctx, rec.TaskID, onUpdate)
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the task until it finishes")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Poll a task once (default: the tracked task)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			id, err := a.resolveTask(ctx, firstArg(args))
			if err != nil {
				return err
			}
			rec, err := a.tasks.Poll(ctx, id)
			if err != nil {
				return err
			}
			return a.printRecord(rec)
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Follow a task until it completes or fails",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			id, err := a.resolveTask(ctx, firstArg(args))
			if err != nil {
				return err
			}
			return a.follow(ctx, func(onUpdate lifecycle.UpdateFunc) error {
				return a.tasks.Watch(ctx, id, onUpdate)
			})
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume following the tracked task without resubmitting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			var resumed bool
			err := a.follow(ctx, func(onUpdate lifecycle.UpdateFunc) error {
				ok, err := a.tasks.Resume(ctx, onUpdate)
				resumed = ok
				if err == nil && !ok {
					return errNothingToResume
				}
				return err
			})
			if !resumed && errors.Is(err, errNothingToResume) {
				fmt.Fprintln(a.out, "No task to resume")
				return nil
			}
			return err
		},
	}
}

var errNothingToResume = errors.New("no task to resume")

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the tracked task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			if err := a.tasks.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Cleared")
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show the recorded lifecycle of a task (default: the tracked task)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			id, err := a.resolveTask(ctx, firstArg(args))
			if err != nil {
				return err
			}

			if events {
				list, err := a.history.GetEvents(ctx, id, 0)
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(list)
				}
				for _, e := range list {
					fmt.Fprintf(a.out, "%3d  %s  %-15s %s\n",
						e.Sequence, e.Timestamp.Local().Format(time.DateTime), e.Type, string(e.Payload))
				}
				return nil
			}

			h, err := a.history.Replay(ctx, id)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(h)
			}
			return a.printHistory(h)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "list the raw events instead of a summary")
	return cmd
}

func (a *app) printHistory(h *store.TaskHistory) error {
	fmt.Fprintf(a.out, "Task:      %s\n", h.TaskID)
	if h.RepoURL != "" {
		fmt.Fprintf(a.out, "Repo:      %s\n", h.RepoURL)
	}
	fmt.Fprintf(a.out, "Status:    %s (%.0f%%)\n", h.Status, h.Progress)
	if h.Error != "" {
		fmt.Fprintf(a.out, "Error:     %s\n", h.Error)
	}
	if h.SubmittedAt != nil {
		fmt.Fprintf(a.out, "Submitted: %s\n", h.SubmittedAt.Local().Format(time.DateTime))
	}
	if d := h.Duration(); d > 0 {
		fmt.Fprintf(a.out, "Took:      %s\n", d.Round(time.Second))
	}
	_, err := fmt.Fprintf(a.out, "Events:    %d (%d poll failures, %d resumes)\n", h.Events, h.PollFailures, h.Resumes)
	return err
}

// follow starts a watch through start, prints every update and poll failure,
// and blocks until the task is terminal. A failed task is an error.
func (a *app) follow(ctx context.Context, start func(lifecycle.UpdateFunc) error) error {
	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventPollFailed},
	})
	if err != nil {
		return err
	}
	printed := make(chan struct{})
	defer func() {
		unsubscribe()
		<-printed
	}()
	go func() {
		defer close(printed)
		for evt := range events {
			if p, ok := evt.Payload.(map[string]any); ok {
				fmt.Fprintf(a.errOut, "poll failed (attempt %v): %v; retrying\n", p["attempt"], p["error"])
			}
		}
	}()

	onUpdate := func(rec *schema.TaskRecord) {
		if err := a.printRecord(rec); err != nil {
			a.logger.Warn("print update", slog.String("error", err.Error()))
		}
	}
	if err := start(onUpdate); err != nil {
		return err
	}

	final, err := a.tasks.Wait(ctx)
	if err != nil {
		return err
	}
	if final.Status == schema.TaskStatusFailed {
		return schema.NewErrorf(schema.ErrCodeTaskFailed, "task %s failed: %s", final.TaskID, final.Error)
	}
	return nil
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the wiki tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			srv := mcp.NewWikiServer(mcp.WikiServerDeps{
				Lifecycle: a.tasks,
				Fetcher:   a.api,
				Renderer:  a.renderer,
				Logger:    a.logger,
			})
			a.logger.Info("mcp server listening on stdio")
			return srv.Serve(ctx)
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

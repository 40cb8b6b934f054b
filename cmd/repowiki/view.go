package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/diagram"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/filter"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/viewer"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// --- Reading a completed task ---

func newPagesCmd(a *app) *cobra.Command {
	var taskID, expression string
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "List the pages of a completed task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			sess, err := a.session(ctx, taskID)
			if err != nil {
				return err
			}
			bindings, err := sess.Bindings(ctx)
			if err != nil {
				return err
			}
			pages, err := filter.New().Select(expression, filter.Pages(sess.Tree(), bindings))
			if err != nil {
				return err
			}

			if a.asJSON {
				return a.printJSON(pages)
			}
			for _, p := range pages {
				line := strings.Repeat("  ", p.Depth) + p.ID + "  " + p.Title
				if !p.Bound {
					line += "  (no content)"
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task id (default: the tracked task)")
	cmd.Flags().StringVarP(&expression, "filter", "f", "", "page filter, e.g. 'depth == 0' or 'title contains \"API\"'")
	return cmd
}

func newPageCmd(a *app) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "page <page-id>",
		Short: "Print one page as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			sess, err := a.session(ctx, taskID)
			if err != nil {
				return err
			}
			view, err := sess.Page(ctx, args[0])
			if err != nil {
				return err
			}
			if view.State == viewer.PageError {
				return view.Err
			}
			if view.DiagramErr != nil {
				fmt.Fprintf(a.errOut, "warning: diagram not rendered: %v\n", view.DiagramErr)
			}

			if a.asJSON {
				return a.printJSON(map[string]any{
					"page_id":    view.PageID,
					"title":      view.Title,
					"breadcrumb": view.Breadcrumb,
					"url":        view.URL,
					"strategy":   view.Strategy,
					"content":    view.Content,
				})
			}
			_, err = io.WriteString(a.out, viewer.Markdown(view, true))
			return err
		},
	}
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task id (default: the tracked task)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var taskID, format string
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every page of a completed task to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := viewer.ParseFormat(format)
			if err != nil {
				return err
			}
			if err := a.backend(ctx); err != nil {
				return err
			}
			sess, err := a.session(ctx, taskID)
			if err != nil {
				return err
			}
			res, err := sess.Export(ctx, args[0], f)
			if err != nil {
				return err
			}

			for id, pageErr := range res.Failed {
				fmt.Fprintf(a.errOut, "warning: page %s: %v\n", id, pageErr)
			}
			fmt.Fprintf(a.out, "Wrote %d pages to %s", len(res.Written), res.Dir)
			if n := len(res.Failed); n > 0 {
				fmt.Fprintf(a.out, " (%d could not be loaded)", n)
			}
			fmt.Fprintln(a.out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task id (default: the tracked task)")
	cmd.Flags().StringVar(&format, "format", "markdown", "markdown or html")
	return cmd
}

// --- Diagrams ---

func newDiagramCmd(a *app) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "diagram <file|->",
		Short: "Render a Mermaid flowchart as ASCII, SVG or normalized Mermaid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			var text string
			switch format {
			case "svg":
				rendered, err := a.renderer.Render(ctx, src)
				if err != nil {
					return err
				}
				text = rendered.SVG
			case "ascii", "mermaid":
				model, err := parseLenient(src)
				if err != nil {
					return err
				}
				if format == "ascii" {
					text = diagram.RenderASCIIAuto(ctx, model, a.cfg.MermaidASCII)
				} else {
					text = diagram.RenderMermaid(model)
				}
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want ascii, svg or mermaid)", format)
			}

			if output != "" {
				return os.WriteFile(output, []byte(text), 0o644)
			}
			_, err = io.WriteString(a.out, strings.TrimRight(text, "\n")+"\n")
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "ascii, svg or mermaid")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

// parseLenient parses src after the same two preparation passes the SVG
// renderer uses.
func parseLenient(src string) (*diagram.DiagramModel, error) {
	model, err := diagram.ParseMermaid(diagram.Prepare(src))
	if err == nil {
		return model, nil
	}
	if repaired, rerr := diagram.ParseMermaid(diagram.Repair(src)); rerr == nil {
		return repaired, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeDiagramRender, "diagram could not be parsed: %s", err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"source": src})
}

func readSource(stdin io.Reader, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read diagram source: %w", err)
	}
	return string(data), nil
}

// --- Chat ---

func newChatCmd(a *app) *cobra.Command {
	var repoURL, taskID, pageID string
	cmd := &cobra.Command{
		Use:   "chat <question>",
		Short: "Ask a question about a generated repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.backend(ctx); err != nil {
				return err
			}
			if repoURL == "" {
				slot, ok, err := a.tasks.Persisted(ctx)
				if err != nil {
					return err
				}
				if !ok || slot.RepoURL == "" {
					return fmt.Errorf("no repository is tracked; pass --repo")
				}
				repoURL = slot.RepoURL
			}

			req := schema.ChatRequest{Question: strings.Join(args, " "), RepoURL: repoURL}
			if pageID != "" {
				sess, err := a.session(ctx, taskID)
				if err != nil {
					return err
				}
				view, err := sess.Page(ctx, pageID)
				if err != nil {
					return err
				}
				if view.State == viewer.PageReady {
					req.CurrentPageContext = viewer.Markdown(view, false)
				}
			}

			resp, err := a.api.Chat(ctx, req)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(resp)
			}
			fmt.Fprintln(a.out, strings.TrimSpace(resp.Answer))
			if len(resp.Sources) > 0 {
				fmt.Fprintln(a.out, "\nSources:")
				for _, s := range resp.Sources {
					fmt.Fprintln(a.out, "  "+s)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo", "", "repository URL (default: the tracked repository)")
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task id for --page (default: the tracked task)")
	cmd.Flags().StringVar(&pageID, "page", "", "send this page as context")
	return cmd
}

package viewer

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/sync/errgroup"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/reconcile"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/structure"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// Format selects the export file type.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ExportConcurrency bounds parallel page fetches during export.
const ExportConcurrency = 4

const breadcrumbPrefix = "> 导航："

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// ExportResult lists what an export wrote. Pages that could not be loaded
// still get a file describing the failure and are listed in Failed.
type ExportResult struct {
	Dir     string
	Written []string
	Failed  map[string]error
}

// ParseFormat accepts "markdown", "md" and "html".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md", "":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown export format %q", s)
}

// Export writes every page of the tree into dir. Pages are fetched
// concurrently; a page failure is recorded and does not stop the export,
// while a filesystem error does.
func (s *Session) Export(ctx context.Context, dir string, format Format) (*ExportResult, error) {
	if format != FormatMarkdown && format != FormatHTML {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown export format %q", format)
	}
	tree, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create %s: %w", dir, err)
	}

	res := &ExportResult{Dir: dir, Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ExportConcurrency)
	for _, node := range structure.Flatten(tree) {
		id := node.ID
		g.Go(func() error {
			view := s.page(gctx, id, "")
			if err := gctx.Err(); err != nil {
				return err
			}
			name, body, err := renderFile(view, format)
			if err != nil {
				return err
			}
			target := filepath.Join(dir, name)
			if err := os.WriteFile(target, body, 0o644); err != nil {
				return fmt.Errorf("export: write %s: %w", target, err)
			}

			mu.Lock()
			defer mu.Unlock()
			res.Written = append(res.Written, target)
			if view.State == PageError {
				res.Failed[id] = view.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	logging.LogWith(logging.WithTaskID(ctx, s.record.TaskID), s.logger).Info("export finished",
		slog.String("dir", dir),
		slog.String("format", string(format)),
		slog.Int("written", len(res.Written)),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func renderFile(view *PageView, format Format) (string, []byte, error) {
	stem := reconcile.SafeFilename(view.PageID)
	if format == FormatMarkdown {
		return stem + ".md", []byte(Markdown(view, true)), nil
	}
	body, err := HTML(view)
	if err != nil {
		return "", nil, err
	}
	return stem + ".html", body, nil
}

// Markdown renders a page in the generator's layout: title, breadcrumb,
// intro, one level-two heading per section and, when withMermaid is set, a
// fenced mermaid block.
func Markdown(view *PageView, withMermaid bool) string {
	crumbs := view.Breadcrumb
	if len(crumbs) == 0 {
		crumbs = []string{view.Title}
	}
	lines := []string{
		"# " + view.Title,
		"",
		breadcrumbPrefix + strings.Join(crumbs, " / "),
		"",
	}

	if view.State == PageError {
		lines = append(lines, "_This page could not be loaded: "+errorText(view.Err)+"_", "")
		return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
	}

	c := view.Content
	if intro := strings.TrimSpace(c.Intro); intro != "" {
		lines = append(lines, intro, "")
	}
	for _, sec := range c.Sections {
		if h := strings.TrimSpace(sec.Heading); h != "" {
			lines = append(lines, "## "+h)
		}
		if b := strings.TrimSpace(sec.Body); b != "" {
			lines = append(lines, b)
		}
		lines = append(lines, "")
	}
	if withMermaid {
		if m := strings.TrimSpace(c.Mermaid); m != "" {
			lines = append(lines, "```mermaid", m, "```", "")
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}

// HTML renders a standalone page: the markdown body through goldmark, the
// diagram inlined as SVG, or its raw source when rendering failed.
func HTML(view *PageView) ([]byte, error) {
	var body bytes.Buffer
	if err := getMarkdown().Convert([]byte(Markdown(view, false)), &body); err != nil {
		return nil, fmt.Errorf("export: convert %s: %w", view.PageID, err)
	}

	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n</head>\n<body>\n", html.EscapeString(view.Title))
	b.Write(body.Bytes())
	switch {
	case view.Diagram != nil:
		b.WriteString("<figure class=\"diagram\">\n")
		b.WriteString(view.Diagram.SVG)
		b.WriteString("\n</figure>\n")
	case view.DiagramErr != nil:
		fmt.Fprintf(&b, "<div class=\"diagram-error\">\n<p>%s</p>\n<pre>%s</pre>\n</div>\n",
			html.EscapeString(view.DiagramErr.Error()),
			html.EscapeString(view.Content.Mermaid))
	case view.Content.Mermaid != "":
		fmt.Fprintf(&b, "<pre class=\"mermaid\">%s</pre>\n", html.EscapeString(view.Content.Mermaid))
	}
	b.WriteString("</body>\n</html>\n")
	return b.Bytes(), nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

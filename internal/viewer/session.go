// Package viewer binds a completed task to its documentation tree and turns
// page selections into rendered page views.
package viewer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/diagram"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/payload"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/reconcile"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/structure"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// ErrSuperseded is returned by Select when a newer selection was made before
// this one finished. Its page view is discarded.
var ErrSuperseded = errors.New("viewer: selection superseded")

// Fetcher retrieves structure and content documents.
type Fetcher interface {
	FetchJSON(ctx context.Context, rawURL string) ([]byte, error)
}

// PageState is the outcome of loading one page.
type PageState string

const (
	PageReady PageState = "ready"
	PageError PageState = "error"
)

// PageView is everything needed to display one page. A failed page carries
// State PageError and Err; a failed diagram leaves the page ready and sets
// DiagramErr, whose details hold the raw source.
type PageView struct {
	SelectionKey string
	PageID       string
	Title        string
	Breadcrumb   []string
	URL          string
	Strategy     reconcile.Strategy
	Content      schema.PageContent
	Diagram      *diagram.RenderedDiagram
	DiagramErr   error
	State        PageState
	Err          error
}

// Config wires a Session.
type Config struct {
	Record  *schema.TaskRecord
	Fetcher Fetcher
	// Renderer is optional; without it diagrams are left as source.
	Renderer *diagram.Renderer
	Logger   *slog.Logger
}

// Session is the read side of one completed task.
type Session struct {
	record   *schema.TaskRecord
	fetcher  Fetcher
	renderer *diagram.Renderer
	parser   *payload.Parser
	norm     *structure.Normalizer
	logger   *slog.Logger
	newKey   func() string

	loadMu sync.Mutex
	mu     sync.Mutex
	tree   []*schema.PageDescriptor
	loaded bool
	selKey string
	selID  string
}

// NewSession validates that rec is a completed task with a structure URL.
func NewSession(cfg Config) (*Session, error) {
	rec := cfg.Record
	switch {
	case rec == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "viewer: no task record")
	case rec.Status != schema.TaskStatusCompleted:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "viewer: task %s is %s, not completed", rec.TaskID, rec.Status)
	case rec.Result == nil || rec.Result.StructureURL == "":
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "viewer: task %s has no structure url", rec.TaskID)
	case cfg.Fetcher == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "viewer: fetcher is required")
	}
	logger := logging.OrDiscard(cfg.Logger)
	return &Session{
		record:   rec,
		fetcher:  cfg.Fetcher,
		renderer: cfg.Renderer,
		parser:   payload.NewParser(logger),
		norm:     structure.NewNormalizer(logger),
		logger:   logger,
		newKey:   uuid.NewString,
	}, nil
}

// Record returns the task this session views.
func (s *Session) Record() *schema.TaskRecord { return s.record }

// Load fetches and normalizes the structure document. It runs once; later
// calls return the cached tree. Content is never fetched before Load has
// succeeded.
func (s *Session) Load(ctx context.Context) ([]*schema.PageDescriptor, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	if s.loaded {
		tree := s.tree
		s.mu.Unlock()
		return tree, nil
	}
	s.mu.Unlock()

	ctx = logging.WithTaskID(ctx, s.record.TaskID)
	body, err := s.fetcher.FetchJSON(ctx, s.record.Result.StructureURL)
	if err != nil {
		return nil, err
	}
	tree := s.norm.Normalize(body)
	logging.LogWith(ctx, s.logger).Info("structure loaded",
		slog.Int("pages", structure.Count(tree)),
		slog.Int("content_urls", len(s.record.Result.ContentURLs)),
	)

	s.mu.Lock()
	s.tree, s.loaded = tree, true
	s.mu.Unlock()
	return tree, nil
}

// Tree returns the loaded tree, or nil before Load.
func (s *Session) Tree() []*schema.PageDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Bindings resolves every page to its content URL.
func (s *Session) Bindings(ctx context.Context) ([]reconcile.Binding, error) {
	tree, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return reconcile.ResolveAll(tree, s.record.Result.ContentURLs), nil
}

// Selected returns the id of the last page whose selection completed.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selID
}

// Select makes id the current page and loads it. When another Select starts
// before this one finishes, this one returns ErrSuperseded and its result is
// dropped. Page-level failures are reported in the view, not as an error.
func (s *Session) Select(ctx context.Context, id string) (*PageView, error) {
	key := s.newKey()
	s.mu.Lock()
	s.selKey = key
	s.mu.Unlock()

	if _, err := s.Load(ctx); err != nil {
		return nil, err
	}

	view := s.page(ctx, id, "select:"+id)
	view.SelectionKey = key

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selKey != key {
		logging.LogWith(ctx, s.logger).Debug("dropping superseded selection",
			slog.String("page_id", id), slog.String("selection_key", key))
		return nil, ErrSuperseded
	}
	s.selID = id
	return view, nil
}

// Page loads one page without touching the selection. Concurrent calls for
// the same page never supersede each other's diagram.
func (s *Session) Page(ctx context.Context, id string) (*PageView, error) {
	if _, err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s.page(ctx, id, ""), nil
}

// page loads id. An empty diagramKey gives the render a key of its own that
// is dropped once the render settles.
func (s *Session) page(ctx context.Context, id, diagramKey string) *PageView {
	ctx = logging.WithPageID(logging.WithTaskID(ctx, s.record.TaskID), id)
	log := logging.LogWith(ctx, s.logger)
	tree := s.Tree()

	view := &PageView{PageID: id, Title: id, State: PageReady}
	node := structure.Find(tree, id)
	if node != nil {
		view.Title = node.Title
		view.Breadcrumb = structure.Breadcrumb(tree, id)
	}

	u, err := reconcile.Resolve(tree, s.record.Result.ContentURLs, id)
	if err != nil {
		return failed(view, err)
	}
	view.URL = u
	for _, b := range reconcile.ResolveAll(tree, s.record.Result.ContentURLs) {
		if b.NodeID == id {
			view.Strategy = b.Strategy
			if b.Disagrees {
				log.Debug("content url chosen by filename differs from list position", slog.String("url", u))
			}
			break
		}
	}

	body, err := s.fetcher.FetchJSON(ctx, u)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			err = schema.NewErrorf(schema.ErrCodeContentNotFound, "content document %s is missing", u).
				WithCause(err).
				WithPage(id)
		}
		log.Warn("page fetch failed", slog.String("url", u), slog.String("error", err.Error()))
		return failed(view, err)
	}
	view.Content = s.parser.ParseBytes(body)

	if view.Content.Mermaid != "" && s.renderer != nil {
		if diagramKey == "" {
			diagramKey = "page:" + id + ":" + s.newKey()
			defer s.renderer.Forget(diagramKey)
		}
		rv := s.renderer.Request(ctx, diagramKey, view.Content.Mermaid)
		view.Diagram, view.DiagramErr = rv.Wait(ctx)
		if view.DiagramErr != nil {
			log.Info("diagram not rendered", slog.String("error", view.DiagramErr.Error()))
		}
	}
	return view
}

func failed(view *PageView, err error) *PageView {
	view.State = PageError
	view.Err = err
	return view
}

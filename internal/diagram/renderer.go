package diagram

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// ErrSuperseded resolves a View that was replaced by a newer request for
// the same key before its render finished.
var ErrSuperseded = errors.New("diagram: render superseded by a newer request")

// RenderedDiagram is the result of one successful render attempt.
type RenderedDiagram struct {
	RenderID string
	SVG      string
	// Source is the text that actually rendered: the prepared source, or the
	// repaired one when the first attempt failed.
	Source   string
	Repaired bool
}

// Renderer renders Mermaid flowcharts to SVG through a shared engine.
type Renderer struct {
	engines *EngineProvider
	logger  *slog.Logger
	newID   func() string

	mu    sync.Mutex
	views map[string]*View
}

// NewRenderer creates a renderer. A nil provider selects Default().
func NewRenderer(engines *EngineProvider, logger *slog.Logger) *Renderer {
	if engines == nil {
		engines = Default()
	}
	return &Renderer{
		engines: engines,
		logger:  logging.OrDiscard(logger),
		newID:   uuid.NewString,
		views:   make(map[string]*View),
	}
}

// Render prepares and renders src. When the first attempt fails the source
// is repaired and rendered once more; if that fails too the error is
// DIAGRAM_RENDER_FAILED and carries the raw source for display. Every
// attempt gets a fresh render id.
func (r *Renderer) Render(ctx context.Context, src string) (*RenderedDiagram, error) {
	eng, err := r.engines.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeDiagramRender, "%s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": src})
	}

	prepared := Prepare(src)
	out, firstErr := r.attempt(ctx, eng, prepared)
	if firstErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	repaired := Repair(prepared)
	out, err = r.attempt(ctx, eng, repaired)
	if err == nil {
		out.Repaired = true
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, schema.NewErrorf(schema.ErrCodeDiagramRender, "render diagram: %s", err.Error()).
		WithCause(err).
		WithDetails(map[string]any{
			"source":      src,
			"first_error": firstErr.Error(),
		})
}

func (r *Renderer) attempt(ctx context.Context, eng *Engine, src string) (*RenderedDiagram, error) {
	id := r.newID()
	ctx = logging.WithRenderID(ctx, id)
	log := logging.LogWith(ctx, r.logger)

	model, err := ParseMermaid(src)
	if err != nil {
		log.Debug("diagram parse failed", slog.String("error", err.Error()))
		return nil, err
	}
	svg, err := eng.RenderSVG(ctx, model)
	if err != nil {
		log.Warn("diagram render failed", slog.String("error", err.Error()))
		return nil, err
	}
	log.Debug("diagram rendered",
		slog.Int("nodes", len(model.Nodes)),
		slog.Int("edges", len(model.Edges)),
	)
	return &RenderedDiagram{RenderID: id, SVG: string(svg), Source: src}, nil
}

// ViewState is the observable state of a render request.
type ViewState string

const (
	ViewIdle    ViewState = "idle"
	ViewLoading ViewState = "loading"
	ViewReady   ViewState = "ready"
	ViewError   ViewState = "error"
)

var viewTransitions = map[ViewState][]ViewState{
	ViewIdle:    {ViewLoading},
	ViewLoading: {ViewReady, ViewError},
}

// View tracks one render request for a logical diagram.
type View struct {
	Key    string
	Source string

	mu     sync.Mutex
	state  ViewState
	result *RenderedDiagram
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

func newView(key, src string) *View {
	return &View{Key: key, Source: src, state: ViewIdle, done: make(chan struct{})}
}

// State returns the current state.
func (v *View) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Done is closed when the view reaches ready or error.
func (v *View) Done() <-chan struct{} { return v.done }

// Result returns the rendered diagram or the error once the view settled.
func (v *View) Result() (*RenderedDiagram, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result, v.err
}

// Wait blocks until the view settles or ctx is done.
func (v *View) Wait(ctx context.Context) (*RenderedDiagram, error) {
	select {
	case <-v.done:
		return v.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// transition moves the view to state to. It reports false when the move is
// not allowed, which is how a settled view ignores late results.
func (v *View) transition(to ViewState, result *RenderedDiagram, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	allowed := false
	for _, s := range viewTransitions[v.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	v.state = to
	if to == ViewReady || to == ViewError {
		v.result, v.err = result, err
		close(v.done)
	}
	return true
}

// Request starts rendering src for key and returns its View immediately.
// A pending request for the same key is superseded: it settles with
// ErrSuperseded and its late result is discarded.
func (r *Renderer) Request(ctx context.Context, key, src string) *View {
	v := newView(key, src)
	rctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel

	r.mu.Lock()
	prev := r.views[key]
	r.views[key] = v
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
		prev.transition(ViewError, nil, ErrSuperseded)
	}

	v.transition(ViewLoading, nil, nil)
	go r.run(rctx, v)
	return v
}

// View returns the latest view requested for key, or nil.
func (r *Renderer) View(key string) *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[key]
}

// Forget cancels and drops the view for key.
func (r *Renderer) Forget(key string) {
	r.mu.Lock()
	v := r.views[key]
	delete(r.views, key)
	r.mu.Unlock()
	if v != nil {
		v.cancel()
		v.transition(ViewError, nil, ErrSuperseded)
	}
}

func (r *Renderer) run(ctx context.Context, v *View) {
	defer v.cancel()
	out, err := r.Render(ctx, v.Source)

	r.mu.Lock()
	current := r.views[v.Key] == v
	r.mu.Unlock()
	if !current {
		logging.LogWith(ctx, r.logger).Debug("discarding superseded diagram render",
			slog.String("key", v.Key))
		return
	}
	if err != nil {
		v.transition(ViewError, nil, err)
		return
	}
	if !v.transition(ViewReady, out, nil) {
		logging.LogWith(ctx, r.logger).Debug("diagram view already settled",
			slog.String("key", v.Key), slog.String("render_id", out.RenderID))
	}
}

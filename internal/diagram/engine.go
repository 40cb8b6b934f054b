package diagram

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-graphviz"
)

// Engine owns one graphviz instance.
type Engine struct {
	mu     sync.Mutex
	gv     *graphviz.Graphviz
	closed bool
}

func (e *Engine) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.gv.Close()
}

// EngineFactory creates the underlying graphviz instance.
type EngineFactory func(ctx context.Context) (*graphviz.Graphviz, error)

// EngineProvider lazily creates a single Engine. The first Get starts the
// one and only initialization; every caller, including those arriving while
// it is still in flight, waits on the same ready channel and observes the
// same result. An initialization error is sticky.
type EngineProvider struct {
	factory EngineFactory

	once   sync.Once
	ready  chan struct{}
	engine *Engine
	err    error

	mu     sync.Mutex
	closed bool

	inits atomic.Int32
}

// NewEngineProvider returns a provider backed by graphviz.New.
func NewEngineProvider() *EngineProvider {
	return NewEngineProviderWith(graphviz.New)
}

// NewEngineProviderWith returns a provider that initializes through factory.
func NewEngineProviderWith(factory EngineFactory) *EngineProvider {
	return &EngineProvider{factory: factory, ready: make(chan struct{})}
}

var (
	defaultOnce     sync.Once
	defaultProvider *EngineProvider
)

// Default returns the process-wide provider.
func Default() *EngineProvider {
	defaultOnce.Do(func() {
		defaultProvider = NewEngineProvider()
	})
	return defaultProvider
}

// Warm starts initialization without waiting for it.
func (p *EngineProvider) Warm(ctx context.Context) {
	p.start(ctx)
}

// Get returns the engine, waiting for initialization if necessary. A
// cancelled ctx abandons the wait but not the initialization.
func (p *EngineProvider) Get(ctx context.Context) (*Engine, error) {
	p.start(ctx)
	select {
	case <-p.ready:
		return p.engine, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready is closed once initialization has finished, successfully or not.
func (p *EngineProvider) Ready() <-chan struct{} { return p.ready }

// Initializations reports how many times the factory ran (0 or 1).
func (p *EngineProvider) Initializations() int { return int(p.inits.Load()) }

// Close releases the engine. An initialization still in flight closes its
// engine as soon as it finishes. Renders after Close fail with
// ErrEngineClosed.
func (p *EngineProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	engine := p.engine
	p.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.close()
}

func (p *EngineProvider) start(ctx context.Context) {
	p.once.Do(func() {
		go p.init(context.WithoutCancel(ctx))
	})
}

func (p *EngineProvider) init(ctx context.Context) {
	defer close(p.ready)
	p.inits.Add(1)
	gv, err := p.factory(ctx)
	if err != nil {
		p.err = fmt.Errorf("diagram: initialize engine: %w", err)
		return
	}
	gv.SetLayout(graphviz.DOT)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine = &Engine{gv: gv}
	if p.closed {
		_ = p.engine.close()
	}
}

// Package filter selects pages of a documentation tree with expr-lang
// predicates such as `depth == 0`, `title contains "API"` or
// `any(files, # endsWith ".go") && bound`.
package filter

import (
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/reconcile"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/structure"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// Page is the environment a predicate is evaluated against.
type Page struct {
	ID          string   `expr:"id" json:"id"`
	Title       string   `expr:"title" json:"title"`
	Filename    string   `expr:"filename" json:"filename"`
	Files       []string `expr:"files" json:"files,omitempty"`
	Depth       int      `expr:"depth" json:"depth"`
	Index       int      `expr:"index" json:"index"`
	Parent      string   `expr:"parent" json:"parent,omitempty"`
	Breadcrumb  []string `expr:"breadcrumb" json:"breadcrumb"`
	HasChildren bool     `expr:"has_children" json:"has_children"`
	URL         string   `expr:"url" json:"url,omitempty"`
	Strategy    string   `expr:"strategy" json:"strategy,omitempty"`
	Bound       bool     `expr:"bound" json:"bound"`
}

// Filter compiles and caches predicates. Compiled programs are safe to share
// across goroutines.
type Filter struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a Filter.
func New() *Filter {
	return &Filter{cache: make(map[string]*vm.Program)}
}

// Compile type-checks expression against Page and requires a bool result.
func (f *Filter) Compile(expression string) (*vm.Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty filter expression")
	}

	f.mu.RLock()
	if prg, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return prg, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, ok := f.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(Page{}), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"filter compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	f.cache[expression] = prg
	return prg, nil
}

// Match evaluates expression for one page.
func (f *Filter) Match(expression string, page Page) (bool, error) {
	prg, err := f.Compile(expression)
	if err != nil {
		return false, err
	}
	return run(prg, expression, page)
}

// Select returns the pages matching expression, in depth-first order. An
// empty expression selects every page.
func (f *Filter) Select(expression string, pages []Page) ([]Page, error) {
	if strings.TrimSpace(expression) == "" {
		return pages, nil
	}
	prg, err := f.Compile(expression)
	if err != nil {
		return nil, err
	}
	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		ok, err := run(prg, expression, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func run(prg *vm.Program, expression string, page Page) (bool, error) {
	out, err := expr.Run(prg, page)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"filter evaluation failed for %q on page %s: %s", expression, page.ID, err.Error()).
			WithCause(err).
			WithPage(page.ID)
	}
	b, _ := out.(bool)
	return b, nil
}

// Pages builds the filter environment for every node of tree. bindings, when
// non-nil, must come from reconcile.ResolveAll on the same tree.
func Pages(tree []*schema.PageDescriptor, bindings []reconcile.Binding) []Page {
	var out []Page
	structure.Walk(tree, func(node *schema.PageDescriptor, ancestors []*schema.PageDescriptor) bool {
		crumbs := make([]string, 0, len(ancestors)+1)
		for _, a := range ancestors {
			crumbs = append(crumbs, a.Title)
		}
		crumbs = append(crumbs, node.Title)

		p := Page{
			ID:          node.ID,
			Title:       node.Title,
			Filename:    node.Filename,
			Files:       node.Files,
			Depth:       len(ancestors),
			Index:       len(out),
			Breadcrumb:  crumbs,
			HasChildren: len(node.Children) > 0,
		}
		if len(ancestors) > 0 {
			p.Parent = ancestors[len(ancestors)-1].ID
		}
		if i := len(out); i < len(bindings) && bindings[i].NodeID == node.ID {
			b := bindings[i]
			p.URL = b.URL
			p.Strategy = string(b.Strategy)
			p.Bound = b.Err == nil && b.URL != ""
		}
		out = append(out, p)
		return true
	})
	return out
}

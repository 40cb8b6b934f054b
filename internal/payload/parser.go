// Package payload salvages page content documents. The generator sometimes
// serializes its own output twice, wraps it in fences or envelopes, or
// truncates it; Parse absorbs all of that and never fails.
package payload

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/jsontext"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/validation"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// MaxDepth bounds how many layers of serialized JSON are unwrapped.
const MaxDepth = 3

// Parser is safe for concurrent use.
type Parser struct {
	logger    *slog.Logger
	validator *validation.JSONSchemaValidator
}

// NewParser creates a Parser. A nil logger discards.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logging.OrDiscard(logger), validator: validation.Default()}
}

var defaultParser = NewParser(nil)

// Parse is NewParser(nil).Parse.
func Parse(raw any) schema.PageContent { return defaultParser.Parse(raw) }

// ParseBytes is NewParser(nil).ParseBytes.
func ParseBytes(raw []byte) schema.PageContent { return defaultParser.ParseBytes(raw) }

// ParseBytes parses a raw content document body.
func (p *Parser) ParseBytes(raw []byte) schema.PageContent {
	return p.Parse(string(raw))
}

// Parse normalizes an untrusted content value. It always returns a content
// with a non-nil Sections slice and never panics.
func (p *Parser) Parse(raw any) (out schema.PageContent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("payload parser recovered", slog.Any("panic", r))
			out = schema.EmptyContent()
		}
	}()
	return p.parse(raw, 0).content()
}

// partial is content plus which fields the source actually carried, so an
// inner document can override only what it defines.
type partial struct {
	intro, mermaid        string
	sections              []schema.Section
	hasIntro, hasSections bool
	hasMermaid            bool
}

func (pt partial) content() schema.PageContent {
	c := schema.PageContent{Intro: pt.intro, Sections: pt.sections, Mermaid: pt.mermaid}
	if c.Sections == nil {
		c.Sections = []schema.Section{}
	}
	return c
}

func (p *Parser) parse(raw any, depth int) partial {
	if depth > MaxDepth {
		p.logger.Debug("payload nested too deeply", slog.Int("depth", depth))
		return partial{}
	}

	switch v := raw.(type) {
	case nil:
		return partial{}
	case []byte:
		return p.parseString(string(v), depth)
	case json.RawMessage:
		return p.parseString(string(v), depth)
	case string:
		return p.parseString(v, depth)
	case map[string]any:
		return p.parseObject(v, depth)
	case []any:
		return partial{sections: parseSections(v), hasSections: true}
	default:
		// structs and typed maps: go through JSON once
		b, err := json.Marshal(v)
		if err != nil {
			return partial{}
		}
		var generic any
		if json.Unmarshal(b, &generic) != nil {
			return partial{}
		}
		switch generic.(type) {
		case map[string]any, []any:
			return p.parse(generic, depth)
		}
		return partial{}
	}
}

func (p *Parser) parseString(s string, depth int) partial {
	s = strings.TrimSpace(s)
	if s == "" {
		return partial{}
	}
	v, method, err := jsontext.Decode(s)
	if err != nil {
		if jsontext.LooksLikeJSON(s) {
			p.logger.Debug("payload string is damaged JSON", slog.String("error", err.Error()))
			return partial{}
		}
		// plain prose: the model ignored the JSON instruction
		return partial{intro: s, hasIntro: true}
	}
	if method != jsontext.MethodStrict {
		p.logger.Debug("payload recovered from damaged text", slog.String("method", string(method)))
	}
	return p.parse(v, depth+1)
}

func (p *Parser) parseObject(m map[string]any, depth int) partial {
	if inner, ok := envelopeContent(m); ok {
		return p.parse(inner, depth+1)
	}

	if err := p.validator.ValidateContent(m); err != nil {
		p.logger.Debug("content does not match schema, salvaging", slog.String("error", err.Error()))
	}

	var out partial
	introRaw, introKey := first(m, "intro", "summary")
	if introKey {
		out.hasIntro = true
		switch iv := introRaw.(type) {
		case string:
			out.intro = strings.TrimSpace(iv)
		case map[string]any:
			return p.merge(p.parse(iv, depth+1), m, depth)
		}
	}

	if sv, ok := m["sections"]; ok {
		out.sections, out.hasSections = p.sectionsFrom(sv, depth), true
	}
	if mv, ok := m["mermaid"]; ok {
		out.hasMermaid = true
		if s, ok := mv.(string); ok {
			out.mermaid = cleanMermaid(s)
		}
	}

	if jsontext.LooksLikeObject(out.intro) {
		innerVal, _, err := jsontext.Decode(out.intro)
		if inner, ok := innerVal.(map[string]any); err == nil && ok {
			return p.merge(p.parse(inner, depth+1), m, depth)
		}
		p.logger.Debug("intro looks serialized but does not parse; keeping it as text")
	}
	return out
}

// merge lets the inner document win for every field it defines and falls
// back to the outer object for the rest. The outer intro is never reused
// since it was the serialized inner document.
func (p *Parser) merge(inner partial, outer map[string]any, depth int) partial {
	out := inner
	out.hasIntro = true
	if !inner.hasSections {
		if sv, ok := outer["sections"]; ok {
			out.sections, out.hasSections = p.sectionsFrom(sv, depth), true
		}
	}
	if !inner.hasMermaid {
		if s, ok := outer["mermaid"].(string); ok {
			out.mermaid, out.hasMermaid = cleanMermaid(s), true
		}
	}
	return out
}

func (p *Parser) sectionsFrom(v any, depth int) []schema.Section {
	switch sv := v.(type) {
	case []any:
		return parseSections(sv)
	case string:
		if depth >= MaxDepth {
			return nil
		}
		decoded, _, err := jsontext.Decode(sv)
		if list, ok := decoded.([]any); err == nil && ok {
			return parseSections(list)
		}
	}
	return nil
}

func parseSections(list []any) []schema.Section {
	out := make([]schema.Section, 0, len(list))
	for _, item := range list {
		var sec schema.Section
		switch v := item.(type) {
		case map[string]any:
			sec.Heading = textField(v, "heading", "title", "name")
			sec.Body = textField(v, "body", "content", "text")
		case string:
			sec.Body = strings.TrimSpace(v)
		}
		if sec.Heading == "" && sec.Body == "" {
			continue
		}
		out = append(out, sec)
	}
	return out
}

// envelopeContent unwraps the {section_id, title, breadcrumb, content}
// document the generator writes beside its markdown.
func envelopeContent(m map[string]any) (any, bool) {
	if _, ok := first(m, "intro", "summary", "sections"); ok {
		return nil, false
	}
	c, ok := m["content"]
	if !ok {
		return nil, false
	}
	switch c.(type) {
	case map[string]any, string:
		return c, true
	}
	return nil, false
}

func first(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// textField returns the first string under keys; a list of strings is joined
// into paragraphs.
func textField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case []any:
			var parts []string
			for _, e := range v {
				if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, strings.TrimSpace(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n\n")
			}
		}
	}
	return ""
}

func cleanMermaid(s string) string {
	return strings.TrimSpace(jsontext.StripCodeFence(s))
}

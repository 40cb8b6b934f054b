// Package structure turns whatever the generator produced as a table of
// contents into an ordered tree of page descriptors.
package structure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/itchyny/gojq"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/jsontext"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// UnknownID is assigned to nodes with no usable identity.
const UnknownID = "unknown"

const (
	maxDepth       = 64
	maxStringDepth = 3
)

// tocQuery selects the node list of a wrapped document: the first of toc or
// pages that is an array.
const tocQuery = `[.toc, .pages] | map(select(type == "array")) | first // empty`

// Normalizer is safe for concurrent use.
type Normalizer struct {
	logger *slog.Logger
	toc    *gojq.Code
}

// NewNormalizer creates a Normalizer. A nil logger discards.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	q, err := gojq.Parse(tocQuery)
	if err != nil {
		panic("structure: toc query: " + err.Error())
	}
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		panic("structure: toc query: " + err.Error())
	}
	return &Normalizer{logger: logging.OrDiscard(logger), toc: code}
}

var defaultNormalizer = NewNormalizer(nil)

// Normalize is NewNormalizer(nil).Normalize.
func Normalize(raw []byte) []*schema.PageDescriptor { return defaultNormalizer.Normalize(raw) }

// NormalizeValue is NewNormalizer(nil).NormalizeValue.
func NormalizeValue(v any) []*schema.PageDescriptor { return defaultNormalizer.NormalizeValue(v) }

// Normalize accepts a raw structure document. A flat mapping keeps the key
// order of the document. Malformed input never fails: the worst case is a
// single "unknown" node.
func (n *Normalizer) Normalize(raw []byte) []*schema.PageDescriptor {
	return n.normalizeBytes(raw, 0)
}

// NormalizeValue accepts an already-decoded value. Go maps carry no order, so
// a flat mapping passed here comes out in sorted key order; use Normalize to
// keep document order.
func (n *Normalizer) NormalizeValue(v any) []*schema.PageDescriptor {
	switch val := v.(type) {
	case []byte:
		return n.Normalize(val)
	case string:
		return n.normalizeBytes([]byte(val), 0)
	case nil:
		return n.fallback("nil structure")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return n.fallback("unencodable structure: " + err.Error())
	}
	return n.normalizeBytes(b, 0)
}

func (n *Normalizer) normalizeBytes(raw []byte, depth int) (out []*schema.PageDescriptor) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("structure normalizer recovered", slog.Any("panic", r))
			out = n.fallback("panic")
		}
	}()

	if depth > maxStringDepth {
		return n.fallback("structure nested in strings too deeply")
	}

	v, method, err := jsontext.Decode(string(raw))
	if err != nil {
		return n.fallback("undecodable structure: " + err.Error())
	}
	if method != jsontext.MethodStrict {
		n.logger.Debug("structure recovered from damaged text", slog.String("method", string(method)))
		raw, _ = json.Marshal(v)
	}

	switch val := v.(type) {
	case []any:
		return nodesFromList(val, 0)
	case map[string]any:
		if list, ok := n.extractList(val); ok {
			return nodesFromList(list, 0)
		}
		return n.nodesFromFlatMap(raw)
	case string:
		// the generator occasionally serializes the document twice
		return n.normalizeBytes([]byte(val), depth+1)
	default:
		return n.fallback("structure is a scalar")
	}
}

func (n *Normalizer) extractList(doc map[string]any) ([]any, bool) {
	iter := n.toc.RunWithContext(context.Background(), doc)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if err, isErr := v.(error); isErr {
		n.logger.Debug("toc query failed", slog.String("error", err.Error()))
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok
}

// nodesFromFlatMap walks the object with jsonparser so that node order
// follows the document rather than Go map iteration.
func (n *Normalizer) nodesFromFlatMap(raw []byte) []*schema.PageDescriptor {
	var nodes []*schema.PageDescriptor
	keys := 0
	err := jsonparser.ObjectEach(bytes.TrimSpace(raw), func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		keys++
		k, err := jsonparser.ParseString(key)
		if err != nil {
			k = string(key)
		}
		switch typ {
		case jsonparser.String:
			title, err := jsonparser.ParseString(value)
			if err != nil {
				title = string(value)
			}
			node := &schema.PageDescriptor{ID: idOr(k), Title: strings.TrimSpace(title)}
			finish(node)
			nodes = append(nodes, node)
		case jsonparser.Object:
			var obj map[string]any
			if json.Unmarshal(value, &obj) != nil {
				return nil
			}
			nodes = append(nodes, nodeFromMap(obj, k, 0))
		}
		return nil
	})
	if err != nil {
		n.logger.Debug("flat structure walk stopped", slog.String("error", err.Error()))
	}
	if len(nodes) == 0 && (err != nil || keys > 0) {
		return n.fallback("flat structure has no usable entries")
	}
	if nodes == nil {
		return []*schema.PageDescriptor{}
	}
	return nodes
}

func (n *Normalizer) fallback(reason string) []*schema.PageDescriptor {
	n.logger.Debug("structure malformed, using fallback", slog.String("reason", reason))
	node := &schema.PageDescriptor{ID: UnknownID}
	finish(node)
	return []*schema.PageDescriptor{node}
}

func nodesFromList(list []any, depth int) []*schema.PageDescriptor {
	nodes := make([]*schema.PageDescriptor, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			nodes = append(nodes, nodeFromMap(v, "", depth))
		case string:
			node := &schema.PageDescriptor{ID: UnknownID, Title: strings.TrimSpace(v)}
			finish(node)
			nodes = append(nodes, node)
		default:
			node := &schema.PageDescriptor{ID: UnknownID}
			finish(node)
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// nodeFromMap derives a descriptor. key is the flat-mapping key, used as the
// id when the object names none of its own.
func nodeFromMap(m map[string]any, key string, depth int) *schema.PageDescriptor {
	node := &schema.PageDescriptor{
		Title:    stringField(m, "title", "name"),
		Filename: stringField(m, "filename", "file"),
	}

	switch {
	case stringField(m, "id") != "":
		node.ID = stringField(m, "id")
	case stringField(m, "key", "slug", "section_id") != "":
		node.ID = stringField(m, "key", "slug", "section_id")
	case key != "":
		node.ID = key
	case node.Filename != "":
		base := path.Base(node.Filename)
		node.ID = idOr(strings.TrimSuffix(base, path.Ext(base)))
	default:
		node.ID = UnknownID
	}

	if files, ok := m["files"].([]any); ok {
		for _, f := range files {
			if s, ok := f.(string); ok && strings.TrimSpace(s) != "" {
				node.Files = append(node.Files, strings.TrimSpace(s))
			}
		}
	}

	if children, ok := m["children"].([]any); ok && len(children) > 0 && depth < maxDepth {
		node.Children = nodesFromList(children, depth+1)
	}

	finish(node)
	return node
}

// finish applies the derived defaults.
func finish(node *schema.PageDescriptor) {
	if node.ID == "" {
		node.ID = UnknownID
	}
	if node.Filename == "" {
		node.Filename = node.ID + ".json"
	}
	if node.Title == "" {
		node.Title = node.ID
	}
}

func idOr(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return UnknownID
}

// stringField returns the first of keys holding a non-blank string or number.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// Package reconcile binds page descriptors to the content URLs a completed
// task reports. Explicit filename matches win over list position.
package reconcile

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/structure"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// Strategy names how a node was bound to its URL.
type Strategy string

const (
	StrategyExact    Strategy = "exact"
	StrategySuffix   Strategy = "suffix"
	StrategyID       Strategy = "id"
	StrategyPosition Strategy = "position"
)

const jsonExt = ".json"

// Binding is the resolution of one node.
type Binding struct {
	NodeID   string   `json:"node_id"`
	URL      string   `json:"url,omitempty"`
	Strategy Strategy `json:"strategy,omitempty"`
	// Disagrees is set when an explicit match points somewhere other than the
	// URL at the node's depth-first position.
	Disagrees bool  `json:"disagrees,omitempty"`
	Err       error `json:"-"`
}

// Resolve returns the content URL for selectedID. It is a pure function of its
// inputs. A node that cannot be bound yields CONTENT_NOT_FOUND for that page
// only.
func Resolve(tree []*schema.PageDescriptor, urls []string, selectedID string) (string, error) {
	node := structure.Find(tree, selectedID)
	if node == nil {
		return "", notFound(selectedID, "page is not in the structure")
	}
	u, _, err := resolveNode(node, structure.IndexOf(tree, selectedID), segments(urls), urls)
	return u, err
}

// ResolveAll binds every node in depth-first order.
func ResolveAll(tree []*schema.PageDescriptor, urls []string) []Binding {
	segs := segments(urls)
	flat := structure.Flatten(tree)
	out := make([]Binding, 0, len(flat))
	for i, node := range flat {
		u, strategy, err := resolveNode(node, i, segs, urls)
		b := Binding{NodeID: node.ID, URL: u, Strategy: strategy, Err: err}
		if err == nil && strategy != StrategyPosition && i < len(urls) && urls[i] != u {
			b.Disagrees = true
		}
		out = append(out, b)
	}
	return out
}

func resolveNode(node *schema.PageDescriptor, index int, segs, urls []string) (string, Strategy, error) {
	filename := path.Base(node.Filename)

	for i, seg := range segs {
		if seg != "" && seg == filename {
			return urls[i], StrategyExact, nil
		}
	}

	bare := strings.TrimSuffix(filename, jsonExt)
	for i, seg := range segs {
		if seg != "" && strings.TrimSuffix(seg, jsonExt) == bare {
			return urls[i], StrategySuffix, nil
		}
	}

	safe := SafeFilename(node.ID)
	for i, seg := range segs {
		s := strings.TrimSuffix(seg, jsonExt)
		if s != "" && (s == node.ID || s == safe) {
			return urls[i], StrategyID, nil
		}
	}

	if index >= 0 && index < len(urls) && strings.TrimSpace(urls[index]) != "" {
		return urls[index], StrategyPosition, nil
	}
	return "", "", notFound(node.ID, "no content url matches")
}

func segments(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = TrailingSegment(u)
	}
	return out
}

// TrailingSegment returns the last path segment of rawURL, percent-decoded,
// ignoring query and fragment.
func TrailingSegment(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else {
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
		if unescaped, err := url.PathUnescape(p); err == nil {
			p = unescaped
		}
	}
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	return p
}

var unsafeRun = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeFilename is the file stem the generator derives from a section id:
// lowercase, with every run of other characters collapsed to "-".
func SafeFilename(id string) string {
	s := unsafeRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(id)), "-")
	if s == "" {
		return "section"
	}
	return s
}

func notFound(id, msg string) *schema.WikiError {
	return schema.NewError(schema.ErrCodeContentNotFound, msg).WithPage(id)
}

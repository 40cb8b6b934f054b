package structure

import "github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"

// WalkFunc is called for every node in depth-first pre-order. ancestors runs
// from the root down to the node's parent. Returning false stops the walk.
type WalkFunc func(node *schema.PageDescriptor, ancestors []*schema.PageDescriptor) bool

// Walk visits tree depth-first, parents before children.
func Walk(tree []*schema.PageDescriptor, fn WalkFunc) {
	walk(tree, nil, fn)
}

func walk(nodes []*schema.PageDescriptor, ancestors []*schema.PageDescriptor, fn WalkFunc) bool {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if !fn(n, ancestors) {
			return false
		}
		if len(n.Children) > 0 {
			// full slice expression so siblings never share a backing array
			next := append(ancestors[:len(ancestors):len(ancestors)], n)
			if !walk(n.Children, next, fn) {
				return false
			}
		}
	}
	return true
}

// Flatten returns every node in depth-first pre-order. This is the order
// content URLs are positionally matched against.
func Flatten(tree []*schema.PageDescriptor) []*schema.PageDescriptor {
	var out []*schema.PageDescriptor
	Walk(tree, func(n *schema.PageDescriptor, _ []*schema.PageDescriptor) bool {
		out = append(out, n)
		return true
	})
	return out
}

// Find returns the first node with id in depth-first order, or nil.
func Find(tree []*schema.PageDescriptor, id string) *schema.PageDescriptor {
	var found *schema.PageDescriptor
	Walk(tree, func(n *schema.PageDescriptor, _ []*schema.PageDescriptor) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// IndexOf returns the depth-first index of the first node with id, or -1.
func IndexOf(tree []*schema.PageDescriptor, id string) int {
	idx, i := -1, 0
	Walk(tree, func(n *schema.PageDescriptor, _ []*schema.PageDescriptor) bool {
		if n.ID == id {
			idx = i
			return false
		}
		i++
		return true
	})
	return idx
}

// Breadcrumb returns the titles from the root down to and including the node
// with id, or nil when it is absent.
func Breadcrumb(tree []*schema.PageDescriptor, id string) []string {
	var out []string
	Walk(tree, func(n *schema.PageDescriptor, ancestors []*schema.PageDescriptor) bool {
		if n.ID != id {
			return true
		}
		for _, a := range ancestors {
			out = append(out, a.Title)
		}
		out = append(out, n.Title)
		return false
	})
	return out
}

// Count returns the number of nodes in tree.
func Count(tree []*schema.PageDescriptor) int {
	n := 0
	Walk(tree, func(*schema.PageDescriptor, []*schema.PageDescriptor) bool {
		n++
		return true
	})
	return n
}

package router

import (
	"sort"
	"strings"
)

// cmdNode is one token of a command route. Group nodes have no cmd.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

func (n *cmdNode) add(route []string, c Command) *cmdNode {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[strings.ToLower(name)]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// walk visits every command below n in route order.
func (n *cmdNode) walk(fn func(path []string, c *Command)) {
	var visit func(x *cmdNode, path []string)
	visit = func(x *cmdNode, path []string) {
		if x.cmd != nil {
			fn(path, x.cmd)
		}
		for _, name := range x.childNames() {
			visit(x.children[name], append(path[:len(path):len(path)], name))
		}
	}
	visit(n, nil)
}

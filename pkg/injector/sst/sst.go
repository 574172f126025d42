// Package sst rebuilds the structural tree of a program's checkpoints from
// its header and renders it as Graphviz DOT.
package sst

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/awalterschulze/gographviz"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

const (
	KindRoot = "root"
	KindFile = "file"

	graphName     = "sst"
	maxLabelRunes = 48
)

// Node is a checkpoint, a file or the program root.
type Node struct {
	Kind       string
	Checkpoint *types.Checkpoint
	File       string
	Children   []*Node
}

func (n *Node) ID() int {
	if n.Checkpoint == nil {
		return 0
	}
	return n.Checkpoint.ID
}

// Tree is the checkpoint hierarchy of one program.
type Tree struct {
	Root  *Node
	nodes map[int]*Node
	up    map[int]*Node
}

// Build nests every checkpoint under the innermost checkpoint of the same
// file whose source span contains it. Checkpoints of one file arrive in
// pre-order, so a stack of open spans is enough. Statements only ever
// parent function literals.
func Build(meta *types.ProgramMetadata) *Tree {
	t := &Tree{
		Root:  &Node{Kind: KindRoot},
		nodes: map[int]*Node{},
		up:    map[int]*Node{},
	}

	checkpoints := make([]types.Checkpoint, len(meta.Checkpoints))
	copy(checkpoints, meta.Checkpoints)
	sort.SliceStable(checkpoints, func(i, j int) bool { return checkpoints[i].ID < checkpoints[j].ID })

	files := map[string]*Node{}
	for _, f := range meta.FileTree {
		if _, ok := files[f.Path]; ok {
			continue
		}
		node := &Node{Kind: KindFile, File: f.Path}
		files[f.Path] = node
		t.Root.Children = append(t.Root.Children, node)
	}

	stacks := map[string][]*Node{}
	for i := range checkpoints {
		cp := &checkpoints[i]
		fileNode, ok := files[cp.File]
		if !ok {
			fileNode = &Node{Kind: KindFile, File: cp.File}
			files[cp.File] = fileNode
			t.Root.Children = append(t.Root.Children, fileNode)
		}

		node := &Node{Kind: string(cp.Category), Checkpoint: cp, File: cp.File}
		stack := stacks[cp.File]
		for len(stack) > 0 && !encloses(stack[len(stack)-1].Checkpoint, cp) {
			stack = stack[:len(stack)-1]
		}
		parent := fileNode
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}
		parent.Children = append(parent.Children, node)
		t.up[cp.ID] = parent
		t.nodes[cp.ID] = node
		stacks[cp.File] = append(stack, node)
	}
	return t
}

func encloses(outer, inner *types.Checkpoint) bool {
	if outer.Category == types.CategoryStatement && inner.Category != types.CategoryFunction {
		return false
	}
	return outer.SourceSpan.Start <= inner.SourceSpan.Start && inner.SourceSpan.End <= outer.SourceSpan.End
}

// Node returns the checkpoint node with the given id.
func (t *Tree) Node(id int) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Ancestors lists the checkpoint ids enclosing id, innermost first.
func (t *Tree) Ancestors(id int) []int {
	var out []int
	for parent := t.up[id]; parent != nil && parent.Checkpoint != nil; parent = t.up[parent.ID()] {
		out = append(out, parent.ID())
	}
	return out
}

// Walk visits the tree depth first in source order.
func (t *Tree) Walk(fn func(n *Node, depth int)) {
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(t.Root, 0)
}

// DOT renders the tree as a directed Graphviz graph.
func (t *Tree) DOT() (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName(graphName); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}

	names := map[*Node]string{}
	fileIndex := 0
	var err error
	t.Walk(func(n *Node, _ int) {
		if err != nil {
			return
		}
		name, attrs := "root", map[string]string{"shape": "point"}
		switch n.Kind {
		case KindRoot:
		case KindFile:
			name = "file" + strconv.Itoa(fileIndex)
			fileIndex++
			attrs = map[string]string{"shape": "folder", "label": strconv.Quote(n.File)}
		default:
			name = "cp" + strconv.Itoa(n.ID())
			attrs = map[string]string{"shape": shape(n.Checkpoint.Category), "label": strconv.Quote(label(n.Checkpoint))}
		}
		names[n] = name
		if err = g.AddNode(graphName, name, attrs); err != nil {
			err = fmt.Errorf("failed to add node %s: %w", name, err)
		}
	})
	if err != nil {
		return "", err
	}

	t.Walk(func(n *Node, _ int) {
		for _, c := range n.Children {
			if err != nil {
				return
			}
			if err = g.AddEdge(names[n], names[c], true, nil); err != nil {
				err = fmt.Errorf("failed to add edge %s -> %s: %w", names[n], names[c], err)
			}
		}
	})
	if err != nil {
		return "", err
	}
	return g.String(), nil
}

func shape(c types.Category) string {
	switch c {
	case types.CategoryFunction:
		return "box"
	case types.CategoryConditional:
		return "diamond"
	case types.CategoryLoop:
		return "hexagon"
	case types.CategoryBlock:
		return "box3d"
	default:
		return "ellipse"
	}
}

func label(cp *types.Checkpoint) string {
	text := []rune(firstLine(cp.RenderedText))
	if len(text) > maxLabelRunes {
		text = append(text[:maxLabelRunes-3], []rune("...")...)
	}
	return fmt.Sprintf("%d %s:%d\n%s", cp.ID, cp.Node, cp.SourceSpan.Start, string(text))
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
